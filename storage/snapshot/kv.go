package snapshot

import (
	"context"
	stderrors "errors"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/natsclient"
)

const (
	// DefaultBucket is the JetStream KV bucket holding the snapshot.
	DefaultBucket = "GANTRY_SNAPSHOT"
	// Key is the snapshot key inside the bucket.
	Key = "last_measurements"
)

// BucketConfig returns the KV bucket configuration for the snapshot. One
// revision is kept.
func BucketConfig(bucket string) jetstream.KeyValueConfig {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "last rendered gantry long_status snapshot",
		History:     1,
	}
}

// KVStore keeps the snapshot in a NATS JetStream key-value bucket.
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore wraps an opened KV store.
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{kv: kv}
}

// Load reads the snapshot key.
func (s *KVStore) Load(ctx context.Context) ([]byte, error) {
	entry, err := s.kv.Get(ctx, Key)
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "KVStore", "Load", Key)
		}
		return nil, errors.WrapTransient(err, "KVStore", "Load", "get snapshot")
	}
	return entry.Value, nil
}

// Save overwrites the snapshot key.
func (s *KVStore) Save(ctx context.Context, snapshot []byte) error {
	if _, err := s.kv.Put(ctx, Key, snapshot); err != nil {
		return errors.WrapTransient(err, "KVStore", "Save", "put snapshot")
	}
	return nil
}
