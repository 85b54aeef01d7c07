package bridge

import (
	"context"
	"fmt"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/output/websocket"
	"github.com/c360/gantrybridge/pkg/worker"
	"github.com/c360/gantrybridge/storage/snapshot"
)

// Sink receives every rendered snapshot and the engine notices. Each sink is
// served by its own single worker, so calls to one sink never overlap and
// arrive in order.
type Sink interface {
	Name() string
	Snapshot(ctx context.Context, seq int, snapshot []byte) error
	Notice(ctx context.Context, notice []byte) error
}

// StoreSink persists snapshots to a snapshot store.
type StoreSink struct {
	name  string
	store snapshot.Store
}

// NewStoreSink wraps store.
func NewStoreSink(name string, store snapshot.Store) *StoreSink {
	return &StoreSink{name: name, store: store}
}

func (s *StoreSink) Name() string { return s.name }

// Snapshot overwrites the stored snapshot.
func (s *StoreSink) Snapshot(ctx context.Context, _ int, data []byte) error {
	return s.store.Save(ctx, data)
}

// Notice is ignored; only snapshots are persisted.
func (s *StoreSink) Notice(context.Context, []byte) error { return nil }

// Publisher publishes raw messages on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSink publishes snapshots on <prefix>.long_status and notices on
// <prefix>.notice.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	return &NATSSink{pub: pub, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the full subject for suffix.
func (s *NATSSink) Subject(suffix string) string {
	return s.prefix + "." + suffix
}

func (s *NATSSink) Snapshot(ctx context.Context, _ int, data []byte) error {
	if err := s.pub.Publish(ctx, s.Subject("long_status"), data); err != nil {
		return errors.WrapTransient(err, "NATSSink", "Snapshot", "publish snapshot")
	}
	return nil
}

func (s *NATSSink) Notice(ctx context.Context, notice []byte) error {
	if err := s.pub.Publish(ctx, s.Subject("notice"), notice); err != nil {
		return errors.WrapTransient(err, "NATSSink", "Notice", "publish notice")
	}
	return nil
}

// Broadcaster sends typed messages to feed clients.
type Broadcaster interface {
	Send(ctx context.Context, typ string, payload []byte) (int, error)
}

// FeedSink forwards snapshots and notices to the websocket feed.
type FeedSink struct {
	feed Broadcaster
}

// NewFeedSink creates a sink sending through feed.
func NewFeedSink(feed Broadcaster) *FeedSink {
	return &FeedSink{feed: feed}
}

func (s *FeedSink) Name() string { return "websocket" }

func (s *FeedSink) Snapshot(ctx context.Context, _ int, data []byte) error {
	_, err := s.feed.Send(ctx, websocket.TypeLongStatus, data)
	return err
}

func (s *FeedSink) Notice(ctx context.Context, notice []byte) error {
	_, err := s.feed.Send(ctx, websocket.TypeNotice, notice)
	return err
}

// delivery is one unit of sink work.
type delivery struct {
	seq     int
	payload []byte
	notice  bool
}

type sinkWorker struct {
	sink Sink
	pool *worker.Pool[delivery]
}

const sinkQueueSize = 16

func (b *Bridge) newSinkWorker(s Sink) (*sinkWorker, error) {
	opts := []worker.Option[delivery]{
		worker.WithErrorHandler(func(d delivery, err error) {
			b.metrics.RecordSinkError(s.Name())
			b.health.UpdateDegraded("sink:"+s.Name(), err.Error())
			b.logger.Warn("Sink delivery failed", "sink", s.Name(), "seq", d.seq, "notice", d.notice, "error", err)
		}),
	}
	if b.registrar != nil {
		opts = append(opts, worker.WithMetrics[delivery](b.registrar))
	}

	pool, err := worker.NewPool("sink_"+s.Name(), 1, sinkQueueSize, func(ctx context.Context, d delivery) error {
		if d.notice {
			return s.Notice(ctx, d.payload)
		}
		if err := s.Snapshot(ctx, d.seq, d.payload); err != nil {
			return err
		}
		b.health.UpdateHealthy("sink:"+s.Name(), fmt.Sprintf("delivered seq %d", d.seq))
		return nil
	}, opts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Bridge", "newSinkWorker", "create pool for "+s.Name())
	}
	return &sinkWorker{sink: s, pool: pool}, nil
}

// dispatch hands d to every sink without blocking.
func (b *Bridge) dispatch(d delivery) {
	for _, w := range b.sinks {
		if err := w.pool.Submit(d); err != nil {
			b.metrics.RecordSinkError(w.sink.Name())
			b.logDrop("Sink delivery dropped", "sink", w.sink.Name(), "seq", d.seq, "error", err)
		}
	}
}
