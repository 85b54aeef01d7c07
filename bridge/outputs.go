package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/gantrybridge/config"
	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/health"
	"github.com/c360/gantrybridge/metric"
	"github.com/c360/gantrybridge/natsclient"
	"github.com/c360/gantrybridge/output/websocket"
	"github.com/c360/gantrybridge/storage/snapshot"
)

// kvTimeout bounds a single snapshot KV operation.
const kvTimeout = 5 * time.Second

// Outputs are the snapshot stores, sinks and services built from
// configuration. They go straight into Deps.
type Outputs struct {
	Stores   []snapshot.Store
	Sinks    []Sink
	Services []Service

	nats *natsclient.Client
}

// OpenOutputs builds the snapshot file store and, when enabled, connects to
// NATS and prepares the websocket feed. The registrar and monitor may be nil;
// a monitor receives the NATS connection state as the "nats" component.
func OpenOutputs(ctx context.Context, cfg *config.Config, logger *slog.Logger, registrar metric.MetricsRegistrar, monitor *health.Monitor) (*Outputs, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := &Outputs{}

	if cfg.Snapshot.Path != "" {
		out.Stores = append(out.Stores, snapshot.NewFileStore(cfg.Snapshot.Path))
	}

	if cfg.NATS.Enabled {
		client, err := natsclient.NewClient(cfg.NATS.URL, natsOptions(cfg.NATS, logger, monitor)...)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Outputs", "OpenOutputs", "create NATS client")
		}
		if err := client.Connect(ctx); err != nil {
			if monitor != nil {
				monitor.Update("nats", health.FromError("nats", err))
			}
			return nil, errors.WrapTransient(err, "Outputs", "OpenOutputs", "connect to NATS")
		}
		if monitor != nil {
			monitor.UpdateHealthy("nats", "connected")
		}
		out.nats = client
		out.Sinks = append(out.Sinks, NewNATSSink(client, cfg.NATS.SubjectPrefix))

		if cfg.NATS.KV {
			kv, err := client.KeyValue(ctx, snapshot.BucketConfig(cfg.Snapshot.KVBucket))
			if err != nil {
				_ = out.Close(ctx)
				return nil, errors.WrapTransient(err, "Outputs", "OpenOutputs", "open snapshot bucket")
			}
			// The KV store is consulted first when seeding.
			kvStore := snapshot.NewKVStore(natsclient.NewKVStore(kv, kvTimeout))
			out.Stores = append([]snapshot.Store{kvStore}, out.Stores...)
		}
	}

	if cfg.WebSocket.Enabled {
		feed, err := websocket.NewOutput(websocket.Config{Addr: cfg.WebSocket.Addr, Path: cfg.WebSocket.Path}, logger, registrar)
		if err != nil {
			_ = out.Close(ctx)
			return nil, errors.WrapInvalid(err, "Outputs", "OpenOutputs", "create websocket feed")
		}
		out.Sinks = append(out.Sinks, NewFeedSink(feed))
		out.Services = append(out.Services, feed)
	}

	logger.Info("Outputs ready", "stores", len(out.Stores), "sinks", len(out.Sinks))
	return out, nil
}

func natsOptions(cfg config.NATSConfig, logger *slog.Logger, monitor *health.Monitor) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(SystemName),
		natsclient.WithDrainTimeout(cfg.DrainTimeout.Std()),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.Token))
	case cfg.User != "":
		opts = append(opts, natsclient.WithCredentials(cfg.User, cfg.Password))
	}
	if monitor != nil {
		onDisconnect, onReconnect := natsHealth(monitor)
		opts = append(opts,
			natsclient.WithDisconnectCallback(onDisconnect),
			natsclient.WithReconnectCallback(onReconnect))
	}
	return opts
}

// natsHealth reports connection changes as the "nats" component. Telemetry
// published while disconnected is buffered by the client, so a lost
// connection only degrades the bridge.
func natsHealth(monitor *health.Monitor) (func(error), func()) {
	onDisconnect := func(error) {
		monitor.UpdateDegraded("nats", "disconnected, reconnecting")
	}
	onReconnect := func() {
		monitor.UpdateHealthy("nats", "reconnected")
	}
	return onDisconnect, onReconnect
}

// Close disconnects from NATS.
func (o *Outputs) Close(ctx context.Context) error {
	if o.nats == nil {
		return nil
	}
	return o.nats.Close(ctx)
}
