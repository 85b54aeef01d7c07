// Package websocket serves the telemetry feed to browser and operator
// clients. Every rendered long_status snapshot and every READY/FINISHED notice
// is broadcast as a JSON envelope; clients only read.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/metric"
)

// Envelope types.
const (
	TypeLongStatus = "long_status"
	TypeNotice     = "notice"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Config configures the feed server.
type Config struct {
	Addr string `json:"addr" yaml:"addr"`
	Path string `json:"path" yaml:"path"`
}

// DefaultConfig listens on :8081/ws.
func DefaultConfig() Config {
	return Config{Addr: ":8081", Path: "/ws"}
}

// MessageEnvelope wraps every message sent to clients.
type MessageEnvelope struct {
	Type      string `json:"type"`
	ID        uint64 `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Payload   string `json:"payload"`
}

type clientInfo struct {
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
	closeOnce   sync.Once
	closed      atomic.Bool
}

// Metrics holds Prometheus metrics for the feed.
type Metrics struct {
	messagesSent     *prometheus.CounterVec
	clientsConnected prometheus.Gauge
	disconnections   *prometheus.CounterVec
}

func newMetrics(reg metric.MetricsRegistrar) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Envelopes written to feed clients",
		}, []string{"type"}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Connected feed clients",
		}),
		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "websocket",
			Name:      "disconnections_total",
			Help:      "Feed client disconnections by reason",
		}, []string{"reason"}),
	}
	if err := reg.Register("websocket", "messages_sent", m.messagesSent); err != nil {
		return nil, err
	}
	if err := reg.Register("websocket", "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := reg.Register("websocket", "disconnections", m.disconnections); err != nil {
		return nil, err
	}
	return m, nil
}

// Output is the websocket feed server.
type Output struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	lifecycleMu sync.Mutex
	server      *http.Server
	listener    net.Listener
	shutdown    chan struct{}
	wg          sync.WaitGroup
	running     bool

	messageID atomic.Uint64
}

// NewOutput creates the feed server. registry may be nil.
func NewOutput(cfg Config, logger *slog.Logger, registry metric.MetricsRegistrar) (*Output, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newMetrics(registry)
	if err != nil {
		return nil, errors.Wrap(err, "websocket", "NewOutput", "register metrics")
	}
	return &Output{
		cfg:     cfg,
		logger:  logger.With("component", "websocket"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*clientInfo),
	}, nil
}

// Start listens and serves until Stop or ctx is done.
func (w *Output) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "websocket", "Start", "start feed")
	}

	ln, err := net.Listen("tcp", w.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "websocket", "Start", "listen "+w.cfg.Addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(w.cfg.Path, w.handleWebSocket)
	w.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	w.listener = ln
	w.shutdown = make(chan struct{})
	w.running = true

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.logger.Error("Feed server stopped", "error", err)
		}
	}()
	go w.maintainClients(ctx)

	w.logger.Info("Feed server listening", "addr", ln.Addr().String(), "path", w.cfg.Path)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (w *Output) Addr() string {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

// Stop closes every client and shuts the server down.
func (w *Output) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := w.server.Shutdown(ctx)

	w.clientsMu.RLock()
	infos := make([]*clientInfo, 0, len(w.clients))
	for _, info := range w.clients {
		infos = append(infos, info)
	}
	w.clientsMu.RUnlock()
	for _, info := range infos {
		w.removeClient(info, "shutdown")
	}

	w.wg.Wait()
	if err != nil {
		return errors.WrapTransient(err, "websocket", "Stop", "shutdown server")
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (w *Output) ClientCount() int {
	w.clientsMu.RLock()
	defer w.clientsMu.RUnlock()
	return len(w.clients)
}

// Send broadcasts payload under the given envelope type and returns the
// number of clients that received it.
func (w *Output) Send(_ context.Context, typ string, payload []byte) (int, error) {
	envelope := MessageEnvelope{
		Type:      typ,
		ID:        w.messageID.Add(1),
		Timestamp: time.Now().UnixMilli(),
		Payload:   string(payload),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return 0, errors.WrapInvalid(err, "websocket", "Send", "marshal envelope")
	}

	w.clientsMu.RLock()
	infos := make([]*clientInfo, 0, len(w.clients))
	for _, info := range w.clients {
		infos = append(infos, info)
	}
	w.clientsMu.RUnlock()

	sent := 0
	for _, info := range infos {
		if info.closed.Load() {
			continue
		}
		if err := w.write(info, websocket.TextMessage, data); err != nil {
			w.logger.Debug("Feed client write failed", "error", err)
			w.removeClient(info, "write_error")
			continue
		}
		sent++
	}
	if w.metrics != nil && sent > 0 {
		w.metrics.messagesSent.WithLabelValues(typ).Add(float64(sent))
	}
	return sent, nil
}

func (w *Output) write(info *clientInfo, messageType int, data []byte) error {
	// gorilla/websocket allows a single concurrent writer.
	info.writeMu.Lock()
	defer info.writeMu.Unlock()
	_ = info.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return info.conn.WriteMessage(messageType, data)
}

func (w *Output) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	info := &clientInfo{conn: conn, connectedAt: time.Now()}
	w.clientsMu.Lock()
	w.clients[conn] = info
	count := len(w.clients)
	w.clientsMu.Unlock()
	if w.metrics != nil {
		w.metrics.clientsConnected.Set(float64(count))
	}
	w.logger.Info("Feed client connected", "remote", r.RemoteAddr, "clients", count)

	w.wg.Add(1)
	go w.readLoop(info)
}

// readLoop discards client frames; it exists to process pongs and notice the
// close.
func (w *Output) readLoop(info *clientInfo) {
	defer w.wg.Done()
	defer w.removeClient(info, "closed")

	info.conn.SetPongHandler(func(string) error {
		return info.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_ = info.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := info.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *Output) removeClient(info *clientInfo, reason string) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		w.clientsMu.Lock()
		delete(w.clients, info.conn)
		count := len(w.clients)
		w.clientsMu.Unlock()

		if w.metrics != nil {
			w.metrics.disconnections.WithLabelValues(reason).Inc()
			w.metrics.clientsConnected.Set(float64(count))
		}
		_ = info.conn.Close()
	})
}

func (w *Output) maintainClients(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.clientsMu.RLock()
			infos := make([]*clientInfo, 0, len(w.clients))
			for _, info := range w.clients {
				infos = append(infos, info)
			}
			w.clientsMu.RUnlock()
			for _, info := range infos {
				if err := w.write(info, websocket.PingMessage, nil); err != nil {
					w.removeClient(info, "ping_failed")
				}
			}
		}
	}
}
