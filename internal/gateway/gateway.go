// Package gateway accepts websocket audio streams, runs every chunk through
// the recognizer and merges the result into the connection's transcript.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Transcriber recognizes a single audio chunk.
type Transcriber interface {
	TranscribeChunk(ctx context.Context, payload []byte) (stt.Result, error)
}

// Publisher broadcasts transcript events. Implementations must tolerate
// being called from many connections at once.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Gateway struct {
	cfg            config.GatewayConfig
	maxChunkBytes  int64
	allowedOrigins []string
	store          *transcript.Store
	stt            Transcriber
	pub            Publisher
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	clock          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[string]*connection
	closed bool

	received metric.Int64Counter
	active   metric.Int64UpDownCounter
}

func New(parent context.Context, cfg config.Config, store *transcript.Store, transcriber Transcriber, pub Publisher, logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	g := &Gateway{
		cfg:            cfg.Gateway,
		maxChunkBytes:  int64(cfg.STT.MaxChunkBytes),
		allowedOrigins: cfg.HTTP.AllowedOrigins,
		store:          store,
		stt:            transcriber,
		pub:            pub,
		logger:         logger.With(slog.String("component", "gateway")),
		clock:          time.Now,
		ctx:            ctx,
		cancel:         cancel,
		conns:          make(map[string]*connection),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     g.checkOrigin,
	}
	if err := g.initMetrics(); err != nil {
		g.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return g
}

func (g *Gateway) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/gateway")
	var err error
	g.received, err = meter.Int64Counter("scribe.chunks.received",
		metric.WithDescription("Audio chunks accepted from websocket clients"))
	if err != nil {
		return err
	}
	g.active, err = meter.Int64UpDownCounter("scribe.sessions.active",
		metric.WithDescription("Open websocket sessions"))
	return err
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// ServeHTTP upgrades the request and blocks until the connection ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := newConnection(g, ws, r.RemoteAddr)
	if !g.register(conn) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	defer g.unregister(conn)

	conn.run()
}

func (g *Gateway) register(c *connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c.id] = c
	g.wg.Add(1)
	return true
}

func (g *Gateway) unregister(c *connection) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
	g.wg.Done()
}

// Sessions reports the number of connected clients.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close disconnects every client and waits for their pipelines to stop.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	g.cancel()
	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	g.wg.Wait()
}

func (g *Gateway) publish(subject string, v any) {
	if g.pub == nil {
		return
	}
	if err := g.pub.PublishJSON(subject, v); err != nil {
		g.logger.Warn("failed to publish transcript event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

func (g *Gateway) sessionOpened(c *connection) {
	g.store.Create(c.id)
	if g.active != nil {
		g.active.Add(g.ctx, 1)
	}
	g.logger.Info("client connected", slog.String("session_id", c.id), slog.String("remote_addr", c.remote))
	g.publish(protocol.SubjectSessionOpened, protocol.SessionEvent{
		SessionID:  c.id,
		RemoteAddr: c.remote,
		Timestamp:  g.clock().UTC(),
	})
}

func (g *Gateway) sessionClosed(c *connection) {
	snap, _ := g.store.Snapshot(c.id)
	g.store.Destroy(c.id)
	if g.active != nil {
		g.active.Add(context.Background(), -1)
	}
	g.logger.Info("client disconnected",
		slog.String("session_id", c.id),
		slog.Int("chunks", snap.Chunks),
		slog.Float64("offset", snap.Offset))
	g.publish(protocol.SubjectSessionClosed, protocol.SessionEvent{
		SessionID: c.id,
		Text:      snap.Text,
		Offset:    snap.Offset,
		Timestamp: g.clock().UTC(),
	})
}
