package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// connection owns one websocket. The read loop feeds a bounded queue and a
// single pipeline goroutine recognizes and merges chunks in arrival order.
type connection struct {
	id     string
	remote string
	gw     *Gateway
	ws     *websocket.Conn
	queue  chan []byte
	log    *slog.Logger

	// readWait is the keepalive read deadline window; zero disables it.
	readWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConnection(g *Gateway, ws *websocket.Conn, remote string) *connection {
	ctx, cancel := context.WithCancel(g.ctx)
	id := uuid.NewString()
	return &connection{
		id:     id,
		remote: remote,
		gw:     g,
		ws:     ws,
		queue:  make(chan []byte, g.cfg.QueueSize),
		log:    g.logger.With(slog.String("session_id", id)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *connection) run() {
	c.gw.sessionOpened(c)
	if err := c.send(protocol.ServerMessage{Type: protocol.TypeSession, SessionID: c.id}); err != nil {
		c.log.Warn("failed to greet client", slog.String("error", err.Error()))
	}

	var pipeline sync.WaitGroup
	pipeline.Add(1)
	go func() {
		defer pipeline.Done()
		c.pipeline()
	}()

	var keepalive sync.WaitGroup
	if interval := time.Duration(c.gw.cfg.PingIntervalMS) * time.Millisecond; interval > 0 {
		c.enableKeepalive(interval)
		keepalive.Add(1)
		go func() {
			defer keepalive.Done()
			c.ping(interval)
		}()
	}

	c.readLoop()

	c.gw.sessionClosed(c)
	c.cancel()
	close(c.queue)
	pipeline.Wait()
	keepalive.Wait()
	c.shutdown(websocket.CloseNormalClosure, "")
}

func (c *connection) readLoop() {
	if c.gw.maxChunkBytes > 0 {
		c.ws.SetReadLimit(c.gw.maxChunkBytes)
	}
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		payload, ok := c.decode(msgType, data)
		if !ok || len(payload) == 0 {
			continue
		}
		if c.gw.received != nil {
			c.gw.received.Add(c.ctx, 1)
		}

		select {
		case c.queue <- payload:
		case <-c.ctx.Done():
			return
		}
		// Pongs are not read while the queue is full.
		c.extendReadDeadline()
	}
}

func (c *connection) extendReadDeadline() {
	if c.readWait > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readWait))
	}
}

// decode extracts audio from a frame. Binary frames are raw audio; text
// frames carry {"type":"audio","data":"<base64>"} or a bare base64 string.
func (c *connection) decode(msgType int, data []byte) ([]byte, bool) {
	switch msgType {
	case websocket.BinaryMessage:
		return data, true
	case websocket.TextMessage:
		trimmed := strings.TrimSpace(string(data))
		if trimmed == "" {
			return nil, false
		}
		encoded := trimmed
		if strings.HasPrefix(trimmed, "{") {
			var msg protocol.ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.log.Warn("invalid client message", slog.String("error", err.Error()))
				return nil, false
			}
			if msg.Type != protocol.TypeAudio {
				c.log.Warn("ignoring client message", slog.String("type", msg.Type))
				return nil, false
			}
			encoded = msg.Data
		}
		payload, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			c.log.Warn("invalid base64 audio payload", slog.String("error", err.Error()))
			return nil, false
		}
		return payload, true
	default:
		return nil, false
	}
}

func (c *connection) pipeline() {
	for payload := range c.queue {
		if c.ctx.Err() != nil {
			continue
		}
		c.process(payload)
	}
}

func (c *connection) process(payload []byte) {
	result, err := c.gw.stt.TranscribeChunk(c.ctx, payload)
	if err != nil {
		if c.ctx.Err() != nil || errors.Is(err, stt.ErrEmptyAudio) {
			return
		}
		c.log.Warn("chunk transcription failed", slog.String("error", err.Error()))
		if err := c.send(protocol.ServerMessage{Type: protocol.TypeError, Message: err.Error()}); err != nil {
			c.log.Debug("failed to deliver error", slog.String("error", err.Error()))
		}
		return
	}

	update, ok := c.gw.store.MergeChunk(c.id, result.Segments, result.Duration)
	if !ok || update.Empty() {
		return
	}
	c.log.Debug("chunk transcribed", slog.Int("sequence", update.Sequence), slog.String("text", update.Text))

	if err := c.send(protocol.ServerMessage{
		Type:     protocol.TypeText,
		Text:     update.Text,
		Segments: update.Segments,
	}); err != nil {
		c.log.Debug("failed to deliver update", slog.String("error", err.Error()))
	}
	c.gw.publish(protocol.SubjectChunk, protocol.ChunkEvent{
		SessionID: c.id,
		Sequence:  update.Sequence,
		Text:      update.Text,
		Segments:  update.Segments,
		Offset:    update.Offset,
		Duration:  result.Duration,
		Language:  result.Language,
		Timestamp: c.gw.clock().UTC(),
	})
}

func (c *connection) send(msg protocol.ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout := time.Duration(c.gw.cfg.WriteTimeoutMS) * time.Millisecond; timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.ws.WriteJSON(msg)
}

func (c *connection) enableKeepalive(interval time.Duration) {
	c.readWait = 2 * interval
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

func (c *connection) ping(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				return
			}
		}
	}
}

// shutdown sends a close frame and releases the socket. Safe to call more
// than once and from other goroutines.
func (c *connection) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
