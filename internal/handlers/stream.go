package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/PratikDhanave/position-stream-service/internal/config"
	"github.com/PratikDhanave/position-stream-service/internal/delta"
	"github.com/PratikDhanave/position-stream-service/internal/logging"
	"github.com/PratikDhanave/position-stream-service/internal/session"
	"github.com/PratikDhanave/position-stream-service/internal/signal"
	"github.com/PratikDhanave/position-stream-service/internal/source"
	"github.com/PratikDhanave/position-stream-service/internal/store"
	"github.com/PratikDhanave/position-stream-service/internal/stream"
)

// SessionHeader carries the stream session ID back to the client.
const SessionHeader = "X-Session-ID"

const wsWriteWait = 10 * time.Second

// SignalFactory opens the change signal for one new session.
type SignalFactory func(ctx context.Context) (signal.ChangeSignal, error)

// NewSignalFactory returns the factory selected by cfg.Stream.Signal:
// a LISTEN connection per session, or a polling ticker.
func NewSignalFactory(cfg config.Config, st *store.PostgresStore, clk clock.Clock) SignalFactory {
	if cfg.Stream.Signal == config.SignalPoll {
		return func(context.Context) (signal.ChangeSignal, error) {
			return signal.NewTicker(clk, cfg.Stream.PollInterval), nil
		}
	}
	return func(ctx context.Context) (signal.ChangeSignal, error) {
		conn, err := st.AcquireListenConn(ctx)
		if err != nil {
			return nil, err
		}
		l, err := signal.NewListener(ctx, conn, cfg.Tables)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// StreamHandler serves position streams. Every connection gets its own
// session, adapters and driver; only the querier is shared.
type StreamHandler struct {
	querier   source.Querier
	tables    []config.Table
	opts      config.StreamConfig
	newSignal SignalFactory
	clock     clock.Clock
	upgrader  websocket.Upgrader
}

// NewStreamHandler builds the handler for the configured tables.
func NewStreamHandler(q source.Querier, cfg config.Config, newSignal SignalFactory, clk clock.Clock) *StreamHandler {
	return &StreamHandler{
		querier:   q,
		tables:    cfg.Tables,
		opts:      cfg.Stream,
		newSignal: newSignal,
		clock:     clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			// The stream is public and read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterStreamRoutes registers the push endpoints.
//
// GET /stream
// - Server-Sent Events, one data frame per event
// GET /ws
// - WebSocket, one text message per event
func RegisterStreamRoutes(r gin.IRoutes, h *StreamHandler) {
	r.GET("/stream", h.serveSSE)
	r.GET("/ws", h.serveWebSocket)
}

// open starts a session and its change signal.
func (h *StreamHandler) open(ctx context.Context) (*session.Session, signal.ChangeSignal, error) {
	sess := session.New(h.clock.Now())
	sig, err := h.newSignal(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open change signal: %w", err)
	}
	return sess, sig, nil
}

func (h *StreamHandler) driver(sess *session.Session, sig signal.ChangeSignal, em stream.Emitter) *stream.Driver {
	adapters := make([]*source.Adapter, len(h.tables))
	for i, t := range h.tables {
		adapters[i] = source.New(h.querier, t)
	}
	return stream.New(sess, adapters, delta.New(h.tables, h.opts.SafetyMargin), sig, em, stream.Options{
		WaitTimeout: h.opts.WaitTimeout,
		HoursBack:   h.opts.HoursBack,
		MaxRows:     h.opts.MaxRows,
		Layout:      h.opts.Layout(),
		Clock:       h.clock,
	})
}

func (h *StreamHandler) serveSSE(c *gin.Context) {
	ctx := c.Request.Context()
	sess, sig, err := h.open(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("stream unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}

	w := c.Writer
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set(SessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)
	w.Flush()

	emit := stream.EmitterFunc(func(_ context.Context, payload []byte) error {
		if err := sse.Encode(w, sse.Event{Data: json.RawMessage(payload)}); err != nil {
			return err
		}
		w.Flush()
		return nil
	})

	_ = h.driver(sess, sig, emit).Run(ctx)
}

func (h *StreamHandler) serveWebSocket(c *gin.Context) {
	sess, sig, err := h.open(c.Request.Context())
	if err != nil {
		logging.Error().Err(err).Msg("stream unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, http.Header{SessionHeader: {sess.ID}})
	if err != nil {
		// The upgrader has already answered the client.
		logging.Debug().Err(err).Str("session", sess.ID).Msg("websocket upgrade failed")
		_ = sig.Close(context.WithoutCancel(c.Request.Context()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client never sends data; reading only surfaces close frames and errors.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	emit := stream.EmitterFunc(func(_ context.Context, payload []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, payload)
	})

	err = h.driver(sess, sig, emit).Run(ctx)
	if errors.Is(err, stream.ErrTransport) {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if errors.Is(err, stream.ErrSignal) {
		msg = websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "change signal failed")
	}
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
