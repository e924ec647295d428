// Package stream pushes queue events to websocket clients.
//
// Each connection first receives a snapshot of the ordered job view and then
// every queue event as it happens. Job payloads are full snapshots, so a
// client that sees an event already reflected in its snapshot can apply it
// again safely. Clients that fall behind are disconnected rather than
// allowed to stall the queue.
package stream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"studio/internal/jobs/events"
	"studio/internal/jobs/metrics"
	"studio/internal/jobs/models"
	"studio/internal/platform/privacy"
	"studio/pkg/requestcontext"
)

const MessageTypeSnapshot = "snapshot"

// Message is the JSON frame sent to clients. Type is "snapshot" or a queue
// event type.
type Message struct {
	Type string       `json:"type"`
	Seq  uint64       `json:"seq,omitempty"`
	At   *time.Time   `json:"at,omitempty"`
	Job  *models.Job  `json:"job,omitempty"`
	Jobs []models.Job `json:"jobs,omitzero"`
}

// Source is the read and subscribe side of the job queue.
type Source interface {
	Jobs() []models.Job
	On(event models.EventType, listener events.Listener) (unsubscribe func())
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithBufferSize sets how many undelivered frames a client may accumulate
// before it is dropped.
func WithBufferSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithPingPeriod sets the keepalive interval; clients must answer within
// twice this period.
func WithPingPeriod(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingPeriod = d
		}
	}
}

// WithAllowedOrigins restricts browser origins. Without it any origin is
// accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

type Handler struct {
	source     Source
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	metrics    *metrics.Metrics
	bufferSize int
	pingPeriod time.Duration
	writeWait  time.Duration

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

func New(source Source, opts ...Option) *Handler {
	h := &Handler{
		source:     source,
		logger:     slog.Default(),
		bufferSize: 64,
		pingPeriod: 30 * time.Second,
		writeWait:  10 * time.Second,
		quit:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader.Error = func(w http.ResponseWriter, r *http.Request, status int, reason error) {
		h.logger.WarnContext(r.Context(), "job stream upgrade failed",
			"status", status,
			"error", reason,
			"request_id", requestcontext.RequestID(r.Context()),
		)
		http.Error(w, reason.Error(), status)
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/api/jobs/events", h.HandleEvents)
}

// Close disconnects every client and waits for their writers to exit.
// Hijacked connections are not closed by http.Server.Shutdown.
func (h *Handler) Close() {
	h.quitOnce.Do(func() { close(h.quit) })
	h.wg.Wait()
}

func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()

	c := newClient(h.bufferSize)
	// Subscribe before the snapshot so no event between the two is lost.
	unsubscribe := h.source.On(models.EventAll, func(ev models.Event) {
		at := ev.At
		job := ev.Job
		if c.enqueue(Message{Type: string(ev.Type), Seq: ev.Seq, At: &at, Job: &job}) {
			return
		}
		if h.metrics != nil {
			h.metrics.StreamDroppedTotal.Inc()
		}
	})
	defer unsubscribe()

	if h.metrics != nil {
		h.metrics.StreamClients.Inc()
		defer h.metrics.StreamClients.Dec()
	}
	remote := privacy.AnonymizeIP(requestcontext.ClientIP(ctx))
	h.logger.InfoContext(ctx, "job_stream_connected", "remote_addr_prefix", remote)

	jobs := h.source.Jobs()
	if jobs == nil {
		jobs = []models.Job{}
	}
	reason := h.serve(conn, c, Message{Type: MessageTypeSnapshot, Jobs: jobs})
	_ = conn.Close()

	h.logger.InfoContext(ctx, "job_stream_disconnected",
		"remote_addr_prefix", remote,
		"reason", reason,
	)
}

// serve runs the read and write loops until either ends and returns why.
func (h *Handler) serve(conn *websocket.Conn, c *client, snapshot Message) string {
	pongWait := 2 * h.pingPeriod
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		// Inbound frames are ignored; reading drives ping, pong and close handling.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := h.write(conn, snapshot); err != nil {
		return "write_failed"
	}

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			if err := h.write(conn, msg); err != nil {
				return "write_failed"
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait)); err != nil {
				return "ping_failed"
			}
		case <-c.dropped:
			h.closeWith(conn, websocket.ClosePolicyViolation, "client too slow")
			return "slow_consumer"
		case <-h.quit:
			h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return "shutdown"
		case <-readDone:
			return "client_closed"
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	return conn.WriteJSON(msg)
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(h.writeWait))
}

// client buffers frames between the queue's emitting goroutine and the
// connection writer.
type client struct {
	send     chan Message
	dropped  chan struct{}
	dropOnce sync.Once
}

func newClient(buffer int) *client {
	return &client{
		send:    make(chan Message, buffer),
		dropped: make(chan struct{}),
	}
}

// enqueue never blocks. It reports false the first time the buffer
// overflows; later frames are discarded silently.
func (c *client) enqueue(msg Message) bool {
	select {
	case <-c.dropped:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.dropOnce.Do(func() { close(c.dropped) })
		return false
	}
}
