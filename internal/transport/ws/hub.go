// Package ws carries snapshot packets to subscribers over gorilla websockets.
//
// Every connection occupies one pipeline client slot. The server writes one
// binary frame per packet; the client answers with binary frames holding its
// varint-packed acknowledged tick.
package ws

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"snapsync/broker/internal/auth"
	"snapsync/broker/internal/delta"
	"snapsync/broker/internal/logging"
	"snapsync/broker/internal/pipeline"
	"snapsync/broker/internal/varint"
)

const (
	// DefaultSendBuffer is the number of packets queued per connection.
	DefaultSendBuffer = 256
	writeWait         = 5 * time.Second
)

var (
	// ErrNotConnected reports a send to an empty slot.
	ErrNotConnected = errors.New("ws: client not connected")
	// ErrSlowConsumer reports a connection dropped because its queue was full.
	ErrSlowConsumer = errors.New("ws: client send queue full")
	// ErrHubFull reports that every client slot is taken.
	ErrHubFull = errors.New("ws: no free client slot")
)

// Resetter clears the server side state of a client slot.
type Resetter interface {
	EnqueueReset(clientID int) error
}

// Options configures a Hub.
type Options struct {
	MaxClients      int
	PingInterval    time.Duration
	MaxPayloadBytes int64
	SendBuffer      int
	AllowedOrigins  []string
	DefaultVariant  delta.Variant
	Authenticator   auth.RequestAuthenticator
	Resetter        Resetter
	Logger          *logging.Logger
}

// ClientInfo describes one connected subscriber.
type ClientInfo struct {
	ID        int
	Subject   string
	Variant   delta.Variant
	AckTick   int32
	Connected time.Time
}

type session struct {
	id        int
	subject   string
	variant   delta.Variant
	connected time.Time
	conn      *websocket.Conn
	send      chan []byte
	ackTick   atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Hub owns the client slots and implements transport.Transport.
type Hub struct {
	opts     Options
	log      *logging.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	slots []*session

	accepted atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

// New returns a hub with opts.MaxClients empty slots.
func New(opts Options) *Hub {
	if opts.MaxClients <= 0 {
		opts.MaxClients = pipeline.DefaultMaxClients
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 4 << 10
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Authenticator == nil {
		opts.Authenticator = auth.AllowAll{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	h := &Hub{
		opts:  opts,
		log:   opts.Logger.With(logging.String("component", "ws_hub")),
		slots: make([]*session, opts.MaxClients),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates and upgrades a subscriber, then runs its read and write loops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	//1.- Resolve identity and variant before spending a slot.
	identity, err := h.opts.Authenticator.Authenticate(r)
	if err != nil {
		h.rejected.Add(1)
		h.log.Warn("websocket auth rejected", logging.String("remote", r.RemoteAddr), logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	variant := h.opts.DefaultVariant
	if identity.Variant != "" {
		if variant, err = delta.ParseVariant(identity.Variant); err != nil {
			h.rejected.Add(1)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.String("remote", r.RemoteAddr), logging.Error(err))
		return
	}
	subject := identity.Subject
	if subject == "" {
		subject = r.RemoteAddr
	}
	s := &session{
		subject:   subject,
		variant:   variant,
		connected: time.Now(),
		conn:      conn,
		send:      make(chan []byte, h.opts.SendBuffer),
		done:      make(chan struct{}),
	}
	s.ackTick.Store(pipeline.NoTick)

	//2.- Claim a slot; the previous occupant's history must not leak into the new stream.
	if err := h.attach(s); err != nil {
		h.rejected.Add(1)
		h.log.Warn("websocket rejected", logging.String("subject", subject), logging.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server full"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.accepted.Add(1)
	h.resetSlot(s.id)
	logger := h.log.With(logging.Int("client", s.id), logging.String("subject", subject), logging.String("variant", variant.String()))
	logger.Info("client connected")

	go h.writeLoop(s, logger)
	h.readLoop(s, logger)
}

func (h *Hub) attach(s *session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, slot := range h.slots {
		if slot == nil {
			s.id = id
			h.slots[id] = s
			return nil
		}
	}
	return ErrHubFull
}

func (h *Hub) detach(s *session) {
	h.mu.Lock()
	if h.slots[s.id] == s {
		h.slots[s.id] = nil
	}
	h.mu.Unlock()
	s.close()
}

func (h *Hub) resetSlot(id int) {
	if h.opts.Resetter == nil {
		return
	}
	if err := h.opts.Resetter.EnqueueReset(id); err != nil {
		h.log.Warn("reset client slot failed", logging.Int("client", id), logging.Error(err))
	}
}

// readLoop consumes ack frames until the connection fails.
func (h *Hub) readLoop(s *session, logger *logging.Logger) {
	defer func() {
		h.detach(s)
		_ = s.conn.Close()
		logger.Info("client disconnected")
	}()
	s.conn.SetReadLimit(h.opts.MaxPayloadBytes)
	for {
		kind, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("read error", logging.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		tick, _, err := varint.Unpack(msg)
		if err != nil {
			logger.Debug("malformed ack", logging.Error(err))
			continue
		}
		//1.- Acks only move forward, except for an explicit resync request.
		if tick == pipeline.NoTick || tick > s.ackTick.Load() {
			s.ackTick.Store(tick)
		}
	}
}

// writeLoop drains the send queue and keeps the connection alive with pings.
func (h *Hub) writeLoop(s *session, logger *logging.Logger) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case packet := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
				logger.Debug("write failed", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Send queues packet for clientID without blocking. A full queue drops the connection.
func (h *Hub) Send(clientID int, packet []byte) error {
	h.mu.RLock()
	var s *session
	if clientID >= 0 && clientID < len(h.slots) {
		s = h.slots[clientID]
	}
	h.mu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}
	select {
	case <-s.done:
		return ErrNotConnected
	case s.send <- packet:
		return nil
	default:
		h.dropped.Add(1)
		h.detach(s)
		return ErrSlowConsumer
	}
}

// Clients lists the connected subscribers ordered by slot.
func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.slots))
	for _, s := range h.slots {
		if s == nil {
			continue
		}
		out = append(out, ClientInfo{
			ID:        s.id,
			Subject:   s.subject,
			Variant:   s.variant,
			AckTick:   s.ackTick.Load(),
			Connected: s.connected,
		})
	}
	return out
}

// Connected returns the number of occupied slots.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.slots))
	for id, s := range h.slots {
		if s != nil {
			sessions = append(sessions, s)
			h.slots[id] = nil
		}
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}
