package game

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Conn is the transport seen by the coordinator: one persistent bidirectional
// message stream per client. The websocket implementation lives in
// websocket.go; tests substitute an in-memory one.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Ping() error
	Close(reason string)
}

const (
	outboxSize   = 64
	pingInterval = 30 * time.Second
)

// Session binds one connection to an identity and, at most, one room.
// Commands for a session are handled on its own read goroutine, so per-
// connection ordering holds by construction. name and roomCode are guarded
// by mu because a kick mutates them from the kicker's goroutine.
type Session struct {
	id      string
	conn    Conn
	outbox  chan []byte
	limiter *rate.Limiter
	log     zerolog.Logger

	mu       sync.Mutex
	name     string
	roomCode string

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, conn Conn, limiter *rate.Limiter, log zerolog.Logger) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		outbox:  make(chan []byte, outboxSize),
		limiter: limiter,
		log:     log.With().Str("conn", id).Logger(),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode
}

func (s *Session) playerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) bindRoom(code, name string) {
	s.mu.Lock()
	s.roomCode = code
	s.name = name
	s.mu.Unlock()
}

func (s *Session) clearRoom() {
	s.mu.Lock()
	s.roomCode = ""
	s.mu.Unlock()
}

// enqueue hands data to the write pump without ever blocking the caller.
// A client that cannot drain its outbox loses events rather than stalling
// the room.
func (s *Session) enqueue(data []byte) {
	select {
	case <-s.done:
	case s.outbox <- data:
	default:
		s.log.Warn().Msg("outbox full, dropping event")
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// writePump is the sole writer on the connection. It drains the outbox and
// keeps the transport alive with periodic pings.
func (s *Session) writePump() {
	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbox:
			if err := s.conn.Write(data); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-pings.C:
			if err := s.conn.Ping(); err != nil {
				return
			}
		}
	}
}
