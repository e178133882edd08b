// Package client is the device-side session adapter: a thin reconnecting
// proxy that turns local calls into coordinator commands and inbound
// broadcasts into local events. The server re-validates everything; the
// local precondition checks here only save a round trip.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Timmmy307/Aurora-rider/internal/protocol"
)

// EventDisconnected is the one locally synthesized event name; everything
// else re-emits a server event verbatim.
const EventDisconnected = "disconnected"

// EventHandler receives the payload exactly as the server sent it.
type EventHandler func(payload json.RawMessage)

// ScoreSource reports the local player's current score; the adapter polls it
// for the periodic push while a round is playing.
type ScoreSource func() protocol.ScoreSnapshot

type Options struct {
	URL               string // e.g. ws://localhost:3000/ws
	HandshakeTimeout  time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	ScorePushInterval time.Duration
	ScoreSource       ScoreSource
	Reconnect         bool
	Logger            zerolog.Logger
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 30 * time.Second
	}
	if o.ScorePushInterval <= 0 {
		o.ScorePushInterval = 2 * time.Second
	}
}

type Client struct {
	opts   Options
	log    zerolog.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	connID    string
	roomCode  string
	isHost    bool
	room      *protocol.RoomView
	phase     string
	handshake chan struct{}
	handlers  map[string][]EventHandler
	lastPush  protocol.ScoreSnapshot

	pumpOnce sync.Once
	done     chan struct{}
}

func New(opts Options) *Client {
	opts.withDefaults()
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		handlers: make(map[string][]EventHandler),
		done:     make(chan struct{}),
	}
}

// On registers a handler for a server event name. Handlers run on the read
// goroutine and must not block.
func (c *Client) On(event string, h EventHandler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// Connect dials the coordinator and resolves once the server has assigned a
// connection id, or fails on dial error or handshake timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}
	c.pumpOnce.Do(func() { go c.scorePump() })
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return err
	}

	handshake := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.handshake = handshake
	c.mu.Unlock()

	go c.readLoop(conn)

	select {
	case <-handshake:
		return nil
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	case <-time.After(c.opts.HandshakeTimeout):
		conn.Close()
		return errors.New("handshake timed out")
	}
}

// Close tears the connection down and disables reconnection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug().Err(err).Msg("bad message from server")
			continue
		}
		c.handleEvent(msg)
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.roomCode = ""
	c.room = nil
	c.isHost = false
	c.phase = ""
	shouldReconnect := c.opts.Reconnect && !c.closed
	c.mu.Unlock()

	if wasConnected {
		c.emit(EventDisconnected, nil)
	}
	if shouldReconnect {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	delay := c.opts.ReconnectDelay
	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.Debug().Err(err).Msg("reconnect attempt failed")
		delay *= 2
		if delay > c.opts.MaxReconnectDelay {
			delay = c.opts.MaxReconnectDelay
		}
	}
}

// handleEvent mirrors the server's view of the session before re-emitting
// the event locally. Nothing here is asserted locally; the broadcast is the
// source of truth.
func (c *Client) handleEvent(msg protocol.Message) {
	c.mu.Lock()
	switch msg.Name {
	case protocol.EventConnected:
		var ev protocol.ConnectedEvent
		if json.Unmarshal(msg.Payload, &ev) == nil {
			c.connID = ev.ConnectionID
		}
		c.connected = true
		if c.handshake != nil {
			close(c.handshake)
			c.handshake = nil
		}
	case protocol.EventRoomCreated, protocol.EventRoomJoined:
		var ev protocol.RoomEvent
		if json.Unmarshal(msg.Payload, &ev) == nil {
			c.roomCode = ev.RoomCode
			c.applyRoomLocked(ev.Room)
		}
	case protocol.EventLeftRoom, protocol.EventKicked:
		c.roomCode = ""
		c.room = nil
		c.isHost = false
		c.phase = ""
	default:
		// Any payload carrying a room snapshot refreshes the local mirror.
		var ev struct {
			Room *protocol.RoomView `json:"room"`
		}
		if json.Unmarshal(msg.Payload, &ev) == nil && ev.Room != nil {
			c.applyRoomLocked(*ev.Room)
		}
	}
	c.mu.Unlock()

	c.emit(msg.Name, msg.Payload)
}

func (c *Client) applyRoomLocked(view protocol.RoomView) {
	c.room = &view
	c.roomCode = view.Code
	c.isHost = view.HostID == c.connID
	c.phase = view.Phase
}

func (c *Client) emit(event string, payload json.RawMessage) {
	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

// send marshals and writes a command. Returns false (and logs) when the
// client is not connected.
func (c *Client) send(name string, payload any) bool {
	msg, err := protocol.NewMessage(name, payload)
	if err != nil {
		c.log.Error().Err(err).Str("command", name).Msg("marshal failed")
		return false
	}

	c.mu.Lock()
	conn := c.conn
	if !c.connected || conn == nil {
		c.mu.Unlock()
		c.log.Debug().Str("command", name).Msg("not connected, dropping command")
		return false
	}
	err = conn.WriteJSON(msg)
	c.mu.Unlock()

	if err != nil {
		c.log.Debug().Err(err).Str("command", name).Msg("write failed")
		return false
	}
	return true
}

// inRoom and hostOnly are the local precondition checks: failing them makes
// the command a silent no-op instead of a guaranteed server rejection.
func (c *Client) inRoom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.roomCode != ""
}

func (c *Client) hostOnly(command string) bool {
	c.mu.Lock()
	ok := c.connected && c.roomCode != "" && c.isHost
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("command", command).Msg("not host or not in a room, ignoring")
	}
	return ok
}

func (c *Client) CreateRoom(playerName, gameMode string) {
	c.send(protocol.CmdCreateRoom, protocol.CreateRoomRequest{PlayerName: playerName, GameMode: gameMode})
}

func (c *Client) JoinRoom(playerName, roomCode string) {
	c.send(protocol.CmdJoinRoom, protocol.JoinRoomRequest{PlayerName: playerName, RoomCode: roomCode})
}

func (c *Client) LeaveRoom() {
	if !c.inRoom() {
		return
	}
	c.send(protocol.CmdLeaveRoom, nil)
}

func (c *Client) SetReady(ready bool) {
	if !c.inRoom() {
		return
	}
	c.send(protocol.CmdSetReady, protocol.SetReadyRequest{Ready: ready})
}

func (c *Client) SelectChallenge(challenge json.RawMessage) {
	if !c.hostOnly(protocol.CmdSelectChallenge) {
		return
	}
	c.send(protocol.CmdSelectChallenge, protocol.SelectChallengeRequest{Challenge: challenge})
}

func (c *Client) StartGame() {
	if !c.hostOnly(protocol.CmdStartGame) {
		return
	}
	c.send(protocol.CmdStartGame, nil)
}

func (c *Client) UpdateScore(update protocol.ScoreUpdate) {
	if !c.inRoom() {
		return
	}
	c.send(protocol.CmdUpdateScore, update)
}

func (c *Client) Finish(finalScore protocol.ScoreUpdate) {
	if !c.inRoom() {
		return
	}
	c.send(protocol.CmdFinish, protocol.FinishRequest{FinalScore: finalScore})
}

func (c *Client) ForceResults() {
	if !c.hostOnly(protocol.CmdForceResults) {
		return
	}
	c.send(protocol.CmdForceResults, nil)
}

func (c *Client) ReturnToLobby() {
	if !c.hostOnly(protocol.CmdReturnToLobby) {
		return
	}
	c.send(protocol.CmdReturnToLobby, nil)
}

func (c *Client) KickPlayer(targetConnectionID string) {
	if !c.hostOnly(protocol.CmdKickPlayer) {
		return
	}
	c.send(protocol.CmdKickPlayer, protocol.KickPlayerRequest{TargetConnectionID: targetConnectionID})
}

func (c *Client) SendChat(message string) {
	if !c.inRoom() {
		return
	}
	c.send(protocol.CmdChat, protocol.ChatRequest{Message: message})
}

// scorePump pushes the local score on a fixed cadence while the room is
// playing, independent of the explicit finish.
func (c *Client) scorePump() {
	if c.opts.ScoreSource == nil {
		return
	}
	ticker := time.NewTicker(c.opts.ScorePushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		playing := c.connected && c.phase == "playing"
		last := c.lastPush
		c.mu.Unlock()
		if !playing {
			continue
		}

		current := c.opts.ScoreSource()
		update := protocol.Delta(last, current)
		if update.IsZero() {
			continue
		}
		if c.send(protocol.CmdUpdateScore, update) {
			c.mu.Lock()
			c.lastPush = current
			c.mu.Unlock()
		}
	}
}

// Accessors for the locally mirrored session state.

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Client) RoomCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode
}

func (c *Client) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHost
}

// Room returns a copy of the last room snapshot, or nil before any.
func (c *Client) Room() *protocol.RoomView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return nil
	}
	view := *c.room
	return &view
}
