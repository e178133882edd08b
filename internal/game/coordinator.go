package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Timmmy307/Aurora-rider/internal/metrics"
	"github.com/Timmmy307/Aurora-rider/internal/protocol"
)

// Options holds the coordinator's tunables. Tests shrink the timer values so
// countdown scenarios run in milliseconds.
type Options struct {
	MaxPlayers     int
	CountdownTicks int
	TickInterval   time.Duration
	RevealDelay    time.Duration
	CommandRate    rate.Limit
	CommandBurst   int
}

func DefaultOptions() Options {
	return Options{
		MaxPlayers:     5,
		CountdownTicks: 5,
		TickInterval:   time.Second,
		RevealDelay:    1500 * time.Millisecond,
		CommandRate:    20,
		CommandBurst:   40,
	}
}

// Coordinator applies client commands to rooms and fans the resulting events
// back out. Each command runs on its connection's read goroutine and takes
// the target room's lock for its whole mutate-then-broadcast span, so rooms
// serialize commands while distinct rooms proceed in parallel.
type Coordinator struct {
	registry *Registry
	opts     Options
	log      zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewCoordinator(registry *Registry, opts Options, log zerolog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		registry: registry,
		opts:     opts,
		log:      log,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// SessionCount returns the number of open connections.
func (c *Coordinator) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Registry exposes the room registry for the read-only HTTP surface.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// HandleConnection owns conn until it closes: it assigns the connection id,
// runs the read loop, and folds a transport disconnect into the normal leave
// path. It blocks, so callers run it on its own goroutine.
func (c *Coordinator) HandleConnection(conn Conn) {
	limiter := rate.NewLimiter(c.opts.CommandRate, c.opts.CommandBurst)
	s := newSession(uuid.NewString(), conn, limiter, c.log)

	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	c.metrics.PlayersConnected.Inc()
	s.log.Info().Msg("player connected")

	go s.writePump()
	c.sendTo(s, protocol.EventConnected, protocol.ConnectedEvent{ConnectionID: s.id})

	for {
		data, err := conn.Read()
		if err != nil {
			break
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(s, errValidation("Invalid message format"))
			continue
		}
		c.dispatch(s, msg)
	}

	// Disconnect is not an error: it synthesizes a leave.
	c.removeFromRoom(s, false)

	c.mu.Lock()
	delete(c.sessions, s.id)
	c.mu.Unlock()
	c.metrics.PlayersConnected.Dec()

	s.close()
	conn.Close("")
	s.log.Info().Msg("player disconnected")
}

func (c *Coordinator) dispatch(s *Session, msg protocol.Message) {
	if !s.limiter.Allow() {
		s.log.Debug().Str("command", msg.Name).Msg("rate limited, dropping command")
		return
	}
	c.metrics.CommandsTotal.WithLabelValues(msg.Name).Inc()

	var err error
	switch msg.Name {
	case protocol.CmdCreateRoom:
		err = c.handleCreateRoom(s, msg.Payload)
	case protocol.CmdJoinRoom:
		err = c.handleJoinRoom(s, msg.Payload)
	case protocol.CmdLeaveRoom:
		c.removeFromRoom(s, true)
	case protocol.CmdSetReady:
		err = c.handleSetReady(s, msg.Payload)
	case protocol.CmdSelectChallenge:
		err = c.handleSelectChallenge(s, msg.Payload)
	case protocol.CmdStartGame:
		err = c.handleStartGame(s)
	case protocol.CmdUpdateScore:
		err = c.handleUpdateScore(s, msg.Payload)
	case protocol.CmdFinish:
		err = c.handleFinish(s, msg.Payload)
	case protocol.CmdForceResults:
		err = c.handleForceResults(s)
	case protocol.CmdReturnToLobby:
		err = c.handleReturnToLobby(s)
	case protocol.CmdKickPlayer:
		err = c.handleKickPlayer(s, msg.Payload)
	case protocol.CmdChat:
		err = c.handleChat(s, msg.Payload)
	default:
		err = errValidation("Unknown command: " + msg.Name)
	}

	if err != nil {
		var cerr *CommandError
		if !errors.As(err, &cerr) {
			cerr = errValidation(err.Error())
		}
		c.sendError(s, cerr)
	}
}

func (c *Coordinator) handleCreateRoom(s *Session, payload json.RawMessage) error {
	var req protocol.CreateRoomRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errValidation("Invalid create-room payload")
	}
	if req.PlayerName == "" || req.GameMode == "" {
		return errValidation("Player name and game mode are required")
	}
	if req.GameMode != protocol.ModeClassic && req.GameMode != protocol.ModePunch {
		return errValidation(`Invalid game mode. Choose "classic" or "punch"`)
	}
	if s.room() != "" {
		return errValidation("Already in a room")
	}

	room := c.registry.Create(s.id, req.PlayerName, req.GameMode, c.opts.MaxPlayers)
	c.metrics.RoomsActive.Set(float64(c.registry.Count()))
	s.bindRoom(room.Code(), req.PlayerName)

	room.mu.Lock()
	view := room.Snapshot()
	room.mu.Unlock()

	s.log.Info().Str("room", room.Code()).Str("mode", req.GameMode).Msg("room created")
	c.sendTo(s, protocol.EventRoomCreated, protocol.RoomEvent{RoomCode: room.Code(), Room: view})
	return nil
}

func (c *Coordinator) handleJoinRoom(s *Session, payload json.RawMessage) error {
	var req protocol.JoinRoomRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errValidation("Invalid join-room payload")
	}
	if req.PlayerName == "" || req.RoomCode == "" {
		return errValidation("Player name and room code are required")
	}
	if s.room() != "" {
		return errValidation("Already in a room")
	}

	room, ok := c.registry.Get(req.RoomCode)
	if !ok {
		return errNotFound("Room not found")
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed {
		return errNotFound("Room not found")
	}
	if room.phase != PhaseLobby && room.phase != PhaseSelecting {
		return errInvalidPhase("Game already in progress")
	}
	if err := room.AddPlayer(s.id, req.PlayerName); err != nil {
		return errRoomFull()
	}
	s.bindRoom(room.Code(), req.PlayerName)

	view := room.Snapshot()
	player, _ := room.Player(s.id)
	s.log.Info().Str("room", room.Code()).Msg("player joined room")

	c.sendTo(s, protocol.EventRoomJoined, protocol.RoomEvent{RoomCode: room.Code(), Room: view})
	c.broadcast(room, protocol.EventPlayerJoined, protocol.PlayerJoinedEvent{
		Player: protocol.PlayerView{ID: player.ID, Name: player.Name, Score: player.Score},
		Room:   view,
	})
	return nil
}

// removeFromRoom is the shared leave path for explicit leave-room commands
// (ack=true) and transport disconnects. Leaving while not in a room is a
// no-op, which makes a duplicated leave-room harmless.
func (c *Coordinator) removeFromRoom(s *Session, ack bool) {
	code := s.room()
	if code == "" {
		if ack {
			c.sendTo(s, protocol.EventLeftRoom, nil)
		}
		return
	}
	s.clearRoom()

	room, ok := c.registry.Get(code)
	if ok {
		room.mu.Lock()
		remaining := room.RemovePlayer(s.id)
		if remaining == 0 {
			room.mu.Unlock()
			c.registry.Delete(code)
			c.metrics.RoomsActive.Set(float64(c.registry.Count()))
			c.log.Info().Str("room", code).Str("player", s.playerName()).Msg("last player left, room deleted")
		} else {
			view := room.Snapshot()
			c.broadcast(room, protocol.EventPlayerLeft, protocol.PlayerLeftEvent{PlayerID: s.id, Room: view})
			room.mu.Unlock()
		}
	}

	if ack {
		c.sendTo(s, protocol.EventLeftRoom, nil)
	}
}

func (c *Coordinator) handleSetReady(s *Session, payload json.RawMessage) error {
	var req protocol.SetReadyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errValidation("Invalid set-ready payload")
	}
	room, _, err := c.lockMember(s)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	room.SetReady(s.id, req.Ready)
	view := room.Snapshot()
	c.broadcast(room, protocol.EventPlayerReady, protocol.PlayerReadyEvent{PlayerID: s.id, Ready: req.Ready, Room: view})
	if room.AllReady() {
		c.broadcast(room, protocol.EventAllReady, protocol.AllReadyEvent{Room: view})
	}
	return nil
}

func (c *Coordinator) handleSelectChallenge(s *Session, payload json.RawMessage) error {
	var req protocol.SelectChallengeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errValidation("Invalid select-challenge payload")
	}
	if len(req.Challenge) == 0 {
		return errValidation("Challenge is required")
	}
	room, _, err := c.lockHost(s)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	room.selectedChallenge = req.Challenge
	room.phase = PhaseSelecting
	for _, p := range room.players {
		p.Ready = false
	}
	c.broadcast(room, protocol.EventChallengeSelected, protocol.ChallengeSelectedEvent{
		Challenge: req.Challenge,
		Room:      room.Snapshot(),
	})
	return nil
}

func (c *Coordinator) handleStartGame(s *Session) error {
	room, _, err := c.lockHost(s)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if room.selectedChallenge == nil {
		return errInvalidPhase("Please select a song first")
	}
	if room.phase != PhaseLobby && room.phase != PhaseSelecting {
		return errInvalidPhase("Game already in progress")
	}

	room.ResetRound()
	room.phase = PhaseCountdown
	c.broadcast(room, protocol.EventGameStarting, protocol.GameStartingEvent{
		Countdown: c.opts.CountdownTicks,
		Challenge: room.selectedChallenge,
		GameMode:  room.gameMode,
		Room:      room.Snapshot(),
	})

	room.cancelTimer()
	ctx, cancel := context.WithCancel(context.Background())
	room.timerCancel = cancel
	go c.runCountdown(room, ctx)
	return nil
}

// runCountdown ticks the pre-round countdown down to zero, then flips the
// room into Playing. It stops silently if the room was emptied or the round
// was otherwise torn down in the meantime.
func (c *Coordinator) runCountdown(room *Room, ctx context.Context) {
	count := c.opts.CountdownTicks
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		room.mu.Lock()
		if room.closed || room.phase != PhaseCountdown {
			room.mu.Unlock()
			return
		}
		count--
		c.broadcast(room, protocol.EventCountdownTick, protocol.CountdownTickEvent{Count: count})
		if count <= 0 {
			room.phase = PhasePlaying
			room.timerCancel = nil
			c.broadcast(room, protocol.EventGameStarted, protocol.GameStartedEvent{Room: room.Snapshot()})
			room.mu.Unlock()
			return
		}
		room.mu.Unlock()
	}
}

func (c *Coordinator) handleUpdateScore(s *Session, payload json.RawMessage) error {
	var update protocol.ScoreUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return errValidation("Invalid update-score payload")
	}
	room, player, err := c.lockMember(s)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if room.phase != PhasePlaying {
		return errInvalidPhase("Scores can only be updated while playing")
	}
	update.ApplyTo(&player.Score)
	c.broadcast(room, protocol.EventScoreUpdate, protocol.ScoreUpdateEvent{
		PlayerID:    player.ID,
		PlayerName:  player.Name,
		Score:       player.Score,
		Leaderboard: room.Leaderboard(),
	})
	return nil
}

// handleFinish tolerates late and duplicate finishes: there is no phase
// guard, so a finish that arrives after force-results or a reconnect-induced
// replay merges the score and re-broadcasts the tally without disturbing an
// already reached Results phase.
func (c *Coordinator) handleFinish(s *Session, payload json.RawMessage) error {
	var req protocol.FinishRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errValidation("Invalid finish payload")
	}
	room, player, err := c.lockMember(s)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	req.FinalScore.ApplyTo(&player.Score)
	player.Finished = true

	finished := room.FinishedCount()
	total := len(room.players)
	c.log.Info().Str("room", room.code).Str("player", player.Name).
		Int("finished", finished).Int("total", total).Msg("player finished")

	c.broadcast(room, protocol.EventPlayerFinished, protocol.PlayerFinishedEvent{
		PlayerID:        player.ID,
		PlayerName:      player.Name,
		Score:           player.Score,
		PlayersFinished: finished,
		TotalPlayers:    total,
	})

	if finished >= total && room.phase != PhaseResults {
		room.phase = PhaseResults
		room.cancelTimer()
		ctx, cancel := context.WithCancel(context.Background())
		room.timerCancel = cancel
		go c.runReveal(room, ctx)
	} else if room.phase == PhasePlaying {
		room.phase = PhaseWaiting
	}
	return nil
}

// runReveal waits out the presentation delay between "everyone finished" and
// the results broadcast, so clients get a beat of waiting screen.
func (c *Coordinator) runReveal(room *Room, ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(c.opts.RevealDelay):
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed || room.phase != PhaseResults {
		return
	}
	room.timerCancel = nil
	c.broadcast(room, protocol.EventGameResults, protocol.GameResultsEvent{
		Leaderboard: room.Leaderboard(),
		Room:        room.Snapshot(),
	})
}

func (c *Coordinator) handleForceResults(s *Session) error {
	room, _, err := c.lockHost(s)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if room.phase != PhasePlaying && room.phase != PhaseWaiting {
		return errInvalidPhase("No round in progress")
	}
	room.cancelTimer()
	room.phase = PhaseResults
	c.broadcast(room, protocol.EventGameResults, protocol.GameResultsEvent{
		Leaderboard: room.Leaderboard(),
		Room:        room.Snapshot(),
	})
	return nil
}

func (c *Coordinator) handleReturnToLobby(s *Session) error {
	room, _, err := c.lockHost(s)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if room.phase != PhaseResults {
		return errInvalidPhase("Not at the results screen")
	}
	room.cancelTimer()
	room.ResetToLobby()
	c.broadcast(room, protocol.EventReturnedToLobby, protocol.ReturnedToLobbyEvent{Room: room.Snapshot()})
	return nil
}

func (c *Coordinator) handleKickPlayer(s *Session, payload json.RawMessage) error {
	var req protocol.KickPlayerRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errValidation("Invalid kick-player payload")
	}
	room, _, err := c.lockHost(s)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	if req.TargetConnectionID == s.id {
		return errValidation("Cannot kick yourself")
	}
	if _, ok := room.Player(req.TargetConnectionID); !ok {
		return errNotFound("Player not in room")
	}

	room.RemovePlayer(req.TargetConnectionID)
	view := room.Snapshot()

	c.mu.RLock()
	target := c.sessions[req.TargetConnectionID]
	c.mu.RUnlock()
	if target != nil {
		target.clearRoom()
		c.sendTo(target, protocol.EventKicked, protocol.KickedEvent{Reason: "Removed by the host"})
	}

	c.broadcast(room, protocol.EventPlayerLeft, protocol.PlayerLeftEvent{PlayerID: req.TargetConnectionID, Room: view})
	return nil
}

func (c *Coordinator) handleChat(s *Session, payload json.RawMessage) error {
	var req protocol.ChatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errValidation("Invalid chat payload")
	}
	if req.Message == "" {
		return errValidation("Message is required")
	}
	room, player, err := c.lockMember(s)
	if err != nil {
		return err
	}
	defer room.mu.Unlock()

	c.broadcast(room, protocol.EventChatMessage, protocol.ChatMessageEvent{
		PlayerID:   player.ID,
		PlayerName: player.Name,
		Message:    req.Message,
		Timestamp:  time.Now().UnixMilli(),
	})
	return nil
}

// lockMember resolves the sender's room, locks it and verifies membership.
// On success the room lock is held; the caller must unlock.
func (c *Coordinator) lockMember(s *Session) (*Room, *Player, *CommandError) {
	code := s.room()
	if code == "" {
		return nil, nil, errForbidden("You are not in a room")
	}
	room, ok := c.registry.Get(code)
	if !ok {
		return nil, nil, errNotFound("Room not found")
	}
	room.mu.Lock()
	if room.closed {
		room.mu.Unlock()
		return nil, nil, errNotFound("Room not found")
	}
	player, ok := room.Player(s.id)
	if !ok {
		room.mu.Unlock()
		return nil, nil, errForbidden("You are not a member of this room")
	}
	return room, player, nil
}

// lockHost is lockMember plus the host guard.
func (c *Coordinator) lockHost(s *Session) (*Room, *Player, *CommandError) {
	room, player, cerr := c.lockMember(s)
	if cerr != nil {
		return nil, nil, cerr
	}
	if room.hostID != s.id {
		room.mu.Unlock()
		return nil, nil, errForbidden("Only the host can do that")
	}
	return room, player, nil
}

// broadcast fans an event out to every connection bound to the room. Callers
// hold the room lock, so all recipients observe the same post-mutation view.
func (c *Coordinator) broadcast(room *Room, name string, payload any) {
	msg, err := protocol.NewMessage(name, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", name).Msg("marshal failed")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Str("event", name).Msg("marshal failed")
		return
	}

	c.mu.RLock()
	for _, p := range room.players {
		if target, ok := c.sessions[p.ID]; ok {
			target.enqueue(data)
		}
	}
	c.mu.RUnlock()
	c.metrics.BroadcastsTotal.Inc()
}

// sendTo delivers a targeted event to a single connection.
func (c *Coordinator) sendTo(s *Session, name string, payload any) {
	msg, err := protocol.NewMessage(name, payload)
	if err != nil {
		c.log.Error().Err(err).Str("event", name).Msg("marshal failed")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueue(data)
}

func (c *Coordinator) sendError(s *Session, cerr *CommandError) {
	c.metrics.CommandErrors.WithLabelValues(cerr.Code).Inc()
	c.sendTo(s, protocol.EventError, protocol.ErrorEvent{Code: cerr.Code, Message: cerr.Message})
}
