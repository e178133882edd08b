package game

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Timmmy307/Aurora-rider/internal/metrics"
	"github.com/Timmmy307/Aurora-rider/internal/protocol"
)

// fakeConn is a channel-backed Conn so coordinator tests run without a
// network.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) Write(data []byte) error {
	select {
	case f.out <- data:
	default:
	}
	return nil
}

func (f *fakeConn) Ping() error  { return nil }
func (f *fakeConn) Close(string) { f.once.Do(func() { close(f.closed) }) }
func (f *fakeConn) disconnect()  { f.Close("") }

// command injects a client command into the read loop.
func (f *fakeConn) command(t *testing.T, name string, payload any) {
	t.Helper()
	msg, err := protocol.NewMessage(name, payload)
	require.NoError(t, err)
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	select {
	case f.in <- data:
	case <-time.After(time.Second):
		t.Fatal("command not accepted")
	}
}

// next returns the next event the server wrote, whatever it is.
func (f *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case data := <-f.out:
		var msg protocol.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.Message{}
	}
}

// waitFor skips events until one with the given name arrives.
func (f *fakeConn) waitFor(t *testing.T, name string) protocol.Message {
	t.Helper()
	for {
		msg := f.next(t)
		if msg.Name == name {
			return msg
		}
	}
}

// assertSilent fails if any event arrives within the window.
func (f *fakeConn) assertSilent(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case data := <-f.out:
		var msg protocol.Message
		json.Unmarshal(data, &msg)
		t.Fatalf("expected no event, got %q", msg.Name)
	case <-time.After(window):
	}
}

func decodeEvent[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	var ev T
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	return ev
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	opts := DefaultOptions()
	opts.TickInterval = 5 * time.Millisecond
	opts.RevealDelay = 20 * time.Millisecond
	opts.CommandRate = 10000
	opts.CommandBurst = 10000
	m := metrics.New(prometheus.NewRegistry())
	return NewCoordinator(NewRegistry(), opts, zerolog.Nop(), m)
}

// connect attaches a fake connection and returns it with its assigned id.
func connect(t *testing.T, c *Coordinator) (*fakeConn, string) {
	t.Helper()
	conn := newFakeConn()
	go c.HandleConnection(conn)
	welcome := conn.waitFor(t, protocol.EventConnected)
	ev := decodeEvent[protocol.ConnectedEvent](t, welcome)
	require.NotEmpty(t, ev.ConnectionID)
	return conn, ev.ConnectionID
}

// createRoom is the host-side shorthand used by most scenarios.
func createRoom(t *testing.T, conn *fakeConn, name, mode string) protocol.RoomEvent {
	t.Helper()
	conn.command(t, protocol.CmdCreateRoom, protocol.CreateRoomRequest{PlayerName: name, GameMode: mode})
	return decodeEvent[protocol.RoomEvent](t, conn.waitFor(t, protocol.EventRoomCreated))
}

func joinRoom(t *testing.T, conn *fakeConn, name, code string) protocol.RoomEvent {
	t.Helper()
	conn.command(t, protocol.CmdJoinRoom, protocol.JoinRoomRequest{PlayerName: name, RoomCode: code})
	return decodeEvent[protocol.RoomEvent](t, conn.waitFor(t, protocol.EventRoomJoined))
}

func startRound(t *testing.T, host *fakeConn) {
	t.Helper()
	host.command(t, protocol.CmdSelectChallenge, protocol.SelectChallengeRequest{Challenge: []byte(`{"id":"song-1"}`)})
	host.waitFor(t, protocol.EventChallengeSelected)
	host.command(t, protocol.CmdStartGame, nil)
	host.waitFor(t, protocol.EventGameStarted)
}

func TestCoordinator_CreateRoom(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, hostID := connect(t, c)

	created := createRoom(t, host, "alice", protocol.ModeClassic)

	assert.Len(t, created.RoomCode, 6)
	assert.Equal(t, created.RoomCode, created.Room.Code)
	assert.Equal(t, "lobby", created.Room.Phase)
	assert.Equal(t, hostID, created.Room.HostID)
	require.Len(t, created.Room.Players, 1)
	assert.True(t, created.Room.Players[0].IsHost)
	assert.Equal(t, "alice", created.Room.Players[0].Name)
	assert.Equal(t, 1, c.Registry().Count())
}

func TestCoordinator_CreateRoomValidation(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	conn, _ := connect(t, c)

	testCases := []struct {
		desc string
		req  protocol.CreateRoomRequest
	}{
		{"missing name", protocol.CreateRoomRequest{GameMode: protocol.ModeClassic}},
		{"missing mode", protocol.CreateRoomRequest{PlayerName: "alice"}},
		{"unknown mode", protocol.CreateRoomRequest{PlayerName: "alice", GameMode: "turbo"}},
	}
	for _, tc := range testCases {
		conn.command(t, protocol.CmdCreateRoom, tc.req)
		ev := decodeEvent[protocol.ErrorEvent](t, conn.waitFor(t, protocol.EventError))
		assert.Equal(t, CodeValidation, ev.Code, tc.desc)
	}
	assert.Equal(t, 0, c.Registry().Count())
}

func TestCoordinator_JoinRoomBothSeePlayerJoined(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)

	guest, guestID := connect(t, c)
	joined := joinRoom(t, guest, "bob", created.RoomCode)
	assert.Equal(t, "lobby", joined.Room.Phase)
	assert.Equal(t, 2, joined.Room.PlayerCount)

	for _, conn := range []*fakeConn{host, guest} {
		ev := decodeEvent[protocol.PlayerJoinedEvent](t, conn.waitFor(t, protocol.EventPlayerJoined))
		assert.Equal(t, guestID, ev.Player.ID)
		assert.Equal(t, 2, ev.Room.PlayerCount)
	}
}

func TestCoordinator_JoinRoomCaseInsensitiveCode(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)

	guest, _ := connect(t, c)
	joined := joinRoom(t, guest, "bob", strings.ToLower(created.RoomCode))
	assert.Equal(t, created.RoomCode, joined.RoomCode)
}

func TestCoordinator_JoinUnknownRoom(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	conn, _ := connect(t, c)

	conn.command(t, protocol.CmdJoinRoom, protocol.JoinRoomRequest{PlayerName: "bob", RoomCode: "ZZZZZZ"})
	ev := decodeEvent[protocol.ErrorEvent](t, conn.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeNotFound, ev.Code)
}

func TestCoordinator_JoinFullRoom(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)

	for i := 0; i < 4; i++ {
		guest, _ := connect(t, c)
		joinRoom(t, guest, "guest", created.RoomCode)
	}

	late, _ := connect(t, c)
	late.command(t, protocol.CmdJoinRoom, protocol.JoinRoomRequest{PlayerName: "late", RoomCode: created.RoomCode})
	ev := decodeEvent[protocol.ErrorEvent](t, late.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeRoomFull, ev.Code)
}

func TestCoordinator_JoinInProgressGame(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	startRound(t, host)

	late, _ := connect(t, c)
	late.command(t, protocol.CmdJoinRoom, protocol.JoinRoomRequest{PlayerName: "late", RoomCode: created.RoomCode})
	ev := decodeEvent[protocol.ErrorEvent](t, late.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeInvalidPhase, ev.Code)
}

func TestCoordinator_ReadyAndAllReady(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)

	// A lone ready player never triggers all-ready.
	host.command(t, protocol.CmdSetReady, protocol.SetReadyRequest{Ready: true})
	ready := decodeEvent[protocol.PlayerReadyEvent](t, host.waitFor(t, protocol.EventPlayerReady))
	assert.True(t, ready.Ready)
	host.assertSilent(t, 50*time.Millisecond)

	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	guest.command(t, protocol.CmdSetReady, protocol.SetReadyRequest{Ready: true})

	allReady := decodeEvent[protocol.AllReadyEvent](t, host.waitFor(t, protocol.EventAllReady))
	assert.Equal(t, 2, allReady.Room.PlayerCount)
	guest.waitFor(t, protocol.EventAllReady)
}

func TestCoordinator_SelectChallengeResetsReady(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)

	guest.command(t, protocol.CmdSetReady, protocol.SetReadyRequest{Ready: true})
	guest.waitFor(t, protocol.EventPlayerReady)

	host.command(t, protocol.CmdSelectChallenge, protocol.SelectChallengeRequest{Challenge: []byte(`{"id":"song-1"}`)})
	ev := decodeEvent[protocol.ChallengeSelectedEvent](t, guest.waitFor(t, protocol.EventChallengeSelected))

	assert.JSONEq(t, `{"id":"song-1"}`, string(ev.Challenge))
	assert.Equal(t, "selecting", ev.Room.Phase)
	for _, p := range ev.Room.Players {
		assert.False(t, p.Ready, "select-challenge resets ready flags")
	}
}

func TestCoordinator_SelectChallengeNonHost(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	host.waitFor(t, protocol.EventPlayerJoined)

	guest.command(t, protocol.CmdSelectChallenge, protocol.SelectChallengeRequest{Challenge: []byte(`{"id":"x"}`)})
	ev := decodeEvent[protocol.ErrorEvent](t, guest.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeForbidden, ev.Code)
	host.assertSilent(t, 50*time.Millisecond)
}

// Scenario: select then start walks Lobby -> Selecting -> Countdown ->
// Playing with five ticks 4,3,2,1,0 in between.
func TestCoordinator_StartGameCountdownSequence(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModePunch)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)

	host.command(t, protocol.CmdSelectChallenge, protocol.SelectChallengeRequest{Challenge: []byte(`{"id":"song-1"}`)})
	host.waitFor(t, protocol.EventChallengeSelected)

	host.command(t, protocol.CmdStartGame, nil)

	for _, conn := range []*fakeConn{host, guest} {
		starting := decodeEvent[protocol.GameStartingEvent](t, conn.waitFor(t, protocol.EventGameStarting))
		assert.Equal(t, 5, starting.Countdown)
		assert.Equal(t, protocol.ModePunch, starting.GameMode)
		assert.Equal(t, "countdown", starting.Room.Phase)

		for want := 4; want >= 0; want-- {
			tick := decodeEvent[protocol.CountdownTickEvent](t, conn.waitFor(t, protocol.EventCountdownTick))
			assert.Equal(t, want, tick.Count)
		}

		started := decodeEvent[protocol.GameStartedEvent](t, conn.waitFor(t, protocol.EventGameStarted))
		assert.Equal(t, "playing", started.Room.Phase)
		for _, p := range started.Room.Players {
			assert.Equal(t, 0, p.Score.Score, "scores reset on start")
			assert.False(t, p.Finished)
		}
	}
}

func TestCoordinator_StartGameWithoutChallenge(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	createRoom(t, host, "alice", protocol.ModeClassic)

	host.command(t, protocol.CmdStartGame, nil)
	ev := decodeEvent[protocol.ErrorEvent](t, host.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeInvalidPhase, ev.Code)
}

// Scenario F: a non-host start-game is rejected to the sender only and
// nothing reaches the room.
func TestCoordinator_StartGameNonHost(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	host.waitFor(t, protocol.EventPlayerJoined)

	guest.command(t, protocol.CmdStartGame, nil)
	ev := decodeEvent[protocol.ErrorEvent](t, guest.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeForbidden, ev.Code)
	host.assertSilent(t, 50*time.Millisecond)
}

func TestCoordinator_UpdateScoreOnlyWhilePlaying(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	createRoom(t, host, "alice", protocol.ModeClassic)

	host.command(t, protocol.CmdUpdateScore, protocol.ScoreUpdate{Score: intPtr(100)})
	ev := decodeEvent[protocol.ErrorEvent](t, host.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeInvalidPhase, ev.Code)
}

func TestCoordinator_ScoreUpdateBroadcastsLeaderboard(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, hostID := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	startRound(t, host)

	host.command(t, protocol.CmdUpdateScore, protocol.ScoreUpdate{Score: intPtr(250), Combo: intPtr(7)})

	for _, conn := range []*fakeConn{host, guest} {
		ev := decodeEvent[protocol.ScoreUpdateEvent](t, conn.waitFor(t, protocol.EventScoreUpdate))
		assert.Equal(t, hostID, ev.PlayerID)
		assert.Equal(t, 250, ev.Score.Score)
		assert.Equal(t, 7, ev.Score.Combo)
		require.NotEmpty(t, ev.Leaderboard)
		assert.Equal(t, hostID, ev.Leaderboard[0].PlayerID)
	}
}

// Scenario D: the finish barrier. Both players finishing releases results
// after the reveal delay, sorted by score descending.
func TestCoordinator_FinishBarrier(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, hostID := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, guestID := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	startRound(t, host)

	host.command(t, protocol.CmdFinish, protocol.FinishRequest{FinalScore: protocol.ScoreUpdate{Score: intPtr(100)}})
	for _, conn := range []*fakeConn{host, guest} {
		ev := decodeEvent[protocol.PlayerFinishedEvent](t, conn.waitFor(t, protocol.EventPlayerFinished))
		assert.Equal(t, hostID, ev.PlayerID)
		assert.Equal(t, 1, ev.PlayersFinished)
		assert.Equal(t, 2, ev.TotalPlayers)
	}

	guest.command(t, protocol.CmdFinish, protocol.FinishRequest{FinalScore: protocol.ScoreUpdate{Score: intPtr(80)}})
	for _, conn := range []*fakeConn{host, guest} {
		ev := decodeEvent[protocol.PlayerFinishedEvent](t, conn.waitFor(t, protocol.EventPlayerFinished))
		assert.Equal(t, 2, ev.PlayersFinished)
		assert.Equal(t, 2, ev.TotalPlayers)
	}

	for _, conn := range []*fakeConn{host, guest} {
		results := decodeEvent[protocol.GameResultsEvent](t, conn.waitFor(t, protocol.EventGameResults))
		require.Len(t, results.Leaderboard, 2)
		assert.Equal(t, hostID, results.Leaderboard[0].PlayerID)
		assert.Equal(t, 100, results.Leaderboard[0].Score)
		assert.Equal(t, guestID, results.Leaderboard[1].PlayerID)
		assert.Equal(t, 80, results.Leaderboard[1].Score)
		assert.Equal(t, "results", results.Room.Phase)
	}
}

func TestCoordinator_FirstFinishMovesRoomToWaiting(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	startRound(t, host)

	host.command(t, protocol.CmdFinish, protocol.FinishRequest{FinalScore: protocol.ScoreUpdate{Score: intPtr(50)}})
	host.waitFor(t, protocol.EventPlayerFinished)

	room, ok := c.Registry().Get(created.RoomCode)
	require.True(t, ok)
	room.mu.Lock()
	phase := room.phase
	room.mu.Unlock()
	assert.Equal(t, PhaseWaiting, phase)
}

// Scenario E: force-results skips the barrier and the reveal delay.
func TestCoordinator_ForceResults(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, hostID := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, guestID := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	startRound(t, host)

	host.command(t, protocol.CmdFinish, protocol.FinishRequest{FinalScore: protocol.ScoreUpdate{Score: intPtr(100)}})
	host.waitFor(t, protocol.EventPlayerFinished)

	host.command(t, protocol.CmdForceResults, nil)

	for _, conn := range []*fakeConn{host, guest} {
		results := decodeEvent[protocol.GameResultsEvent](t, conn.waitFor(t, protocol.EventGameResults))
		require.Len(t, results.Leaderboard, 2)
		assert.Equal(t, hostID, results.Leaderboard[0].PlayerID)
		assert.Equal(t, 100, results.Leaderboard[0].Score)
		assert.Equal(t, guestID, results.Leaderboard[1].PlayerID)
		assert.Equal(t, 0, results.Leaderboard[1].Score, "missing player keeps zero score")
	}
}

func TestCoordinator_ForceResultsNonHost(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	startRound(t, host)

	guest.command(t, protocol.CmdForceResults, nil)
	ev := decodeEvent[protocol.ErrorEvent](t, guest.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeForbidden, ev.Code)
}

func TestCoordinator_LateFinishAfterForceResultsIsTolerated(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, guestID := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	startRound(t, host)

	host.command(t, protocol.CmdForceResults, nil)
	host.waitFor(t, protocol.EventGameResults)
	guest.waitFor(t, protocol.EventGameResults)

	// The straggler's finish still lands: merged score, tally broadcast,
	// no second results reveal.
	guest.command(t, protocol.CmdFinish, protocol.FinishRequest{FinalScore: protocol.ScoreUpdate{Score: intPtr(60)}})
	ev := decodeEvent[protocol.PlayerFinishedEvent](t, host.waitFor(t, protocol.EventPlayerFinished))
	assert.Equal(t, guestID, ev.PlayerID)
	assert.Equal(t, 60, ev.Score.Score)
	host.assertSilent(t, 60*time.Millisecond)
}

func TestCoordinator_ReturnToLobby(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	startRound(t, host)

	host.command(t, protocol.CmdForceResults, nil)
	host.waitFor(t, protocol.EventGameResults)

	host.command(t, protocol.CmdReturnToLobby, nil)
	for _, conn := range []*fakeConn{host, guest} {
		ev := decodeEvent[protocol.ReturnedToLobbyEvent](t, conn.waitFor(t, protocol.EventReturnedToLobby))
		assert.Equal(t, "lobby", ev.Room.Phase)
		assert.Empty(t, ev.Room.SelectedChallenge)
		for _, p := range ev.Room.Players {
			assert.False(t, p.Ready)
			assert.False(t, p.Finished)
		}
	}
}

func TestCoordinator_HostLeavePromotesEarliestJoined(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, hostID := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	second, secondID := connect(t, c)
	joinRoom(t, second, "bob", created.RoomCode)
	third, _ := connect(t, c)
	joinRoom(t, third, "carol", created.RoomCode)

	host.command(t, protocol.CmdLeaveRoom, nil)
	host.waitFor(t, protocol.EventLeftRoom)

	left := decodeEvent[protocol.PlayerLeftEvent](t, second.waitFor(t, protocol.EventPlayerLeft))
	assert.Equal(t, hostID, left.PlayerID)
	assert.Equal(t, secondID, left.Room.HostID, "earliest-joined remaining player is host")
	assert.Equal(t, "bob", left.Room.HostName)
}

func TestCoordinator_LeaveRoomTwiceIsIdempotent(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)

	guest.command(t, protocol.CmdLeaveRoom, nil)
	guest.waitFor(t, protocol.EventLeftRoom)
	guest.command(t, protocol.CmdLeaveRoom, nil)
	ack := guest.waitFor(t, protocol.EventLeftRoom)
	assert.Equal(t, protocol.EventLeftRoom, ack.Name)

	// The room saw exactly one player-left.
	host.waitFor(t, protocol.EventPlayerLeft)
	host.assertSilent(t, 50*time.Millisecond)
}

func TestCoordinator_LastLeaverDestroysRoom(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)

	host.command(t, protocol.CmdLeaveRoom, nil)
	host.waitFor(t, protocol.EventLeftRoom)

	_, ok := c.Registry().Get(created.RoomCode)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Registry().Count())
}

func TestCoordinator_DisconnectActsAsLeave(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, guestID := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	host.waitFor(t, protocol.EventPlayerJoined)

	guest.disconnect()

	left := decodeEvent[protocol.PlayerLeftEvent](t, host.waitFor(t, protocol.EventPlayerLeft))
	assert.Equal(t, guestID, left.PlayerID)
	assert.Equal(t, 1, left.Room.PlayerCount)
}

func TestCoordinator_CountdownCancelledWhenRoomEmpties(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)

	host.command(t, protocol.CmdSelectChallenge, protocol.SelectChallengeRequest{Challenge: []byte(`{"id":"song-1"}`)})
	host.waitFor(t, protocol.EventChallengeSelected)
	host.command(t, protocol.CmdStartGame, nil)
	host.waitFor(t, protocol.EventGameStarting)

	host.command(t, protocol.CmdLeaveRoom, nil)
	host.waitFor(t, protocol.EventLeftRoom)

	_, ok := c.Registry().Get(created.RoomCode)
	assert.False(t, ok)

	// Ticks buffered before the leave are fine. The round must not start.
	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case data := <-host.out:
			var msg protocol.Message
			require.NoError(t, json.Unmarshal(data, &msg))
			assert.NotEqual(t, protocol.EventGameStarted, msg.Name)
		default:
			return
		}
	}
}

func TestCoordinator_KickPlayer(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, guestID := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	host.waitFor(t, protocol.EventPlayerJoined)
	guest.waitFor(t, protocol.EventPlayerJoined)

	host.command(t, protocol.CmdKickPlayer, protocol.KickPlayerRequest{TargetConnectionID: guestID})

	kicked := decodeEvent[protocol.KickedEvent](t, guest.waitFor(t, protocol.EventKicked))
	assert.NotEmpty(t, kicked.Reason)

	left := decodeEvent[protocol.PlayerLeftEvent](t, host.waitFor(t, protocol.EventPlayerLeft))
	assert.Equal(t, guestID, left.PlayerID)
	assert.Equal(t, 1, left.Room.PlayerCount)

	// The kicked connection is no longer a member; its commands bounce.
	guest.command(t, protocol.CmdSetReady, protocol.SetReadyRequest{Ready: true})
	ev := decodeEvent[protocol.ErrorEvent](t, guest.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeForbidden, ev.Code)
}

func TestCoordinator_KickGuards(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, hostID := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, _ := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)
	host.waitFor(t, protocol.EventPlayerJoined)

	// Non-host cannot kick.
	guest.command(t, protocol.CmdKickPlayer, protocol.KickPlayerRequest{TargetConnectionID: hostID})
	ev := decodeEvent[protocol.ErrorEvent](t, guest.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeForbidden, ev.Code)

	// Host cannot kick itself.
	host.command(t, protocol.CmdKickPlayer, protocol.KickPlayerRequest{TargetConnectionID: hostID})
	ev = decodeEvent[protocol.ErrorEvent](t, host.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeValidation, ev.Code)

	// Unknown target.
	host.command(t, protocol.CmdKickPlayer, protocol.KickPlayerRequest{TargetConnectionID: "nope"})
	ev = decodeEvent[protocol.ErrorEvent](t, host.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeNotFound, ev.Code)
}

func TestCoordinator_ChatBroadcast(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	host, _ := connect(t, c)
	created := createRoom(t, host, "alice", protocol.ModeClassic)
	guest, guestID := connect(t, c)
	joinRoom(t, guest, "bob", created.RoomCode)

	guest.command(t, protocol.CmdChat, protocol.ChatRequest{Message: "glhf"})

	for _, conn := range []*fakeConn{host, guest} {
		ev := decodeEvent[protocol.ChatMessageEvent](t, conn.waitFor(t, protocol.EventChatMessage))
		assert.Equal(t, guestID, ev.PlayerID)
		assert.Equal(t, "bob", ev.PlayerName)
		assert.Equal(t, "glhf", ev.Message)
		assert.NotZero(t, ev.Timestamp)
	}
}

func TestCoordinator_CommandsFromOutsideARoom(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	conn, _ := connect(t, c)

	for _, cmd := range []string{
		protocol.CmdSetReady,
		protocol.CmdSelectChallenge,
		protocol.CmdStartGame,
		protocol.CmdForceResults,
		protocol.CmdReturnToLobby,
	} {
		var payload any
		switch cmd {
		case protocol.CmdSetReady:
			payload = protocol.SetReadyRequest{Ready: true}
		case protocol.CmdSelectChallenge:
			payload = protocol.SelectChallengeRequest{Challenge: []byte(`{"id":"x"}`)}
		}
		conn.command(t, cmd, payload)
		ev := decodeEvent[protocol.ErrorEvent](t, conn.waitFor(t, protocol.EventError))
		assert.Equal(t, CodeForbidden, ev.Code, cmd)
	}
}

func TestCoordinator_UnknownCommand(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	conn, _ := connect(t, c)

	conn.command(t, "warp-speed", nil)
	ev := decodeEvent[protocol.ErrorEvent](t, conn.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeValidation, ev.Code)
}

func TestCoordinator_MalformedMessage(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t)
	conn, _ := connect(t, c)

	conn.in <- []byte("{not json")
	ev := decodeEvent[protocol.ErrorEvent](t, conn.waitFor(t, protocol.EventError))
	assert.Equal(t, CodeValidation, ev.Code)
}
