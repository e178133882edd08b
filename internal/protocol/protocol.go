// Package protocol defines the wire contract between the session coordinator
// and its clients: a JSON envelope of {name, payload}, the closed sets of
// command and event names, and the payload types for both directions.
package protocol

import "encoding/json"

// Message is the envelope for everything that crosses a connection,
// in either direction.
type Message struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into an envelope. Marshal errors are only
// possible for types outside this package, so they are returned to the caller.
func NewMessage(name string, payload any) (Message, error) {
	if payload == nil {
		return Message{Name: name}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Name: name, Payload: raw}, nil
}

// Client -> server commands.
const (
	CmdCreateRoom      = "create-room"
	CmdJoinRoom        = "join-room"
	CmdLeaveRoom       = "leave-room"
	CmdSetReady        = "set-ready"
	CmdSelectChallenge = "select-challenge"
	CmdStartGame       = "start-game"
	CmdUpdateScore     = "update-score"
	CmdFinish          = "finish"
	CmdForceResults    = "force-results"
	CmdReturnToLobby   = "return-to-lobby"
	CmdKickPlayer      = "kick-player"
	CmdChat            = "chat"
)

// Server -> client events. Most go to every connection bound to the room;
// EventConnected, EventRoomCreated, EventRoomJoined, EventLeftRoom,
// EventKicked and EventError are targeted at a single connection.
const (
	EventConnected         = "connected"
	EventRoomCreated       = "room-created"
	EventRoomJoined        = "room-joined"
	EventLeftRoom          = "left-room"
	EventPlayerJoined      = "player-joined"
	EventPlayerLeft        = "player-left"
	EventPlayerReady       = "player-ready"
	EventAllReady          = "all-ready"
	EventChallengeSelected = "challenge-selected"
	EventGameStarting      = "game-starting"
	EventCountdownTick     = "countdown-tick"
	EventGameStarted       = "game-started"
	EventScoreUpdate       = "score-update"
	EventPlayerFinished    = "player-finished"
	EventGameResults       = "game-results"
	EventReturnedToLobby   = "returned-to-lobby"
	EventChatMessage       = "chat-message"
	EventKicked            = "you-were-kicked"
	EventError             = "error"
)

// Game modes fixed at room creation.
const (
	ModeClassic = "classic"
	ModePunch   = "punch"
)

// Command payloads.

type CreateRoomRequest struct {
	PlayerName string `json:"playerName"`
	GameMode   string `json:"gameMode"`
}

type JoinRoomRequest struct {
	PlayerName string `json:"playerName"`
	RoomCode   string `json:"roomCode"`
}

type SetReadyRequest struct {
	Ready bool `json:"ready"`
}

// SelectChallengeRequest carries the challenge descriptor. The coordinator
// never interprets it; it is stored and echoed back verbatim.
type SelectChallengeRequest struct {
	Challenge json.RawMessage `json:"challenge"`
}

type FinishRequest struct {
	FinalScore ScoreUpdate `json:"finalScore"`
}

type KickPlayerRequest struct {
	TargetConnectionID string `json:"targetConnectionId"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

// Event payloads.

// ConnectedEvent is sent once, right after the transport handshake, so the
// client knows the id the server will key its roster entries by.
type ConnectedEvent struct {
	ConnectionID string `json:"connectionId"`
}

type RoomEvent struct {
	RoomCode string   `json:"roomCode"`
	Room     RoomView `json:"room"`
}

type PlayerJoinedEvent struct {
	Player PlayerView `json:"player"`
	Room   RoomView   `json:"room"`
}

type PlayerLeftEvent struct {
	PlayerID string   `json:"playerId"`
	Room     RoomView `json:"room"`
}

type PlayerReadyEvent struct {
	PlayerID string   `json:"playerId"`
	Ready    bool     `json:"ready"`
	Room     RoomView `json:"room"`
}

type AllReadyEvent struct {
	Room RoomView `json:"room"`
}

type ChallengeSelectedEvent struct {
	Challenge json.RawMessage `json:"challenge"`
	Room      RoomView        `json:"room"`
}

type GameStartingEvent struct {
	Countdown int             `json:"countdown"`
	Challenge json.RawMessage `json:"challenge"`
	GameMode  string          `json:"gameMode"`
	Room      RoomView        `json:"room"`
}

type CountdownTickEvent struct {
	Count int `json:"count"`
}

type GameStartedEvent struct {
	Room RoomView `json:"room"`
}

type ScoreUpdateEvent struct {
	PlayerID    string             `json:"playerId"`
	PlayerName  string             `json:"playerName"`
	Score       ScoreSnapshot      `json:"score"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type PlayerFinishedEvent struct {
	PlayerID        string        `json:"playerId"`
	PlayerName      string        `json:"playerName"`
	Score           ScoreSnapshot `json:"score"`
	PlayersFinished int           `json:"playersFinished"`
	TotalPlayers    int           `json:"totalPlayers"`
}

type GameResultsEvent struct {
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	Room        RoomView           `json:"room"`
}

type ReturnedToLobbyEvent struct {
	Room RoomView `json:"room"`
}

type ChatMessageEvent struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

type KickedEvent struct {
	Reason string `json:"reason"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Projections. RoomView is the only shape of a room a client ever sees.

type PlayerView struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	IsHost   bool          `json:"isHost"`
	Ready    bool          `json:"ready"`
	Finished bool          `json:"finished"`
	Score    ScoreSnapshot `json:"score"`
}

type RoomView struct {
	Code              string          `json:"code"`
	HostID            string          `json:"hostId"`
	HostName          string          `json:"hostName"`
	GameMode          string          `json:"gameMode"`
	Phase             string          `json:"phase"`
	Players           []PlayerView    `json:"players"`
	SelectedChallenge json.RawMessage `json:"selectedChallenge,omitempty"`
	PlayerCount       int             `json:"playerCount"`
	MaxPlayers        int             `json:"maxPlayers"`
}

type LeaderboardEntry struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	ScoreSnapshot
}
