package game

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Timmmy307/Aurora-rider/internal/protocol"
)

// Phase is the room's position in the game state machine.
type Phase int

const (
	PhaseLobby Phase = iota
	PhaseSelecting
	PhaseCountdown
	PhasePlaying
	PhaseWaiting
	PhaseResults
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseSelecting:
		return "selecting"
	case PhaseCountdown:
		return "countdown"
	case PhasePlaying:
		return "playing"
	case PhaseWaiting:
		return "waiting"
	case PhaseResults:
		return "results"
	default:
		return "unknown"
	}
}

// Player is a roster entry. It exists only inside a Room.
type Player struct {
	ID       string
	Name     string
	Ready    bool
	Finished bool
	Score    protocol.ScoreSnapshot
}

// Room is one multiplayer session. Its fields are mutated only while holding
// mu; the coordinator takes the lock once per command so every mutation and
// the fan-out that follows it are atomic with respect to the room.
type Room struct {
	mu sync.Mutex

	code              string
	hostID            string
	gameMode          string
	phase             Phase
	players           []*Player // join order, head is next in host succession
	selectedChallenge json.RawMessage
	createdAt         time.Time
	maxPlayers        int

	// closed flips when the room is removed from the registry; commands that
	// raced the removal see it after taking mu and bail out.
	closed bool

	// cancels the countdown or reveal timer bound to the current round.
	timerCancel context.CancelFunc
}

// NewRoom constructs a room with the host as sole occupant.
func NewRoom(code, hostID, hostName, gameMode string, maxPlayers int) *Room {
	r := &Room{
		code:       code,
		hostID:     hostID,
		gameMode:   gameMode,
		phase:      PhaseLobby,
		players:    make([]*Player, 0, maxPlayers),
		createdAt:  time.Now(),
		maxPlayers: maxPlayers,
	}
	r.AddPlayer(hostID, hostName)
	return r
}

func (r *Room) Code() string { return r.code }

// Player returns the roster entry for the given connection id.
func (r *Room) Player(id string) (*Player, bool) {
	for _, p := range r.players {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// AddPlayer inserts a fresh, not-ready player. Fails with ErrRoomFull at
// capacity.
func (r *Room) AddPlayer(id, name string) error {
	if len(r.players) >= r.maxPlayers {
		return ErrRoomFull
	}
	r.players = append(r.players, &Player{
		ID:    id,
		Name:  name,
		Score: protocol.NewScoreSnapshot(),
	})
	return nil
}

// RemovePlayer deletes the entry and returns the remaining roster size. If
// the host left and somebody remains, the earliest-joined remaining player
// is promoted. Unknown ids are a no-op.
func (r *Room) RemovePlayer(id string) int {
	for i, p := range r.players {
		if p.ID == id {
			r.players = append(r.players[:i], r.players[i+1:]...)
			break
		}
	}
	if id == r.hostID && len(r.players) > 0 {
		r.hostID = r.players[0].ID
	}
	return len(r.players)
}

// SetReady flips a player's ready flag. Unknown ids are ignored.
func (r *Room) SetReady(id string, ready bool) {
	if p, ok := r.Player(id); ok {
		p.Ready = ready
	}
}

// AllReady reports whether every player is ready. Vacuously false below two
// players; readiness gating needs an actual group.
func (r *Room) AllReady() bool {
	if len(r.players) < 2 {
		return false
	}
	for _, p := range r.players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// UpdateScore merges the present fields of u into the player's snapshot.
func (r *Room) UpdateScore(id string, u protocol.ScoreUpdate) {
	if p, ok := r.Player(id); ok {
		u.ApplyTo(&p.Score)
	}
}

// ResetRound zeroes every player's score and finished flag at the start of a
// round.
func (r *Room) ResetRound() {
	for _, p := range r.players {
		p.Score = protocol.NewScoreSnapshot()
		p.Finished = false
	}
}

// ResetToLobby clears the round state when the host returns the room to the
// lobby.
func (r *Room) ResetToLobby() {
	r.phase = PhaseLobby
	r.selectedChallenge = nil
	for _, p := range r.players {
		p.Ready = false
		p.Finished = false
	}
}

// FinishedCount counts roster members that reported finishing this round.
func (r *Room) FinishedCount() int {
	n := 0
	for _, p := range r.players {
		if p.Finished {
			n++
		}
	}
	return n
}

// Leaderboard returns all players ordered by score descending. The sort is
// stable, so ties keep join order.
func (r *Room) Leaderboard() []protocol.LeaderboardEntry {
	entries := make([]protocol.LeaderboardEntry, 0, len(r.players))
	for _, p := range r.players {
		entries = append(entries, protocol.LeaderboardEntry{
			PlayerID:      p.ID,
			PlayerName:    p.Name,
			ScoreSnapshot: p.Score,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})
	return entries
}

// Snapshot projects the room into its client-safe view.
func (r *Room) Snapshot() protocol.RoomView {
	players := make([]protocol.PlayerView, 0, len(r.players))
	hostName := ""
	for _, p := range r.players {
		if p.ID == r.hostID {
			hostName = p.Name
		}
		players = append(players, protocol.PlayerView{
			ID:       p.ID,
			Name:     p.Name,
			IsHost:   p.ID == r.hostID,
			Ready:    p.Ready,
			Finished: p.Finished,
			Score:    p.Score,
		})
	}
	return protocol.RoomView{
		Code:              r.code,
		HostID:            r.hostID,
		HostName:          hostName,
		GameMode:          r.gameMode,
		Phase:             r.phase.String(),
		Players:           players,
		SelectedChallenge: r.selectedChallenge,
		PlayerCount:       len(r.players),
		MaxPlayers:        r.maxPlayers,
	}
}

// cancelTimer stops the pending countdown or reveal timer, if any.
func (r *Room) cancelTimer() {
	if r.timerCancel != nil {
		r.timerCancel()
		r.timerCancel = nil
	}
}
