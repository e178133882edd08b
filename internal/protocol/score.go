package protocol

// ScoreSnapshot is a player's full score state for one round. Accuracy starts
// at 100 and is a percentage.
type ScoreSnapshot struct {
	Score       int     `json:"score"`
	Combo       int     `json:"combo"`
	MaxCombo    int     `json:"maxCombo"`
	BeatsHit    int     `json:"beatsHit"`
	BeatsMissed int     `json:"beatsMissed"`
	Accuracy    float64 `json:"accuracy"`
}

// NewScoreSnapshot returns the zero-progress snapshot a player starts a
// round with.
func NewScoreSnapshot() ScoreSnapshot {
	return ScoreSnapshot{Accuracy: 100}
}

// ScoreUpdate is a partial snapshot: nil fields are left untouched on merge.
// Merges are last-writer-wins per field; the transport's per-connection
// ordering is the only sequencing.
type ScoreUpdate struct {
	Score       *int     `json:"score,omitempty"`
	Combo       *int     `json:"combo,omitempty"`
	MaxCombo    *int     `json:"maxCombo,omitempty"`
	BeatsHit    *int     `json:"beatsHit,omitempty"`
	BeatsMissed *int     `json:"beatsMissed,omitempty"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
}

// ApplyTo merges the present fields into s.
func (u ScoreUpdate) ApplyTo(s *ScoreSnapshot) {
	if u.Score != nil {
		s.Score = *u.Score
	}
	if u.Combo != nil {
		s.Combo = *u.Combo
	}
	if u.MaxCombo != nil {
		s.MaxCombo = *u.MaxCombo
	}
	if u.BeatsHit != nil {
		s.BeatsHit = *u.BeatsHit
	}
	if u.BeatsMissed != nil {
		s.BeatsMissed = *u.BeatsMissed
	}
	if u.Accuracy != nil {
		s.Accuracy = *u.Accuracy
	}
}

// Delta builds the update that would turn prev into next, touching only the
// fields that changed. The client adapter uses it for the periodic push.
func Delta(prev, next ScoreSnapshot) ScoreUpdate {
	var u ScoreUpdate
	if next.Score != prev.Score {
		u.Score = &next.Score
	}
	if next.Combo != prev.Combo {
		u.Combo = &next.Combo
	}
	if next.MaxCombo != prev.MaxCombo {
		u.MaxCombo = &next.MaxCombo
	}
	if next.BeatsHit != prev.BeatsHit {
		u.BeatsHit = &next.BeatsHit
	}
	if next.BeatsMissed != prev.BeatsMissed {
		u.BeatsMissed = &next.BeatsMissed
	}
	if next.Accuracy != prev.Accuracy {
		u.Accuracy = &next.Accuracy
	}
	return u
}

// IsZero reports whether the update carries no fields.
func (u ScoreUpdate) IsZero() bool {
	return u.Score == nil && u.Combo == nil && u.MaxCombo == nil &&
		u.BeatsHit == nil && u.BeatsMissed == nil && u.Accuracy == nil
}
