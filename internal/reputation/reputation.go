// Package reputation scores traders from the outcomes of their escrow
// transactions.
//
// A score is derived from three counters kept per user:
//   - completed trades
//   - disputes the user was party to
//   - disputes resolved against the user
//
// Counters only change inside the commit of a terminal escrow transition,
// expressed as Deltas handed to a Recorder owned by the store's unit of work.
package reputation

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidWeights = errors.New("invalid reputation weights")

// Record holds the raw counters for one user.
type Record struct {
	UserID           string    `json:"userId"`
	CompletedCount   int64     `json:"completedCount"`
	DisputedCount    int64     `json:"disputedCount"`
	DisputeLossCount int64     `json:"disputeLossCount"`
	UpdatedAt        time.Time `json:"updatedAt,omitempty"`
}

// Apply adds d to the record's counters.
func (r *Record) Apply(d Delta) {
	r.CompletedCount += d.Completed
	r.DisputedCount += d.Disputed
	r.DisputeLossCount += d.Losses
}

// Score is a user's derived reputation.
type Score struct {
	UserID string `json:"userId"`
	Score  int64  `json:"score"`
	Tier   Tier   `json:"tier"`
	Record Record `json:"record"`
}

// Tier represents reputation levels
type Tier string

const (
	TierNew         Tier = "new"         // below 20% of max
	TierEmerging    Tier = "emerging"    // 20-39%
	TierEstablished Tier = "established" // 40-59%
	TierTrusted     Tier = "trusted"     // 60-79%
	TierElite       Tier = "elite"       // 80% and up
)

// Weights configure the score formula:
// score = Completed*completed - Loss*losses, clamped to [0, Max].
type Weights struct {
	Completed int64
	Loss      int64
	Max       int64
}

// DefaultWeights make one lost dispute cost as much as five completed trades.
var DefaultWeights = Weights{Completed: 2, Loss: 10, Max: 100}

// Validate checks that the weights produce a usable scale.
func (w Weights) Validate() error {
	if w.Completed < 0 || w.Loss < 0 || w.Max <= 0 {
		return ErrInvalidWeights
	}
	return nil
}

// Verdict says which party a dispute resolution favored.
type Verdict int

const (
	FavorNeither Verdict = iota
	FavorSeller
	FavorBuyer
)

func (v Verdict) String() string {
	switch v {
	case FavorSeller:
		return "seller"
	case FavorBuyer:
		return "buyer"
	default:
		return "neither"
	}
}

// Delta is an increment to one user's counters.
type Delta struct {
	UserID    string
	Completed int64
	Disputed  int64
	Losses    int64
}

// Recorder applies deltas as increments. Only a store unit of work
// implements it, so deltas land in the same commit as the transition that
// produced them.
type Recorder interface {
	ApplyReputation(ctx context.Context, deltas ...Delta) error
}

// Reader loads reputation counters. Unknown users have a zero Record.
type Reader interface {
	GetReputation(ctx context.Context, userID string) (*Record, error)
}

// Tracker turns escrow outcomes into deltas and records into scores.
type Tracker struct {
	weights Weights
	reader  Reader
}

// NewTracker creates a tracker. Invalid weights fall back to DefaultWeights.
func NewTracker(reader Reader, w Weights) *Tracker {
	if w.Validate() != nil {
		w = DefaultWeights
	}
	return &Tracker{weights: w, reader: reader}
}

// Weights returns the weights in use.
func (t *Tracker) Weights() Weights {
	return t.weights
}

// OnCompleted records a completed trade for each user.
func (t *Tracker) OnCompleted(ctx context.Context, rec Recorder, users ...string) error {
	deltas := make([]Delta, 0, len(users))
	for _, u := range users {
		deltas = append(deltas, Delta{UserID: u, Completed: 1})
	}
	return rec.ApplyReputation(ctx, deltas...)
}

// OnDisputeResolved records a resolved dispute for both parties and a loss
// for whichever party the verdict did not favor.
func (t *Tracker) OnDisputeResolved(ctx context.Context, rec Recorder, seller, buyer string, v Verdict) error {
	return rec.ApplyReputation(ctx, DisputeDeltas(seller, buyer, v)...)
}

// DisputeDeltas computes the increments for a resolved dispute.
func DisputeDeltas(seller, buyer string, v Verdict) []Delta {
	s := Delta{UserID: seller, Disputed: 1}
	b := Delta{UserID: buyer, Disputed: 1}
	switch v {
	case FavorSeller:
		b.Losses = 1
	case FavorBuyer:
		s.Losses = 1
	}
	return []Delta{s, b}
}

// Score loads and scores userID.
func (t *Tracker) Score(ctx context.Context, userID string) (*Score, error) {
	rec, err := t.reader.GetReputation(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &Record{UserID: userID}
	}
	return t.Calculate(*rec), nil
}

// Calculate derives a score from raw counters.
func (t *Tracker) Calculate(r Record) *Score {
	w := t.weights
	score := w.Completed*r.CompletedCount - w.Loss*r.DisputeLossCount
	if score < 0 {
		score = 0
	}
	if score > w.Max {
		score = w.Max
	}
	return &Score{
		UserID: r.UserID,
		Score:  score,
		Tier:   tierFor(score, w.Max),
		Record: r,
	}
}

func tierFor(score, ceiling int64) Tier {
	// Compare score/max against fifths without division.
	switch {
	case score*5 >= ceiling*4:
		return TierElite
	case score*5 >= ceiling*3:
		return TierTrusted
	case score*5 >= ceiling*2:
		return TierEstablished
	case score*5 >= ceiling:
		return TierEmerging
	default:
		return TierNew
	}
}
