package escrow

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowcore/internal/reputation"
)

// DisputeState is the state of the nested dispute machine.
type DisputeState string

const (
	DisputeOpen        DisputeState = "open"
	DisputeUnderReview DisputeState = "under_review"
	DisputeResolved    DisputeState = "resolved"
)

// Active reports whether the dispute still awaits a resolution.
func (s DisputeState) Active() bool {
	return s == DisputeOpen || s == DisputeUnderReview
}

// Valid reports whether s is a known dispute state.
func (s DisputeState) Valid() bool {
	return s == DisputeOpen || s == DisputeUnderReview || s == DisputeResolved
}

// DisputeType classifies the complaint a dispute was opened with.
type DisputeType string

const (
	DisputeNotDelivered       DisputeType = "service_not_delivered"
	DisputePaymentNotReceived DisputeType = "payment_not_received"
	DisputeQualityIssue       DisputeType = "quality_issue"
	DisputeNotAsDescribed     DisputeType = "not_as_described"
	DisputeFraud              DisputeType = "fraud"
	DisputeOther              DisputeType = "other"
)

// DisputeTypes lists the accepted types.
var DisputeTypes = []DisputeType{
	DisputeNotDelivered, DisputePaymentNotReceived, DisputeQualityIssue,
	DisputeNotAsDescribed, DisputeFraud, DisputeOther,
}

// ParseDisputeType validates s. An empty type is DisputeOther.
func ParseDisputeType(s string) (DisputeType, error) {
	if s == "" {
		return DisputeOther, nil
	}
	t := DisputeType(s)
	if !slices.Contains(DisputeTypes, t) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDisputeType, s)
	}
	return t, nil
}

// DisputePriority orders the moderator queue.
type DisputePriority string

const (
	PriorityNormal DisputePriority = "normal"
	PriorityHigh   DisputePriority = "high"
	PriorityUrgent DisputePriority = "urgent"
)

// Rank is larger for more pressing priorities.
func (p DisputePriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 2
	case PriorityHigh:
		return 1
	}
	return 0
}

// priorityThreshold holds the minor-unit amounts at which a dispute becomes
// high or urgent regardless of its type.
type priorityThreshold struct{ high, urgent int64 }

var priorityThresholds = map[string]priorityThreshold{
	"USD":  {high: 500_00, urgent: 1_000_00},
	"EUR":  {high: 500_00, urgent: 1_000_00},
	"GBP":  {high: 500_00, urgent: 1_000_00},
	"USDT": {high: 500_000000, urgent: 1_000_000000},
	"USDC": {high: 500_000000, urgent: 1_000_000000},
	"BTC":  {high: 5_000000, urgent: 10_000000},
	"LTC":  {high: 5_00000000, urgent: 10_00000000},
}

// PriorityFor derives a dispute's priority from the disputed amount and the
// complaint. Non-delivery and missing payment are high at any amount.
func PriorityFor(amount int64, currency string, typ DisputeType) DisputePriority {
	if th, ok := priorityThresholds[currency]; ok {
		switch {
		case amount >= th.urgent:
			return PriorityUrgent
		case amount >= th.high:
			return PriorityHigh
		}
	}
	if typ == DisputeNotDelivered || typ == DisputePaymentNotReceived {
		return PriorityHigh
	}
	return PriorityNormal
}

// Evidence is one submission attached to a dispute.
type Evidence struct {
	Submitter   string    `json:"submitter"`
	PayloadRef  string    `json:"payloadRef"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Dispute is an arbitration case against a funded transaction.
type Dispute struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transactionId"`
	OpenerID        string          `json:"openerId"`
	Type            DisputeType     `json:"type"`
	Priority        DisputePriority `json:"priority"`
	Reason          string          `json:"reason"`
	Evidence        []Evidence      `json:"evidence"`
	State           DisputeState    `json:"state"`
	Resolution      Outcome         `json:"-"`
	ResolverID      string          `json:"resolverId,omitempty"`
	Rationale       string          `json:"rationale,omitempty"`
	OpenedAt        time.Time       `json:"openedAt"`
	ReviewStartedAt *time.Time      `json:"reviewStartedAt,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
}

// MarshalJSON renders the resolution as its tagged form.
func (d *Dispute) MarshalJSON() ([]byte, error) {
	type alias Dispute
	return json.Marshal(struct {
		*alias
		Resolution *OutcomeDoc `json:"resolution,omitempty"`
	}{alias: (*alias)(d), Resolution: EncodeOutcome(d.Resolution)})
}

// UnmarshalJSON accepts the tagged resolution form.
func (d *Dispute) UnmarshalJSON(data []byte) error {
	type alias Dispute
	aux := struct {
		*alias
		Resolution *OutcomeDoc `json:"resolution,omitempty"`
	}{alias: (*alias)(d)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Resolution == nil {
		d.Resolution = nil
		return nil
	}
	o, err := aux.Resolution.Decode()
	if err != nil {
		return err
	}
	d.Resolution = o
	return nil
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	if d.Evidence != nil {
		cp.Evidence = make([]Evidence, len(d.Evidence))
		copy(cp.Evidence, d.Evidence)
	}
	cp.ReviewStartedAt = cloneTime(d.ReviewStartedAt)
	cp.ResolvedAt = cloneTime(d.ResolvedAt)
	return &cp
}

// Outcome is how a dispute is settled. The implementations are exactly
// ReleaseToSeller, RefundToBuyer and Split.
type Outcome interface {
	Kind() string
	isOutcome()
}

// ReleaseToSeller pays the full escrow to the seller.
type ReleaseToSeller struct{}

// RefundToBuyer returns the full escrow to the buyer.
type RefundToBuyer struct{}

// Split gives the seller SellerShare of the escrow, strictly between 0 and 1
// with at most MaxShareDecimals fractional digits, and the buyer the rest.
type Split struct {
	SellerShare decimal.Decimal
}

func (ReleaseToSeller) Kind() string { return "release_to_seller" }
func (RefundToBuyer) Kind() string   { return "refund_to_buyer" }
func (Split) Kind() string           { return "split" }

func (ReleaseToSeller) isOutcome() {}
func (RefundToBuyer) isOutcome()   {}
func (Split) isOutcome()           {}

// MaxShareDecimals is the precision a split share is stored with.
const MaxShareDecimals = 8

// ValidateOutcome checks that o is a known outcome with valid parameters.
func ValidateOutcome(o Outcome) error {
	switch v := o.(type) {
	case ReleaseToSeller, RefundToBuyer:
		return nil
	case Split:
		if !v.SellerShare.IsPositive() || v.SellerShare.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: seller share %s must be strictly between 0 and 1", ErrInvalidOutcome, v.SellerShare)
		}
		if !v.SellerShare.Equal(v.SellerShare.Truncate(MaxShareDecimals)) {
			return fmt.Errorf("%w: seller share %s has more than %d decimal places", ErrInvalidOutcome, v.SellerShare, MaxShareDecimals)
		}
		return nil
	}
	return ErrInvalidOutcome
}

// Allocate divides amount between seller and buyer according to o. For a
// split the buyer receives floor((1-share)*amount) and the seller the
// remainder, so rounding always favors the seller.
func Allocate(o Outcome, amount int64) (seller, buyer int64, err error) {
	if err := ValidateOutcome(o); err != nil {
		return 0, 0, err
	}
	switch v := o.(type) {
	case ReleaseToSeller:
		return amount, 0, nil
	case RefundToBuyer:
		return 0, amount, nil
	case Split:
		buyerShare := decimal.NewFromInt(1).Sub(v.SellerShare)
		buyer = buyerShare.Mul(decimal.NewFromInt(amount)).Floor().IntPart()
		return amount - buyer, buyer, nil
	}
	return 0, 0, ErrInvalidOutcome
}

// VerdictOf says whom o favors for reputation purposes.
func VerdictOf(o Outcome) reputation.Verdict {
	switch o.(type) {
	case ReleaseToSeller:
		return reputation.FavorSeller
	case RefundToBuyer:
		return reputation.FavorBuyer
	}
	return reputation.FavorNeither
}

// OutcomeDoc is the tagged wire and storage form of an Outcome.
type OutcomeDoc struct {
	Kind        string           `json:"kind"`
	SellerShare *decimal.Decimal `json:"sellerShare,omitempty"`
}

// EncodeOutcome converts o to its tagged form. A nil outcome encodes to nil.
func EncodeOutcome(o Outcome) *OutcomeDoc {
	if o == nil {
		return nil
	}
	doc := &OutcomeDoc{Kind: o.Kind()}
	if s, ok := o.(Split); ok {
		share := s.SellerShare
		doc.SellerShare = &share
	}
	return doc
}

// Decode converts the tagged form back to an Outcome and validates it.
func (d OutcomeDoc) Decode() (Outcome, error) {
	var o Outcome
	switch d.Kind {
	case ReleaseToSeller{}.Kind():
		o = ReleaseToSeller{}
	case RefundToBuyer{}.Kind():
		o = RefundToBuyer{}
	case Split{}.Kind():
		if d.SellerShare == nil {
			return nil, fmt.Errorf("%w: split requires sellerShare", ErrInvalidOutcome)
		}
		o = Split{SellerShare: *d.SellerShare}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOutcome, d.Kind)
	}
	if err := ValidateOutcome(o); err != nil {
		return nil, err
	}
	return o, nil
}
