package escrow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowcore/internal/reputation"
)

func TestAllocate(t *testing.T) {
	tests := []struct {
		name       string
		outcome    Outcome
		amount     int64
		wantSeller int64
		wantBuyer  int64
	}{
		{"release", ReleaseToSeller{}, 100, 100, 0},
		{"refund", RefundToBuyer{}, 100, 0, 100},
		{"split 60/40", Split{SellerShare: decimal.RequireFromString("0.6")}, 100, 60, 40},
		{"split rounds toward seller", Split{SellerShare: decimal.RequireFromString("0.5")}, 101, 51, 50},
		{"split third", Split{SellerShare: decimal.RequireFromString("0.3333")}, 10, 4, 6},
		{"tiny split", Split{SellerShare: decimal.RequireFromString("0.01")}, 1, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, b, err := Allocate(tt.outcome, tt.amount)
			if err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			if s != tt.wantSeller || b != tt.wantBuyer {
				t.Errorf("got seller=%d buyer=%d, want %d/%d", s, b, tt.wantSeller, tt.wantBuyer)
			}
		})
	}
}

func TestAllocate_InvalidOutcome(t *testing.T) {
	for _, o := range []Outcome{
		nil,
		Split{},
		Split{SellerShare: decimal.NewFromInt(1)},
		Split{SellerShare: decimal.RequireFromString("0.999999999")},
	} {
		if _, _, err := Allocate(o, 100); !errors.Is(err, ErrInvalidOutcome) {
			t.Errorf("Allocate(%#v): expected ErrInvalidOutcome, got %v", o, err)
		}
	}
}

func TestAllocate_SplitConservesAmount(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 500
	properties := gopter.NewProperties(params)

	properties.Property("seller + buyer = amount, both non-negative", prop.ForAll(
		func(amount int64, basisPoints int64) bool {
			share := decimal.New(basisPoints, -4)
			s, b, err := Allocate(Split{SellerShare: share}, amount)
			if err != nil {
				return false
			}
			return s+b == amount && s >= 0 && b >= 0
		},
		gen.Int64Range(1, 1_000_000_000),
		gen.Int64Range(1, 9999),
	))

	properties.TestingRun(t)
}

func TestParseDisputeType(t *testing.T) {
	for _, typ := range DisputeTypes {
		got, err := ParseDisputeType(string(typ))
		if err != nil || got != typ {
			t.Errorf("ParseDisputeType(%q) = %q, %v", typ, got, err)
		}
	}
	if got, err := ParseDisputeType(""); err != nil || got != DisputeOther {
		t.Errorf("empty type = %q, %v; want other", got, err)
	}
	if _, err := ParseDisputeType("bad_vibes"); !errors.Is(err, ErrInvalidDisputeType) {
		t.Errorf("unknown type: expected ErrInvalidDisputeType, got %v", err)
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		currency string
		typ      DisputeType
		want     DisputePriority
	}{
		{"small quality issue", 50_00, "USD", DisputeQualityIssue, PriorityNormal},
		{"small non-delivery", 50_00, "USD", DisputeNotDelivered, PriorityHigh},
		{"small missing payment", 1_00, "EUR", DisputePaymentNotReceived, PriorityHigh},
		{"high amount", 500_00, "USD", DisputeOther, PriorityHigh},
		{"urgent amount", 1_000_00, "USD", DisputeQualityIssue, PriorityUrgent},
		{"urgent beats type", 1_000_00, "GBP", DisputeNotDelivered, PriorityUrgent},
		{"btc high", 5_000000, "BTC", DisputeFraud, PriorityHigh},
		{"btc urgent", 10_000000, "BTC", DisputeFraud, PriorityUrgent},
		{"btc small", 4_999999, "BTC", DisputeFraud, PriorityNormal},
		{"stablecoin urgent", 1_000_000000, "USDT", DisputeOther, PriorityUrgent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PriorityFor(tt.amount, tt.currency, tt.typ); got != tt.want {
				t.Errorf("PriorityFor(%d %s, %s) = %s, want %s", tt.amount, tt.currency, tt.typ, got, tt.want)
			}
		})
	}
	if PriorityUrgent.Rank() <= PriorityHigh.Rank() || PriorityHigh.Rank() <= PriorityNormal.Rank() {
		t.Error("ranks must order urgent > high > normal")
	}
}

func TestVerdictOf(t *testing.T) {
	if VerdictOf(ReleaseToSeller{}) != reputation.FavorSeller {
		t.Error("release should favor seller")
	}
	if VerdictOf(RefundToBuyer{}) != reputation.FavorBuyer {
		t.Error("refund should favor buyer")
	}
	if VerdictOf(Split{SellerShare: decimal.RequireFromString("0.5")}) != reputation.FavorNeither {
		t.Error("split should favor neither")
	}
}

func TestOutcomeDoc_Decode(t *testing.T) {
	tests := []struct {
		body    string
		want    string
		wantErr bool
	}{
		{`{"kind":"release_to_seller"}`, "release_to_seller", false},
		{`{"kind":"refund_to_buyer"}`, "refund_to_buyer", false},
		{`{"kind":"split","sellerShare":"0.25"}`, "split", false},
		{`{"kind":"split"}`, "", true},
		{`{"kind":"split","sellerShare":"1"}`, "", true},
		{`{"kind":"split","sellerShare":"0.12345678"}`, "split", false},
		{`{"kind":"split","sellerShare":"0.100000000"}`, "split", false},
		{`{"kind":"split","sellerShare":"0.123456789"}`, "", true},
		{`{"kind":"split","sellerShare":"0.999999999"}`, "", true},
		{`{"kind":"coin_flip"}`, "", true},
	}
	for _, tt := range tests {
		var doc OutcomeDoc
		if err := json.Unmarshal([]byte(tt.body), &doc); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.body, err)
		}
		o, err := doc.Decode()
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidOutcome) {
				t.Errorf("%s: expected ErrInvalidOutcome, got %v", tt.body, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.body, err)
		}
		if o.Kind() != tt.want {
			t.Errorf("%s: kind = %s, want %s", tt.body, o.Kind(), tt.want)
		}
	}
}

func TestDispute_JSONCarriesTaggedResolution(t *testing.T) {
	d := &Dispute{
		ID:         "dsp_1",
		State:      DisputeResolved,
		Resolution: Split{SellerShare: decimal.RequireFromString("0.6")},
	}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	json.Unmarshal(data, &raw)
	var doc OutcomeDoc
	if err := json.Unmarshal(raw["resolution"], &doc); err != nil {
		t.Fatalf("resolution field: %v (%s)", err, data)
	}
	if doc.Kind != "split" || doc.SellerShare == nil || doc.SellerShare.String() != "0.6" {
		t.Errorf("unexpected resolution %s", raw["resolution"])
	}

	var back Dispute
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	split, ok := back.Resolution.(Split)
	if !ok || !split.SellerShare.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("resolution did not survive: %#v", back.Resolution)
	}
}

func TestDispute_JSONOmitsEmptyResolution(t *testing.T) {
	data, _ := json.Marshal(&Dispute{ID: "dsp_1", State: DisputeOpen})
	var raw map[string]json.RawMessage
	json.Unmarshal(data, &raw)
	if _, ok := raw["resolution"]; ok {
		t.Errorf("open dispute should not carry a resolution: %s", data)
	}
}
