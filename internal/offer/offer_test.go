package offer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func createTestOffer() *EscrowOffer {
	created := time.Unix(1700000000, 0).UTC()
	return &EscrowOffer{
		ID:         "5f0c2a9e-1111-4222-8333-944445555666",
		OrderID:    "order-1",
		Type:       TypeSell,
		Buy:        "RUB",
		Sell:       "GOLOS",
		SumBuy:     decimal.RequireFromString("5000"),
		SumSell:    decimal.RequireFromString("95"),
		SumFeeUp:   decimal.RequireFromString("100"),
		SumFeeDown: decimal.RequireFromString("90"),
		Insured:    decimal.RequireFromString("95"),
		Init: Party{
			ID:          "1001",
			Locale:      "en",
			Username:    "alice",
			SendAddress: String("alice-golos"),
		},
		Counter: Party{
			ID:       "2002",
			Locale:   "ru",
			Username: "bob",
			Card:     String("4111"),
		},
		Status: StatusAwaitingConfirmation,
		Memo:   String("m"),
		Time:   created,
	}
}

func TestDocumentRoundtrip(t *testing.T) {
	o := createTestOffer()
	o.TransactionTime = Time(time.Unix(1700000100, 0).UTC())
	o.Deadline = Time(time.Unix(1700003700, 0).UTC())

	data, err := Encode(o)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}

	got, err := FromDocument(doc)
	if err != nil {
		t.Fatalf("FromDocument() error = %v", err)
	}

	again, err := Encode(got)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Errorf("roundtrip mismatch:\n got %s\nwant %s", again, data)
	}

	if !got.SumFeeUp.Equal(o.SumFeeUp) {
		t.Errorf("SumFeeUp = %s, want %s", got.SumFeeUp, o.SumFeeUp)
	}
	if !got.TransactionTime.Equal(*o.TransactionTime) {
		t.Errorf("TransactionTime = %v, want %v", got.TransactionTime, o.TransactionTime)
	}
	if got.Counter.SendAddress != nil {
		t.Error("absent counter.send_address should stay absent")
	}
	if got.TrxID != nil || got.Unsent != nil || got.Received != nil {
		t.Error("absent optional fields should stay absent")
	}
	if _, ok := doc[FieldTrxID]; ok {
		t.Error("document should not contain trx_id")
	}
}

func TestApplyUpdate(t *testing.T) {
	doc, err := ToDocument(createTestOffer())
	if err != nil {
		t.Fatal(err)
	}

	err = ApplyUpdate(doc, Update{
		Set: map[string]any{
			FieldTrxID:             "abc",
			FieldUnsent:            true,
			"counter.send_address": "bob-golos",
			FieldReceived:          decimal.RequireFromString("95"),
			FieldStatus:            StatusAwaitingCounterConfirmation,
		},
		Unset: []string{FieldMemo, "init.send_address"},
	})
	if err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}

	o, err := FromDocument(doc)
	if err != nil {
		t.Fatalf("FromDocument() error = %v", err)
	}

	if o.TrxID == nil || *o.TrxID != "abc" {
		t.Errorf("TrxID = %v, want abc", o.TrxID)
	}
	if o.Unsent == nil || !*o.Unsent {
		t.Error("Unsent should be true")
	}
	if o.Counter.SendAddress == nil || *o.Counter.SendAddress != "bob-golos" {
		t.Errorf("Counter.SendAddress = %v, want bob-golos", o.Counter.SendAddress)
	}
	if o.Received == nil || !o.Received.Equal(decimal.NewFromInt(95)) {
		t.Errorf("Received = %v, want 95", o.Received)
	}
	if o.Status != StatusAwaitingCounterConfirmation {
		t.Errorf("Status = %s, want %s", o.Status, StatusAwaitingCounterConfirmation)
	}
	if o.Memo != nil {
		t.Error("Memo should be unset")
	}
	if o.Init.SendAddress != nil {
		t.Error("Init.SendAddress should be unset")
	}
}

func TestApplyUpdateInvalidPath(t *testing.T) {
	doc, _ := ToDocument(createTestOffer())

	err := ApplyUpdate(doc, Set("type.nested", "x"))
	if !errors.Is(err, ErrInvalidPath) {
		t.Errorf("ApplyUpdate() error = %v, want ErrInvalidPath", err)
	}

	err = ApplyUpdate(doc, Set("", "x"))
	if !errors.Is(err, ErrInvalidPath) {
		t.Errorf("ApplyUpdate() error = %v, want ErrInvalidPath", err)
	}
}

func TestConditions(t *testing.T) {
	doc, _ := ToDocument(createTestOffer())

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"trx_id missing", Missing(FieldTrxID), true},
		{"trx_id exists", Exists(FieldTrxID), false},
		{"memo exists", Exists(FieldMemo), true},
		{"status equals", Equals(FieldStatus, StatusAwaitingConfirmation), true},
		{"status differs", Equals(FieldStatus, StatusCancelled), false},
		{"nested equals", Equals("init.id", "1001"), true},
		{"nested missing", Missing("counter.send_address"), true},
		{"equals nil on missing", Equals(FieldTrxID, nil), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Holds(doc)
			if err != nil {
				t.Fatalf("Holds() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Holds() = %v, want %v", got, tt.want)
			}
		})
	}

	ok, err := MatchAll(doc, []Condition{Missing(FieldTrxID), Equals(FieldStatus, StatusAwaitingConfirmation)})
	if err != nil || !ok {
		t.Errorf("MatchAll() = %v, %v, want true", ok, err)
	}
}

func TestEscrowSides(t *testing.T) {
	o := createTestOffer()

	if o.EscrowAsset() != "GOLOS" {
		t.Errorf("EscrowAsset() = %s, want GOLOS", o.EscrowAsset())
	}
	if !o.EscrowAmount().Equal(decimal.NewFromInt(95)) {
		t.Errorf("EscrowAmount() = %s, want 95", o.EscrowAmount())
	}
	if o.EscrowSender().ID != "1001" {
		t.Errorf("EscrowSender() = %s, want 1001", o.EscrowSender().ID)
	}
	if !o.Fee().Equal(decimal.NewFromInt(5)) {
		t.Errorf("Fee() = %s, want 5", o.Fee())
	}

	o.Type = TypeBuy
	if o.EscrowAsset() != "RUB" || o.EscrowSender().ID != "2002" || o.EscrowReceiver().ID != "1001" {
		t.Error("buy offer should escrow the buy leg sent by counter")
	}

	if p, ok := o.Counterparty("1001"); !ok || p.ID != "2002" {
		t.Error("Counterparty(1001) should be 2002")
	}
	if _, ok := o.Party("3003"); ok {
		t.Error("Party(3003) should not exist")
	}
}

func TestDeriveFees(t *testing.T) {
	up, down := DeriveFees(decimal.NewFromInt(95), decimal.RequireFromString("0.01"), 3)
	if !up.Equal(decimal.RequireFromString("95.95")) {
		t.Errorf("up = %s, want 95.95", up)
	}
	if !down.Equal(decimal.RequireFromString("94.05")) {
		t.Errorf("down = %s, want 94.05", down)
	}
	if up.LessThan(decimal.NewFromInt(95)) || down.GreaterThan(decimal.NewFromInt(95)) {
		t.Error("fee-adjusted amounts must bracket the escrowed amount")
	}
}

func TestBuildMemo(t *testing.T) {
	o := createTestOffer()
	first := BuildMemo(o)
	second := BuildMemo(o)
	if first != second {
		t.Errorf("BuildMemo not deterministic: %q vs %q", first, second)
	}

	want := "escrow 5f0c2a9e: 95 GOLOS alice-golos / 5000 RUB -"
	if first != want {
		t.Errorf("BuildMemo() = %q, want %q", first, want)
	}

	if got := RefundMemo([]string{"amount", "memo"}); got != "refund: amount, memo" {
		t.Errorf("RefundMemo() = %q", got)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range TerminalStatuses() {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusManualReview.IsTerminal() {
		t.Error("manual_review should not be terminal")
	}
}
