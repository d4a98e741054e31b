package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/offer"
)

func createTestOffer(id, orderID string) *offer.EscrowOffer {
	return &offer.EscrowOffer{
		ID:         id,
		OrderID:    orderID,
		Type:       offer.TypeSell,
		Buy:        "RUB",
		Sell:       "GOLOS",
		SumBuy:     decimal.NewFromInt(5000),
		SumSell:    decimal.NewFromInt(95),
		SumFeeUp:   decimal.NewFromInt(100),
		SumFeeDown: decimal.NewFromInt(90),
		Insured:    decimal.NewFromInt(95),
		Init:       offer.Party{ID: "1001", Username: "alice", SendAddress: offer.String("alice")},
		Counter:    offer.Party{ID: "2002", Username: "bob"},
		Status:     offer.StatusAwaitingConfirmation,
		Memo:       offer.String("m"),
		Time:       time.Unix(1700000000, 0).UTC(),
	}
}

func TestInsertAndFindOffer(t *testing.T) {
	store := newTestStorage(t)
	o := createTestOffer("offer-1", "order-1")

	if err := store.InsertOffer(o); err != nil {
		t.Fatalf("InsertOffer() error = %v", err)
	}

	got, err := store.FindOffer("offer-1")
	if err != nil {
		t.Fatalf("FindOffer() error = %v", err)
	}

	if got.OrderID != "order-1" {
		t.Errorf("OrderID = %s, want order-1", got.OrderID)
	}
	if !got.SumFeeUp.Equal(o.SumFeeUp) {
		t.Errorf("SumFeeUp = %s, want %s", got.SumFeeUp, o.SumFeeUp)
	}
	if got.Memo == nil || *got.Memo != "m" {
		t.Errorf("Memo = %v, want m", got.Memo)
	}
	if got.TrxID != nil {
		t.Error("TrxID should be absent")
	}
	if !got.Time.Equal(o.Time) {
		t.Errorf("Time = %v, want %v", got.Time, o.Time)
	}
}

func TestFindOfferNotFound(t *testing.T) {
	store := newTestStorage(t)

	if _, err := store.FindOffer("missing"); !errors.Is(err, ErrOfferNotFound) {
		t.Errorf("FindOffer() error = %v, want ErrOfferNotFound", err)
	}
}

func TestInsertOfferDuplicate(t *testing.T) {
	store := newTestStorage(t)

	if err := store.InsertOffer(createTestOffer("offer-1", "order-1")); err != nil {
		t.Fatal(err)
	}

	// Same order and parties, different id
	err := store.InsertOffer(createTestOffer("offer-2", "order-1"))
	if !errors.Is(err, ErrOfferExists) {
		t.Errorf("InsertOffer() error = %v, want ErrOfferExists", err)
	}

	// A different order is fine
	if err := store.InsertOffer(createTestOffer("offer-3", "order-2")); err != nil {
		t.Errorf("InsertOffer() error = %v", err)
	}
}

func TestInsertOfferInvalid(t *testing.T) {
	store := newTestStorage(t)

	o := createTestOffer("", "order-1")
	if err := store.InsertOffer(o); !errors.Is(err, ErrInvalidOffer) {
		t.Errorf("InsertOffer() error = %v, want ErrInvalidOffer", err)
	}
}

func TestUpdateOffer(t *testing.T) {
	store := newTestStorage(t)
	store.InsertOffer(createTestOffer("offer-1", "order-1"))

	got, err := store.UpdateOffer("offer-1", offer.Update{
		Set:   map[string]any{"counter.receive_address": "bob-golos", offer.FieldBank: "sber"},
		Unset: []string{offer.FieldMemo},
	})
	if err != nil {
		t.Fatalf("UpdateOffer() error = %v", err)
	}

	if got.Counter.ReceiveAddress == nil || *got.Counter.ReceiveAddress != "bob-golos" {
		t.Errorf("Counter.ReceiveAddress = %v, want bob-golos", got.Counter.ReceiveAddress)
	}

	reloaded, _ := store.FindOffer("offer-1")
	if reloaded.Memo != nil {
		t.Error("Memo should be unset after reload")
	}
	if reloaded.Bank == nil || *reloaded.Bank != "sber" {
		t.Errorf("Bank = %v, want sber", reloaded.Bank)
	}

	if _, err := store.UpdateOffer("missing", offer.Set(offer.FieldBank, "x")); !errors.Is(err, ErrOfferNotFound) {
		t.Errorf("UpdateOffer(missing) error = %v, want ErrOfferNotFound", err)
	}
}

func TestUpdateOfferIf(t *testing.T) {
	store := newTestStorage(t)
	store.InsertOffer(createTestOffer("offer-1", "order-1"))

	conds := []offer.Condition{
		offer.Missing(offer.FieldTrxID),
		offer.Equals(offer.FieldStatus, offer.StatusAwaitingConfirmation),
	}
	update := offer.Update{Set: map[string]any{
		offer.FieldTrxID:  "tx-1",
		offer.FieldUnsent: true,
		offer.FieldStatus: offer.StatusAwaitingCounterConfirmation,
	}}

	o, applied, err := store.UpdateOfferIf("offer-1", conds, update)
	if err != nil {
		t.Fatalf("UpdateOfferIf() error = %v", err)
	}
	if !applied {
		t.Fatal("first UpdateOfferIf() should apply")
	}
	if o.TrxID == nil || *o.TrxID != "tx-1" {
		t.Errorf("TrxID = %v, want tx-1", o.TrxID)
	}

	// Second attempt sees trx_id and must not apply
	update.Set[offer.FieldTrxID] = "tx-2"
	o, applied, err = store.UpdateOfferIf("offer-1", conds, update)
	if err != nil {
		t.Fatalf("UpdateOfferIf() error = %v", err)
	}
	if applied {
		t.Error("second UpdateOfferIf() should not apply")
	}
	if *o.TrxID != "tx-1" {
		t.Errorf("TrxID = %s, want tx-1", *o.TrxID)
	}
}

func TestUpdateOfferIfConcurrent(t *testing.T) {
	store := newTestStorage(t)
	store.InsertOffer(createTestOffer("offer-1", "order-1"))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.UpdateOfferIf("offer-1",
				[]offer.Condition{offer.Missing(offer.FieldTrxID)},
				offer.Set(offer.FieldTrxID, "tx"),
			)
			if err != nil {
				t.Errorf("UpdateOfferIf() error = %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("applied = %d, want exactly 1", applied)
	}
}

func TestDeleteAndArchiveOffer(t *testing.T) {
	store := newTestStorage(t)
	store.InsertOffer(createTestOffer("offer-1", "order-1"))

	archived, err := store.DeleteAndArchiveOffer("offer-1", offer.StatusExpired)
	if err != nil {
		t.Fatalf("DeleteAndArchiveOffer() error = %v", err)
	}
	if archived.Status != offer.StatusExpired {
		t.Errorf("Status = %s, want expired", archived.Status)
	}

	if _, err := store.FindOffer("offer-1"); !errors.Is(err, ErrOfferNotFound) {
		t.Error("offer should be gone from the active table")
	}

	a, err := store.GetArchivedOffer("offer-1")
	if err != nil {
		t.Fatalf("GetArchivedOffer() error = %v", err)
	}
	if a.Status != offer.StatusExpired || a.Offer.Status != offer.StatusExpired {
		t.Errorf("archived status = %s/%s, want expired", a.Status, a.Offer.Status)
	}

	// Archiving again finds nothing to move
	if _, err := store.DeleteAndArchiveOffer("offer-1", offer.StatusCancelled); !errors.Is(err, ErrOfferNotFound) {
		t.Errorf("second DeleteAndArchiveOffer() error = %v, want ErrOfferNotFound", err)
	}

	// The order slot is free again
	if err := store.InsertOffer(createTestOffer("offer-2", "order-1")); err != nil {
		t.Errorf("InsertOffer() after archive error = %v", err)
	}

	list, err := store.ListArchivedOffers(10, 0)
	if err != nil {
		t.Fatalf("ListArchivedOffers() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListArchivedOffers() len = %d, want 1", len(list))
	}
}

func TestAggregateInsuredSum(t *testing.T) {
	store := newTestStorage(t)

	a := createTestOffer("offer-1", "order-1")
	a.Insured = decimal.NewFromInt(10000)
	b := createTestOffer("offer-2", "order-2")
	b.Insured = decimal.RequireFromString("2500.5")
	c := createTestOffer("offer-3", "order-3")
	c.Sell = "XLM"
	c.Insured = decimal.NewFromInt(7)
	d := createTestOffer("offer-4", "order-4")
	d.Insured = decimal.NewFromInt(1)
	d.Status = offer.StatusCompleted

	for _, o := range []*offer.EscrowOffer{a, b, c, d} {
		if err := store.InsertOffer(o); err != nil {
			t.Fatal(err)
		}
	}

	sum, err := store.AggregateInsuredSum("GOLOS")
	if err != nil {
		t.Fatalf("AggregateInsuredSum() error = %v", err)
	}
	if !sum.Equal(decimal.RequireFromString("12500.5")) {
		t.Errorf("AggregateInsuredSum(GOLOS) = %s, want 12500.5", sum)
	}

	sum, _ = store.AggregateInsuredSum("BTC")
	if !sum.IsZero() {
		t.Errorf("AggregateInsuredSum(BTC) = %s, want 0", sum)
	}
}

func TestListOffers(t *testing.T) {
	store := newTestStorage(t)

	a := createTestOffer("offer-1", "order-1")
	b := createTestOffer("offer-2", "order-2")
	b.Status = offer.StatusNegotiating
	b.Counter.ID = "3003"
	store.InsertOffer(a)
	store.InsertOffer(b)

	awaiting, err := store.ListOffersByStatus(offer.StatusAwaitingConfirmation)
	if err != nil {
		t.Fatalf("ListOffersByStatus() error = %v", err)
	}
	if len(awaiting) != 1 || awaiting[0].ID != "offer-1" {
		t.Errorf("ListOffersByStatus() = %v, want [offer-1]", awaiting)
	}

	all, _ := store.ListOffersByStatus()
	if len(all) != 2 {
		t.Errorf("ListOffersByStatus() len = %d, want 2", len(all))
	}

	mine, _ := store.ListOffersForParty("3003")
	if len(mine) != 1 || mine[0].ID != "offer-2" {
		t.Errorf("ListOffersForParty(3003) = %v, want [offer-2]", mine)
	}

	counts, _ := store.CountOffersByStatus()
	if counts[offer.StatusNegotiating] != 1 || counts[offer.StatusAwaitingConfirmation] != 1 {
		t.Errorf("CountOffersByStatus() = %v", counts)
	}
}

func TestClaimOperation(t *testing.T) {
	store := newTestStorage(t)

	ok, err := store.ClaimOperation("GOLOS", "op-1", "offer-1", ActionRefund)
	if err != nil || !ok {
		t.Fatalf("ClaimOperation() = %v, %v, want true", ok, err)
	}

	ok, err = store.ClaimOperation("GOLOS", "op-1", "offer-1", ActionRefund)
	if err != nil {
		t.Fatalf("ClaimOperation() error = %v", err)
	}
	if ok {
		t.Error("second ClaimOperation() should return false")
	}

	// Same op id on a different chain is independent
	ok, _ = store.ClaimOperation("XLM", "op-1", "offer-1", ActionRefund)
	if !ok {
		t.Error("ClaimOperation() on another chain should succeed")
	}

	claimed, _ := store.IsOperationClaimed("GOLOS", "op-1")
	if !claimed {
		t.Error("IsOperationClaimed() = false, want true")
	}

	// A confirmed operation cannot be refunded later.
	if ok, err := store.ClaimOperation("GOLOS", "op-2", "offer-2", ActionConfirm); err != nil || !ok {
		t.Fatalf("ClaimOperation(confirm) = %v, %v, want true", ok, err)
	}
	if ok, _ := store.ClaimOperation("GOLOS", "op-2", "offer-2", ActionRefund); ok {
		t.Error("ClaimOperation(refund) after confirm should return false")
	}
}
