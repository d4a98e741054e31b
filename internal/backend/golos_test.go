package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeGolosNode struct {
	*httptest.Server

	mu           sync.Mutex
	head         uint64
	irreversible uint64
	headTime     time.Time
	blocks       map[uint64][]interface{}
	transfers    [][]interface{}
}

func newFakeGolosNode(t *testing.T) *fakeGolosNode {
	t.Helper()
	f := &fakeGolosNode{
		head:         100,
		irreversible: 90,
		headTime:     time.Now().UTC().Truncate(time.Second),
		blocks:       make(map[uint64][]interface{}),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeGolosNode) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var result interface{}
	switch req.Method {
	case "call":
		var method string
		json.Unmarshal(req.Params[1], &method)
		switch method {
		case "get_dynamic_global_properties":
			result = map[string]interface{}{
				"head_block_number":           f.head,
				"last_irreversible_block_num": f.irreversible,
				"time":                        f.headTime.Format(golosTimeLayout),
			}
		case "get_ops_in_block":
			var args []json.RawMessage
			json.Unmarshal(req.Params[2], &args)
			var n uint64
			json.Unmarshal(args[0], &n)
			ops := f.blocks[n]
			if ops == nil {
				ops = []interface{}{}
			}
			result = ops
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "method not found"},
			})
			return
		}
	case "transfer":
		var params []interface{}
		for _, p := range req.Params {
			var v interface{}
			json.Unmarshal(p, &v)
			params = append(params, v)
		}
		f.transfers = append(f.transfers, params)
		result = map[string]interface{}{"transaction_id": "deadbeef", "block_num": f.head + 1}
	}

	json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func (f *fakeGolosNode) addTransfer(block uint64, trx, from, to, amount, memo string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[block] = append(f.blocks[block], map[string]interface{}{
		"trx_id":    trx,
		"block":     block,
		"op_in_trx": 0,
		"timestamp": f.headTime.Format(golosTimeLayout),
		"op": []interface{}{"transfer", map[string]interface{}{
			"from": from, "to": to, "amount": amount, "memo": memo,
		}},
	})
}

func newTestGolos(t *testing.T, f *fakeGolosNode, wallet bool) *GolosAdapter {
	t.Helper()
	cfg := &Config{
		Type:           TypeGolos,
		Endpoint:       f.URL,
		ServiceAddress: "escrow",
		PollInterval:   10 * time.Millisecond,
		Assets:         testAssets("GOLOS", "GBG"),
	}
	if wallet {
		cfg.WalletEndpoint = f.URL
	}
	g := NewGolosAdapter("GOLOS", cfg)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return g
}

func TestGolosConnectFailure(t *testing.T) {
	g := NewGolosAdapter("GOLOS", &Config{Endpoint: "http://127.0.0.1:1", ServiceAddress: "escrow", Assets: testAssets("GOLOS")})
	err := g.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Errorf("Connect() error = %v, want ErrConnection", err)
	}
	if _, err := g.Watch(context.Background(), time.Now()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Watch() error = %v, want ErrNotConnected", err)
	}
}

func TestGolosIsFinalized(t *testing.T) {
	f := newFakeGolosNode(t)
	g := newTestGolos(t, f, false)

	tests := []struct {
		block uint64
		want  bool
	}{
		{80, true},
		{90, true},
		{91, false},
		{100, false},
	}
	for _, tc := range tests {
		got, err := g.IsFinalized(context.Background(), tc.block, &Operation{})
		if err != nil {
			t.Fatalf("IsFinalized(%d) error = %v", tc.block, err)
		}
		if got != tc.want {
			t.Errorf("IsFinalized(%d) = %v, want %v", tc.block, got, tc.want)
		}
	}
}

func TestGolosWatch(t *testing.T) {
	f := newFakeGolosNode(t)
	g := newTestGolos(t, f, false)

	f.addTransfer(97, "aaa", "alice", "escrow", "95.000 GOLOS", "escrow 1234")
	f.addTransfer(98, "bbb", "alice", "bob", "1.000 GOLOS", "")
	f.mu.Lock()
	f.blocks[99] = []interface{}{map[string]interface{}{
		"trx_id": "ccc", "block": 99, "op_in_trx": 0,
		"timestamp": f.headTime.Format(golosTimeLayout),
		"op":        []interface{}{"vote", map[string]interface{}{"voter": "alice"}},
	}}
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 12s before head is 4 blocks back: block 96.
	ch, err := g.Watch(ctx, f.headTime.Add(-12*time.Second))
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	select {
	case obs := <-ch:
		if obs.BlockHeight != 97 || obs.From != "alice" || obs.Memo != "escrow 1234" || obs.Asset != "GOLOS" {
			t.Errorf("unexpected observation %+v", obs)
		}
		if !obs.Amount.Equal(decimal.NewFromInt(95)) {
			t.Errorf("Amount = %s, want 95", obs.Amount)
		}
		if obs.ID != "aaa/0" {
			t.Errorf("ID = %q, want aaa/0", obs.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for observation")
	}

	// A block produced later is picked up by the next poll.
	f.mu.Lock()
	f.head = 101
	f.mu.Unlock()
	f.addTransfer(101, "ddd", "carol", "escrow", "1.500 GBG", "")

	select {
	case obs := <-ch:
		if obs.BlockHeight != 101 || obs.Asset != "GBG" {
			t.Errorf("unexpected observation %+v", obs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second observation")
	}

	cancel()
	for range ch {
	}
}

func TestGolosTransfer(t *testing.T) {
	f := newFakeGolosNode(t)

	noWallet := newTestGolos(t, f, false)
	if _, err := noWallet.Transfer(context.Background(), "alice", decimal.NewFromInt(1), "GOLOS", ""); !errors.Is(err, ErrTransfer) {
		t.Errorf("Transfer() without wallet error = %v, want ErrTransfer", err)
	}

	g := newTestGolos(t, f, true)
	ref, err := g.Transfer(context.Background(), "alice", decimal.RequireFromString("94.05"), "X.GOLOS", "refund: amount")
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if ref.TxID != "deadbeef" || ref.BlockHeight != 101 {
		t.Errorf("TxRef = %+v", ref)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transfers) != 1 {
		t.Fatalf("got %d transfers, want 1", len(f.transfers))
	}
	p := f.transfers[0]
	if p[0] != "escrow" || p[1] != "alice" || p[2] != "94.050 GOLOS" || p[3] != "refund: amount" || p[4] != true {
		t.Errorf("transfer params = %v", p)
	}

	if _, err := g.Transfer(context.Background(), "alice", decimal.NewFromInt(1), "BTC", ""); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("Transfer(BTC) error = %v, want ErrUnknownAsset", err)
	}
}

func TestParseGolosAmount(t *testing.T) {
	amount, sym, err := parseGolosAmount("95.000 GOLOS")
	if err != nil || sym != "GOLOS" || !amount.Equal(decimal.NewFromInt(95)) {
		t.Errorf("parseGolosAmount() = %s, %s, %v", amount, sym, err)
	}
	for _, bad := range []string{"", "95.000", "abc GOLOS", "1 2 3"} {
		if _, _, err := parseGolosAmount(bad); err == nil {
			t.Errorf("parseGolosAmount(%q) should fail", bad)
		}
	}
}

func TestStartBlock(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	dgp := &golosGlobalProperties{HeadBlockNumber: 1000, Time: golosTime(now)}

	tests := []struct {
		since time.Time
		want  uint64
	}{
		{time.Time{}, 1000},
		{now.Add(time.Minute), 1000},
		{now.Add(-30 * time.Second), 990},
		{now.Add(-31 * time.Second), 989},
		{now.Add(-24 * time.Hour), 1},
	}
	for _, tc := range tests {
		if got := startBlock(dgp, tc.since); got != tc.want {
			t.Errorf("startBlock(%v) = %d, want %d", tc.since, got, tc.want)
		}
	}
}
