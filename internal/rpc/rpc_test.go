package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/notify"
	"github.com/Klingon-tech/escrowd/internal/storage"
)

// stubAdapter serves GOLOS with an insurance cap and never observes anything.
type stubAdapter struct{}

func (stubAdapter) Chain() string                 { return "GOLOS" }
func (stubAdapter) Type() backend.Type            { return backend.TypeGolos }
func (stubAdapter) Connect(context.Context) error { return nil }
func (stubAdapter) Close() error                  { return nil }
func (stubAdapter) ServiceAddress() string        { return "escrow" }
func (stubAdapter) Assets() []string              { return []string{"GOLOS"} }
func (stubAdapter) Precision(string) int32        { return 3 }
func (stubAdapter) TxURL(string) string           { return "" }

func (stubAdapter) InsuranceLimits(string) (backend.InsuranceLimits, bool) {
	return backend.InsuranceLimits{
		Single: decimal.NewFromInt(50),
		Total:  decimal.NewFromInt(100),
	}, true
}

func (stubAdapter) Transfer(context.Context, string, decimal.Decimal, string, string) (*backend.TxRef, error) {
	return nil, errors.New("not implemented")
}

func (stubAdapter) IsFinalized(context.Context, uint64, *backend.Operation) (bool, error) {
	return false, nil
}

func (stubAdapter) Watch(ctx context.Context, _ time.Time) (<-chan backend.Observation, error) {
	ch := make(chan backend.Observation)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type testServer struct {
	server   *Server
	http     *httptest.Server
	engine   *escrow.Engine
	store    *storage.Storage
	hub      *WSHub
	registry *prometheus.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	registry := backend.NewRegistry()
	if err := registry.Register(stubAdapter{}); err != nil {
		t.Fatalf("failed to register adapter: %v", err)
	}

	reg := prometheus.NewRegistry()
	engine := escrow.New(&escrow.Config{
		Store:    store,
		Registry: registry,
		Options:  escrow.DefaultOptions(),
		Metrics:  escrow.NewMetrics(reg),
	})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("failed to start engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub()
	go hub.Run(ctx)

	srv := NewServer(engine, store, hub, reg)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		engine.Stop()
		store.Close()
	})

	return &testServer{server: srv, http: ts, engine: engine, store: store, hub: hub, registry: reg}
}

// call performs a JSON-RPC request and decodes the result into out.
func (ts *testServer) call(t *testing.T, method string, params interface{}, out interface{}) *Error {
	t.Helper()

	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}
	body, _ := json.Marshal(&Request{JSONRPC: "2.0", Method: method, Params: raw, ID: 1})

	resp, err := http.Post(ts.http.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	var r struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if r.Error != nil {
		return r.Error
	}
	if out != nil {
		if err := json.Unmarshal(r.Result, out); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return nil
}

func createParams() map[string]interface{} {
	return map[string]interface{}{
		"order_id": "order-1",
		"type":     "sell",
		"buy":      "RUB",
		"sell":     "GOLOS",
		"sum_buy":  "5000",
		"sum_sell": "95",
		"init":     map[string]string{"id": "1001", "username": "alice"},
		"counter":  map[string]string{"id": "2002", "username": "bob"},
	}
}

type offerResult struct {
	ID               string `json:"_id"`
	Status           string `json:"status"`
	PendingInputFrom string `json:"pending_input_from"`
	Insured          string `json:"insured"`
	SumFeeUp         string `json:"sum_fee_up"`
	Archived         bool   `json:"archived"`
}

func TestHandleRPCErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{not json`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"node_status","id":1}`, InvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"wallet_send","id":1}`, MethodNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.http.URL, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			defer resp.Body.Close()

			var r Response
			if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if r.Error == nil {
				t.Fatal("expected error response")
			}
			if r.Error.Code != tt.code {
				t.Errorf("Error.Code = %d, want %d", r.Error.Code, tt.code)
			}
		})
	}
}

func TestOffersCreateAndGet(t *testing.T) {
	ts := newTestServer(t)

	var created offerResult
	if rpcErr := ts.call(t, "offers_create", createParams(), &created); rpcErr != nil {
		t.Fatalf("offers_create error = %+v", rpcErr)
	}
	if created.ID == "" {
		t.Fatal("offers_create returned no id")
	}
	if created.Status != "created" {
		t.Errorf("Status = %s, want created", created.Status)
	}
	if created.PendingInputFrom != "2002" {
		t.Errorf("PendingInputFrom = %s, want 2002", created.PendingInputFrom)
	}
	if created.Insured != "50" {
		t.Errorf("Insured = %s, want 50", created.Insured)
	}

	var got offerResult
	if rpcErr := ts.call(t, "offers_get", map[string]string{"id": created.ID}, &got); rpcErr != nil {
		t.Fatalf("offers_get error = %+v", rpcErr)
	}
	if got.ID != created.ID || got.Archived {
		t.Errorf("offers_get = %+v", got)
	}

	var list struct {
		Offers []offerResult `json:"offers"`
		Count  int           `json:"count"`
	}
	if rpcErr := ts.call(t, "offers_list", map[string]string{"party": "1001"}, &list); rpcErr != nil {
		t.Fatalf("offers_list error = %+v", rpcErr)
	}
	if list.Count != 1 {
		t.Errorf("offers_list count = %d, want 1", list.Count)
	}
	if rpcErr := ts.call(t, "offers_list", map[string]interface{}{"status": []string{"funding"}}, &list); rpcErr != nil {
		t.Fatalf("offers_list error = %+v", rpcErr)
	}
	if list.Count != 0 {
		t.Errorf("offers_list(funding) count = %d, want 0", list.Count)
	}

	rpcErr := ts.call(t, "offers_get", map[string]string{"id": "missing"}, nil)
	if rpcErr == nil || rpcErr.Code != OfferNotFound {
		t.Errorf("offers_get(missing) error = %+v, want code %d", rpcErr, OfferNotFound)
	}
}

func TestOffersCreateInvalidParams(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(p map[string]interface{})
		code   int
	}{
		{"missing order", func(p map[string]interface{}) { delete(p, "order_id") }, InvalidParams},
		{"bad type", func(p map[string]interface{}) { p["type"] = "swap" }, InvalidParams},
		{"zero amount", func(p map[string]interface{}) { p["sum_sell"] = "0" }, InvalidParams},
		{"missing counter", func(p map[string]interface{}) { delete(p, "counter") }, InvalidParams},
		{"same party", func(p map[string]interface{}) {
			p["counter"] = map[string]string{"id": "1001"}
		}, InvalidParams},
		{"unknown asset", func(p map[string]interface{}) { p["sell"] = "XLM" }, NoAdapter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := createParams()
			tt.mutate(p)
			rpcErr := ts.call(t, "offers_create", p, nil)
			if rpcErr == nil {
				t.Fatal("expected error")
			}
			if rpcErr.Code != tt.code {
				t.Errorf("Error.Code = %d, want %d (%s)", rpcErr.Code, tt.code, rpcErr.Message)
			}
		})
	}
}

func TestOffersRespondAndArchive(t *testing.T) {
	ts := newTestServer(t)

	var created offerResult
	if rpcErr := ts.call(t, "offers_create", createParams(), &created); rpcErr != nil {
		t.Fatalf("offers_create error = %+v", rpcErr)
	}

	rpcErr := ts.call(t, "offers_respond", map[string]string{"id": created.ID, "from": "1001", "kind": "accept"}, nil)
	if rpcErr == nil || rpcErr.Code != Unauthorized {
		t.Errorf("respond from init error = %+v, want code %d", rpcErr, Unauthorized)
	}

	rpcErr = ts.call(t, "offers_respond", map[string]string{"id": created.ID, "from": "2002", "kind": "shrug"}, nil)
	if rpcErr == nil || rpcErr.Code != InvalidParams {
		t.Errorf("respond with bad kind error = %+v, want code %d", rpcErr, InvalidParams)
	}

	var declined offerResult
	if rpcErr := ts.call(t, "offers_respond", map[string]string{"id": created.ID, "from": "2002", "kind": "decline"}, &declined); rpcErr != nil {
		t.Fatalf("decline error = %+v", rpcErr)
	}
	if declined.Status != "cancelled" {
		t.Errorf("Status = %s, want cancelled", declined.Status)
	}

	var got offerResult
	if rpcErr := ts.call(t, "offers_get", map[string]string{"id": created.ID}, &got); rpcErr != nil {
		t.Fatalf("offers_get error = %+v", rpcErr)
	}
	if !got.Archived || got.Status != "cancelled" {
		t.Errorf("offers_get = %+v, want archived cancelled offer", got)
	}

	var archived struct {
		Count int `json:"count"`
	}
	if rpcErr := ts.call(t, "offers_archived", map[string]int{"limit": 10}, &archived); rpcErr != nil {
		t.Fatalf("offers_archived error = %+v", rpcErr)
	}
	if archived.Count != 1 {
		t.Errorf("offers_archived count = %d, want 1", archived.Count)
	}

	rpcErr = ts.call(t, "offers_archived", map[string]int{"limit": 1000}, nil)
	if rpcErr == nil || rpcErr.Code != InvalidParams {
		t.Errorf("offers_archived(limit 1000) error = %+v, want code %d", rpcErr, InvalidParams)
	}
}

func TestOffersCancel(t *testing.T) {
	ts := newTestServer(t)

	var created offerResult
	if rpcErr := ts.call(t, "offers_create", createParams(), &created); rpcErr != nil {
		t.Fatalf("offers_create error = %+v", rpcErr)
	}

	rpcErr := ts.call(t, "offers_cancel", map[string]string{"id": created.ID, "by": "3003"}, nil)
	if rpcErr == nil || rpcErr.Code != Unauthorized {
		t.Errorf("cancel by outsider error = %+v, want code %d", rpcErr, Unauthorized)
	}

	var cancelled offerResult
	if rpcErr := ts.call(t, "offers_cancel", map[string]string{"id": created.ID, "by": "1001"}, &cancelled); rpcErr != nil {
		t.Fatalf("offers_cancel error = %+v", rpcErr)
	}
	if cancelled.Status != "cancelled" || !cancelled.Archived {
		t.Errorf("offers_cancel = %+v", cancelled)
	}
}

func TestEscrowMethods(t *testing.T) {
	ts := newTestServer(t)

	var quote InsuranceQuoteResult
	if rpcErr := ts.call(t, "escrow_insuranceQuote", map[string]string{"asset": "GOLOS", "amount": "80"}, &quote); rpcErr != nil {
		t.Fatalf("escrow_insuranceQuote error = %+v", rpcErr)
	}
	if quote.Insured.String() != "50" || quote.Uninsured.String() != "30" {
		t.Errorf("quote = %s insured, %s uninsured, want 50 and 30", quote.Insured, quote.Uninsured)
	}

	rpcErr := ts.call(t, "escrow_insuranceQuote", map[string]string{"asset": "XLM", "amount": "1"}, nil)
	if rpcErr == nil || rpcErr.Code != NoAdapter {
		t.Errorf("quote for unknown asset error = %+v, want code %d", rpcErr, NoAdapter)
	}

	var queue QueueResult
	if rpcErr := ts.call(t, "escrow_queue", map[string]string{"chain": "GOLOS"}, &queue); rpcErr != nil {
		t.Fatalf("escrow_queue error = %+v", rpcErr)
	}
	if queue.Count != 0 {
		t.Errorf("queue count = %d, want 0", queue.Count)
	}

	var chains ChainsListResult
	if rpcErr := ts.call(t, "chains_list", nil, &chains); rpcErr != nil {
		t.Fatalf("chains_list error = %+v", rpcErr)
	}
	if chains.Count != 1 || !chains.Chains[0].Connected || chains.Chains[0].ServiceAddress != "escrow" {
		t.Errorf("chains_list = %+v", chains)
	}

	var status NodeStatusResult
	if rpcErr := ts.call(t, "node_status", nil, &status); rpcErr != nil {
		t.Fatalf("node_status error = %+v", rpcErr)
	}
	if !status.Running || status.ChainsConnected != 1 || status.Version != Version {
		t.Errorf("node_status = %+v", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	if rpcErr := ts.call(t, "offers_create", createParams(), nil); rpcErr != nil {
		t.Fatalf("offers_create error = %+v", rpcErr)
	}

	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "escrowd_offers_created_total 1") {
		t.Errorf("metrics missing offers_created_total:\n%s", body)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.http.URL+"/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %s, want http://localhost:3000", got)
	}
}

func TestHubDeliver(t *testing.T) {
	ts := newTestServer(t)

	msg := &notify.Message{
		ID:      "m1",
		OfferID: "o1",
		Party:   "1001",
		Kind:    "transfer_confirmed",
		Payload: json.RawMessage(`{"amount":"99.75"}`),
		Time:    time.Unix(1700000000, 0),
	}
	if err := ts.hub.Deliver(context.Background(), msg); !errors.Is(err, notify.ErrNotAddressable) {
		t.Fatalf("Deliver() without subscribers error = %v, want ErrNotAddressable", err)
	}

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws?party=1001"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for ts.hub.Subscribers("1001") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := ts.hub.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event WSEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if event.Type != "transfer_confirmed" || event.OfferID != "o1" || event.Party != "1001" {
		t.Errorf("event = %+v", event)
	}
	if event.Timestamp != 1700000000 {
		t.Errorf("Timestamp = %d, want 1700000000", event.Timestamp)
	}
	if !strings.Contains(string(event.Data), "99.75") {
		t.Errorf("Data = %s", event.Data)
	}

	if err := conn.WriteJSON(&WSSubscription{Action: "unsubscribe", Parties: []string{"1001"}}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for ts.hub.Subscribers("1001") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unsubscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
