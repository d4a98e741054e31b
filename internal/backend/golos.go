package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/pkg/helpers"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

const (
	golosBlockInterval    = 3 * time.Second
	golosMaxBlocksPerPoll = 200
	golosTimeLayout       = "2006-01-02T15:04:05"
)

// GolosAdapter talks to a Graphene node through the "call" JSON-RPC method
// and signs transfers through a cli_wallet instance.
type GolosAdapter struct {
	base
	node   *rpcClient
	wallet *rpcClient
	log    *logging.Logger

	mu        sync.RWMutex
	connected bool
}

// NewGolosAdapter creates a GOLOS adapter.
func NewGolosAdapter(chain string, cfg *Config) *GolosAdapter {
	g := &GolosAdapter{
		base: newBase(chain, cfg),
		node: newRPCClient(cfg.Endpoint),
		log:  logging.GetDefault().Component(strings.ToLower(chain)),
	}
	if cfg.WalletEndpoint != "" {
		g.wallet = newRPCClient(cfg.WalletEndpoint)
	}
	return g
}

// Type returns TypeGolos.
func (g *GolosAdapter) Type() Type { return TypeGolos }

type golosTime time.Time

func (t *golosTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseInLocation(golosTimeLayout, s, time.UTC)
	if err != nil {
		return err
	}
	*t = golosTime(parsed)
	return nil
}

type golosGlobalProperties struct {
	HeadBlockNumber          uint64    `json:"head_block_number"`
	LastIrreversibleBlockNum uint64    `json:"last_irreversible_block_num"`
	Time                     golosTime `json:"time"`
}

type golosAppliedOp struct {
	TrxID     string             `json:"trx_id"`
	Block     uint64             `json:"block"`
	OpInTrx   int                `json:"op_in_trx"`
	Timestamp golosTime          `json:"timestamp"`
	Op        [2]json.RawMessage `json:"op"`
}

type golosTransfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

func (g *GolosAdapter) api(ctx context.Context, api, method string, args []interface{}, out interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	return g.node.callInto(ctx, "call", []interface{}{api, method, args}, out)
}

func (g *GolosAdapter) globalProperties(ctx context.Context) (*golosGlobalProperties, error) {
	var dgp golosGlobalProperties
	if err := g.api(ctx, "database_api", "get_dynamic_global_properties", nil, &dgp); err != nil {
		return nil, err
	}
	return &dgp, nil
}

// Connect checks the node answers get_dynamic_global_properties.
func (g *GolosAdapter) Connect(ctx context.Context) error {
	dgp, err := g.globalProperties(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnection, g.chain, err)
	}

	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()

	g.log.Info("Connected", "head", dgp.HeadBlockNumber, "irreversible", dgp.LastIrreversibleBlockNum)
	return nil
}

// Close marks the adapter disconnected.
func (g *GolosAdapter) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

func (g *GolosAdapter) isConnected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.connected
}

// NormalizeAddress lowercases an account name.
func (g *GolosAdapter) NormalizeAddress(addr string) (string, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if len(addr) < 3 || len(addr) > 16 {
		return "", fmt.Errorf("invalid account name %q", addr)
	}
	return addr, nil
}

// IsFinalized reports whether blockHeight is at or below the last
// irreversible block.
func (g *GolosAdapter) IsFinalized(ctx context.Context, blockHeight uint64, op *Operation) (bool, error) {
	dgp, err := g.globalProperties(ctx)
	if err != nil {
		return false, err
	}
	return dgp.LastIrreversibleBlockNum >= blockHeight, nil
}

// startBlock estimates the first block produced at or after since.
func startBlock(dgp *golosGlobalProperties, since time.Time) uint64 {
	head := time.Time(dgp.Time)
	if since.IsZero() || !since.Before(head) {
		return dgp.HeadBlockNumber
	}
	back := uint64((head.Sub(since) + golosBlockInterval - 1) / golosBlockInterval)
	if back >= dgp.HeadBlockNumber {
		return 1
	}
	return dgp.HeadBlockNumber - back
}

// Watch follows blocks from the estimated height at since and emits
// transfers to the service account.
func (g *GolosAdapter) Watch(ctx context.Context, since time.Time) (<-chan Observation, error) {
	if !g.isConnected() {
		return nil, ErrNotConnected
	}
	dgp, err := g.globalProperties(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, g.chain, err)
	}

	next := startBlock(dgp, since)
	g.log.Debug("Watch started", "from_block", next)

	fetch := func(ctx context.Context) ([]Observation, error) {
		dgp, err := g.globalProperties(ctx)
		if err != nil {
			return nil, err
		}

		var out []Observation
		last := dgp.HeadBlockNumber
		if last >= next+golosMaxBlocksPerPoll {
			last = next + golosMaxBlocksPerPoll - 1
		}
		for n := next; n <= last; n++ {
			var ops []golosAppliedOp
			if err := g.api(ctx, "operation_history", "get_ops_in_block", []interface{}{n, false}, &ops); err != nil {
				return out, err
			}
			for _, op := range ops {
				if obs, ok := g.parseTransfer(op); ok {
					out = append(out, obs)
				}
			}
			next = n + 1
		}
		return out, nil
	}

	return pollWatch(ctx, g.log, g.chain, g.pollInterval(), fetch), nil
}

func (g *GolosAdapter) parseTransfer(op golosAppliedOp) (Observation, bool) {
	var name string
	if err := json.Unmarshal(op.Op[0], &name); err != nil || name != "transfer" {
		return Observation{}, false
	}
	var tr golosTransfer
	if err := json.Unmarshal(op.Op[1], &tr); err != nil {
		g.log.Warn("Malformed transfer", "trx", op.TrxID, "error", err)
		return Observation{}, false
	}
	if tr.To != g.cfg.ServiceAddress {
		return Observation{}, false
	}
	amount, asset, err := parseGolosAmount(tr.Amount)
	if err != nil {
		g.log.Warn("Malformed transfer amount", "trx", op.TrxID, "amount", tr.Amount)
		return Observation{}, false
	}

	return Observation{
		Operation: Operation{
			ID:        fmt.Sprintf("%s/%d", op.TrxID, op.OpInTrx),
			TxID:      op.TrxID,
			From:      tr.From,
			To:        tr.To,
			Asset:     asset,
			Amount:    amount,
			Memo:      tr.Memo,
			Timestamp: time.Time(op.Timestamp),
		},
		BlockHeight: op.Block,
	}, true
}

// parseGolosAmount splits "95.000 GOLOS" into amount and symbol.
func parseGolosAmount(s string) (decimal.Decimal, string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return decimal.Zero, "", fmt.Errorf("invalid asset amount %q", s)
	}
	amount, err := decimal.NewFromString(fields[0])
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("invalid asset amount %q: %w", s, err)
	}
	return amount, fields[1], nil
}

func formatGolosAmount(amount decimal.Decimal, asset string, precision int32) string {
	return helpers.FormatFixed(amount, precision) + " " + BaseAsset(asset)
}

// Transfer broadcasts a transfer through cli_wallet.
func (g *GolosAdapter) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (*TxRef, error) {
	if g.wallet == nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, ErrNoSigningKey)
	}
	ac, err := g.checkAmount(asset, amount)
	if err != nil {
		return nil, err
	}

	params := []interface{}{
		g.cfg.ServiceAddress,
		to,
		formatGolosAmount(amount, asset, ac.Precision),
		memo,
		true,
	}
	var result struct {
		TransactionID string `json:"transaction_id"`
		BlockNum      uint64 `json:"block_num"`
	}
	if err := g.wallet.callInto(ctx, "transfer", params, &result); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransfer, g.chain, err)
	}

	g.log.Info("Transfer broadcast", "to", to, "amount", params[2], "trx", result.TransactionID)
	return &TxRef{
		TxID:        result.TransactionID,
		BlockHeight: result.BlockNum,
		URL:         g.TxURL(result.TransactionID),
	}, nil
}

var (
	_ Adapter           = (*GolosAdapter)(nil)
	_ AddressNormalizer = (*GolosAdapter)(nil)
)
