// Package backend provides the chain adapters the escrow engine uses to
// watch the service address, wait for finality and send release or refund
// transfers. Chain-specific wire encoding and signing stay behind the
// Adapter interface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Common errors
var (
	ErrConnection      = errors.New("chain node unreachable")
	ErrTransfer        = errors.New("transfer failed")
	ErrNotConnected    = errors.New("adapter not connected")
	ErrNoSigningKey    = errors.New("adapter has no signing key")
	ErrUnknownAsset    = errors.New("asset not supported by adapter")
	ErrUnsupportedType = errors.New("unsupported adapter type")
)

// Type represents the adapter implementation.
type Type string

const (
	TypeGolos   Type = "golos"   // Graphene JSON-RPC node + cli_wallet
	TypeEVM     Type = "evm"     // Ethereum-compatible node
	TypeStellar Type = "stellar" // Horizon API
	TypeSolana  Type = "solana"  // Solana JSON-RPC
)

// Operation is a transfer observed on chain.
type Operation struct {
	// ID uniquely identifies the operation within its chain.
	ID        string          `json:"id"`
	TxID      string          `json:"tx_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo"`
	Timestamp time.Time       `json:"timestamp"`
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %s %s -> %s", op.Amount, op.Asset, op.From, op.To)
}

// Observation is an operation together with the block that included it.
type Observation struct {
	Operation
	BlockHeight uint64 `json:"block_height"`
}

// TxRef references a transaction broadcast by an adapter.
type TxRef struct {
	TxID        string `json:"tx_id"`
	BlockHeight uint64 `json:"block_height,omitempty"`
	URL         string `json:"url,omitempty"`
}

// InsuranceLimits caps the insured amount for one asset.
type InsuranceLimits struct {
	Single decimal.Decimal `json:"single" yaml:"single"`
	Total  decimal.Decimal `json:"total" yaml:"total"`
}

// Adapter is the per-chain capability the escrow engine consumes.
type Adapter interface {
	// Chain returns the registry key, e.g. "GOLOS".
	Chain() string
	Type() Type

	// Connect verifies the node is reachable. Failures wrap ErrConnection.
	Connect(ctx context.Context) error
	Close() error

	// ServiceAddress is the custodial address incoming transfers go to.
	ServiceAddress() string
	Assets() []string
	Precision(asset string) int32
	InsuranceLimits(asset string) (InsuranceLimits, bool)

	// Transfer sends amount of asset to the given address. Failures wrap
	// ErrTransfer.
	Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (*TxRef, error)

	// IsFinalized reports whether op, included at blockHeight, is
	// irreversible.
	IsFinalized(ctx context.Context, blockHeight uint64, op *Operation) (bool, error)

	// Watch streams operations addressed to the service address, starting
	// with history at or after since. The channel closes when ctx ends.
	Watch(ctx context.Context, since time.Time) (<-chan Observation, error)

	// TxURL returns an explorer link for a transaction, or "".
	TxURL(txID string) string
}

// MemoEncoder is implemented by adapters whose memo field cannot carry an
// arbitrary string. The engine expects the encoded form on chain.
type MemoEncoder interface {
	EncodeMemo(memo string) string
}

// EncodeMemo returns the on-chain form of memo for an adapter.
func EncodeMemo(a Adapter, memo string) string {
	if enc, ok := a.(MemoEncoder); ok {
		return enc.EncodeMemo(memo)
	}
	return memo
}

// AddressNormalizer is implemented by adapters whose addresses have more
// than one textual form.
type AddressNormalizer interface {
	NormalizeAddress(addr string) (string, error)
}

// NormalizeAddress validates addr and returns its canonical form.
func NormalizeAddress(a Adapter, addr string) (string, error) {
	if n, ok := a.(AddressNormalizer); ok {
		return n.NormalizeAddress(addr)
	}
	return addr, nil
}
