package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/pkg/helpers"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

const (
	solanaDecimals      = 9
	solanaNative        = "SOL"
	solanaSignaturePage = 1000
)

// SolanaAdapter watches system transfers to the service account. The memo
// is carried by an spl-memo instruction in the same transaction.
type SolanaAdapter struct {
	base
	log     *logging.Logger
	service sol.PublicKey

	mu     sync.RWMutex
	client *rpc.Client
	key    *sol.PrivateKey
}

// NewSolanaAdapter creates a Solana adapter.
func NewSolanaAdapter(chain string, cfg *Config) *SolanaAdapter {
	s := &SolanaAdapter{
		base: newBase(chain, cfg),
		log:  logging.GetDefault().Component(strings.ToLower(chain)),
	}
	if pk, err := sol.PublicKeyFromBase58(cfg.ServiceAddress); err == nil {
		s.service = pk
	}
	return s
}

// Type returns TypeSolana.
func (s *SolanaAdapter) Type() Type { return TypeSolana }

// Connect checks the RPC node and loads the signing key if configured.
func (s *SolanaAdapter) Connect(ctx context.Context) error {
	if s.service.IsZero() {
		return fmt.Errorf("%s: invalid service address %q", s.chain, s.cfg.ServiceAddress)
	}
	client := rpc.New(s.cfg.Endpoint)
	slot, err := client.GetSlot(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnection, s.chain, err)
	}

	var key *sol.PrivateKey
	if b58 := s.cfg.signingKey(); b58 != "" {
		pk, err := sol.PrivateKeyFromBase58(b58)
		if err != nil {
			return fmt.Errorf("%s: invalid signing key: %w", s.chain, err)
		}
		if !pk.PublicKey().Equals(s.service) {
			return fmt.Errorf("%s: signing key %s does not match service address", s.chain, pk.PublicKey())
		}
		key = &pk
	}

	s.mu.Lock()
	s.client = client
	s.key = key
	s.mu.Unlock()

	s.log.Info("Connected", "slot", slot, "signing", key != nil)
	return nil
}

// Close closes the RPC client.
func (s *SolanaAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

func (s *SolanaAdapter) rpcClient() (*rpc.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// NormalizeAddress validates a base58 public key.
func (s *SolanaAdapter) NormalizeAddress(addr string) (string, error) {
	pk, err := sol.PublicKeyFromBase58(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return pk.String(), nil
}

// IsFinalized checks the signature status reached finalized commitment.
func (s *SolanaAdapter) IsFinalized(ctx context.Context, blockHeight uint64, op *Operation) (bool, error) {
	client, err := s.rpcClient()
	if err != nil {
		return false, err
	}
	sig, err := sol.SignatureFromBase58(op.TxID)
	if err != nil {
		return false, fmt.Errorf("invalid signature %q: %w", op.TxID, err)
	}
	res, err := client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return false, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil
	}
	st := res.Value[0]
	return st.Err == nil && st.ConfirmationStatus == rpc.ConfirmationStatusFinalized, nil
}

type solanaParsedTx struct {
	Slot        uint64 `json:"slot"`
	BlockTime   *int64 `json:"blockTime"`
	Transaction struct {
		Message struct {
			Instructions []solanaParsedInstruction `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
	Meta *struct {
		Err interface{} `json:"err"`
	} `json:"meta"`
}

type solanaParsedInstruction struct {
	Program string          `json:"program"`
	Parsed  json.RawMessage `json:"parsed"`
}

type solanaSystemTransfer struct {
	Type string `json:"type"`
	Info struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
		Lamports    uint64 `json:"lamports"`
	} `json:"info"`
}

func (s *SolanaAdapter) getTransaction(ctx context.Context, client *rpc.Client, sig sol.Signature) (*solanaParsedTx, error) {
	var out *solanaParsedTx
	params := []interface{}{
		sig.String(),
		rpc.M{
			"encoding":                       sol.EncodingJSONParsed,
			"commitment":                     rpc.CommitmentConfirmed,
			"maxSupportedTransactionVersion": 0,
		},
	}
	if err := client.RPCCallForInto(ctx, &out, "getTransaction", params); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, rpc.ErrNotFound
	}
	return out, nil
}

// parseSolanaTransfers extracts system transfers to service, sharing the
// transaction's memo.
func parseSolanaTransfers(sig string, tx *solanaParsedTx, service string) []Observation {
	if tx.Meta != nil && tx.Meta.Err != nil {
		return nil
	}
	var memo string
	for _, ix := range tx.Transaction.Message.Instructions {
		if ix.Program == "spl-memo" {
			_ = json.Unmarshal(ix.Parsed, &memo)
		}
	}
	var ts time.Time
	if tx.BlockTime != nil {
		ts = time.Unix(*tx.BlockTime, 0).UTC()
	}

	var out []Observation
	for i, ix := range tx.Transaction.Message.Instructions {
		if ix.Program != "system" {
			continue
		}
		var tr solanaSystemTransfer
		if err := json.Unmarshal(ix.Parsed, &tr); err != nil || tr.Type != "transfer" {
			continue
		}
		if tr.Info.Destination != service || tr.Info.Lamports == 0 {
			continue
		}
		out = append(out, Observation{
			Operation: Operation{
				ID:        fmt.Sprintf("%s:%d", sig, i),
				TxID:      sig,
				From:      tr.Info.Source,
				To:        tr.Info.Destination,
				Asset:     solanaNative,
				Amount:    helpers.FromUint64Units(tr.Info.Lamports, solanaDecimals),
				Memo:      memo,
				Timestamp: ts,
			},
			BlockHeight: tx.Slot,
		})
	}
	return out
}

// Watch polls signatures for the service account, oldest first.
func (s *SolanaAdapter) Watch(ctx context.Context, since time.Time) (<-chan Observation, error) {
	client, err := s.rpcClient()
	if err != nil {
		return nil, err
	}

	var until sol.Signature
	first := true

	fetch := func(ctx context.Context) ([]Observation, error) {
		limit := solanaSignaturePage
		sigs, err := client.GetSignaturesForAddressWithOpts(ctx, s.service, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Until:      until,
			Commitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return nil, err
		}

		var out []Observation
		// Newest first; walk backwards so observations follow chain order.
		for i := len(sigs) - 1; i >= 0; i-- {
			ts := sigs[i]
			if first && ts.BlockTime != nil && ts.BlockTime.Time().Before(since) {
				until = ts.Signature
				continue
			}
			if ts.Err != nil {
				until = ts.Signature
				continue
			}
			tx, err := s.getTransaction(ctx, client, ts.Signature)
			if err != nil {
				if errors.Is(err, rpc.ErrNotFound) {
					// Not yet visible at this commitment; retry next tick.
					return out, nil
				}
				return out, err
			}
			out = append(out, parseSolanaTransfers(ts.Signature.String(), tx, s.service.String())...)
			until = ts.Signature
		}
		first = false
		return out, nil
	}

	return pollWatch(ctx, s.log, s.chain, s.pollInterval(), fetch), nil
}

// Transfer sends lamports with a memo instruction.
func (s *SolanaAdapter) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (*TxRef, error) {
	client, err := s.rpcClient()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, ErrNoSigningKey)
	}
	if _, err := s.checkAmount(asset, amount); err != nil {
		return nil, err
	}
	dest, err := sol.PublicKeyFromBase58(to)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid destination %q", ErrTransfer, to)
	}
	lamports, err := helpers.ToBaseUnits(amount, solanaDecimals)
	if err != nil || !lamports.IsUint64() {
		return nil, fmt.Errorf("%w: invalid amount %s", ErrTransfer, amount)
	}

	recent, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("%w: blockhash: %v", ErrTransfer, err)
	}

	instructions := []sol.Instruction{
		system.NewTransferInstruction(lamports.Uint64(), s.service, dest).Build(),
	}
	if memo != "" {
		instructions = append(instructions, sol.NewInstruction(sol.MemoProgramID, sol.AccountMetaSlice{}, []byte(memo)))
	}

	tx, err := sol.NewTransaction(instructions, recent.Value.Blockhash, sol.TransactionPayer(s.service))
	if err != nil {
		return nil, fmt.Errorf("%w: build: %v", ErrTransfer, err)
	}
	if _, err := tx.Sign(func(pk sol.PublicKey) *sol.PrivateKey {
		if pk.Equals(s.service) {
			return key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrTransfer, err)
	}

	sig, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: send: %v", ErrTransfer, err)
	}

	s.log.Info("Transfer sent", "to", to, "amount", amount, "sig", sig.String())
	return &TxRef{TxID: sig.String(), URL: s.TxURL(sig.String())}, nil
}

var (
	_ Adapter           = (*SolanaAdapter)(nil)
	_ AddressNormalizer = (*SolanaAdapter)(nil)
)
