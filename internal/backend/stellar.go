package backend

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"

	"github.com/Klingon-tech/escrowd/pkg/logging"
)

const (
	stellarPageLimit   = 200
	stellarMaxBackfill = 20
	stellarPrecision   = 7
	stellarNative      = "XLM"
	// maxTextMemo is the byte limit of a Stellar MEMO_TEXT.
	maxTextMemo = 28
)

// StellarAdapter watches payments to the service account through Horizon.
// Ledgers are final once closed.
type StellarAdapter struct {
	base
	log        *logging.Logger
	passphrase string

	mu     sync.RWMutex
	client *horizonclient.Client
	key    *keypair.Full
}

// NewStellarAdapter creates a Stellar adapter. Network "testnet" selects the
// test network passphrase.
func NewStellarAdapter(chain string, cfg *Config) *StellarAdapter {
	passphrase := network.PublicNetworkPassphrase
	if strings.EqualFold(cfg.Network, "testnet") {
		passphrase = network.TestNetworkPassphrase
	}
	return &StellarAdapter{
		base:       newBase(chain, cfg),
		log:        logging.GetDefault().Component(strings.ToLower(chain)),
		passphrase: passphrase,
	}
}

// Type returns TypeStellar.
func (s *StellarAdapter) Type() Type { return TypeStellar }

// Connect checks Horizon is reachable and loads the signing seed.
func (s *StellarAdapter) Connect(ctx context.Context) error {
	client := &horizonclient.Client{
		HorizonURL: s.cfg.Endpoint,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
	root, err := client.Root()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnection, s.chain, err)
	}
	if root.NetworkPassphrase != "" && root.NetworkPassphrase != s.passphrase {
		return fmt.Errorf("%w: %s: horizon serves %q", ErrConnection, s.chain, root.NetworkPassphrase)
	}

	var key *keypair.Full
	if seed := s.cfg.signingKey(); seed != "" {
		key, err = keypair.ParseFull(seed)
		if err != nil {
			return fmt.Errorf("%s: invalid signing seed: %w", s.chain, err)
		}
		if key.Address() != s.cfg.ServiceAddress {
			return fmt.Errorf("%s: signing key %s does not match service address", s.chain, key.Address())
		}
	}

	s.mu.Lock()
	s.client = client
	s.key = key
	s.mu.Unlock()

	s.log.Info("Connected", "ledger", root.HorizonSequence, "signing", key != nil)
	return nil
}

// Close drops the Horizon client.
func (s *StellarAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	return nil
}

func (s *StellarAdapter) horizon() (*horizonclient.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// NormalizeAddress validates a G... account address.
func (s *StellarAdapter) NormalizeAddress(addr string) (string, error) {
	kp, err := keypair.ParseAddress(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("invalid account %q: %w", addr, err)
	}
	return kp.Address(), nil
}

// EncodeMemo keeps memos that fit MEMO_TEXT and hashes longer ones.
func (s *StellarAdapter) EncodeMemo(memo string) string {
	if len(memo) <= maxTextMemo {
		return memo
	}
	sum := sha256.Sum256([]byte(memo))
	return hex.EncodeToString(sum[:])
}

func (s *StellarAdapter) txMemo(memo string) txnbuild.Memo {
	if memo == "" {
		return nil
	}
	if len(memo) <= maxTextMemo {
		return txnbuild.MemoText(memo)
	}
	return txnbuild.MemoHash(sha256.Sum256([]byte(memo)))
}

// IsFinalized checks that the transaction closed successfully.
func (s *StellarAdapter) IsFinalized(ctx context.Context, blockHeight uint64, op *Operation) (bool, error) {
	client, err := s.horizon()
	if err != nil {
		return false, err
	}
	tx, err := client.TransactionDetail(op.TxID)
	if err != nil {
		if hErr, ok := err.(*horizonclient.Error); ok && hErr.Problem.Status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return tx.Successful && uint64(tx.Ledger) >= blockHeight, nil
}

func (s *StellarAdapter) payments(client *horizonclient.Client, cursor string, order horizonclient.Order) ([]operations.Operation, error) {
	page, err := client.Payments(horizonclient.OperationRequest{
		ForAccount: s.cfg.ServiceAddress,
		Cursor:     cursor,
		Order:      order,
		Limit:      stellarPageLimit,
		Join:       "transactions",
	})
	if err != nil {
		return nil, err
	}
	return page.Embedded.Records, nil
}

// startCursor pages backwards until it reaches a payment older than since
// and returns its paging token.
func (s *StellarAdapter) startCursor(client *horizonclient.Client, since time.Time) (string, error) {
	cursor := "now"
	if since.IsZero() {
		return cursor, nil
	}
	desc := ""
	for i := 0; i < stellarMaxBackfill; i++ {
		records, err := s.payments(client, desc, horizonclient.OrderDesc)
		if err != nil {
			return "", err
		}
		for _, rec := range records {
			if p, ok := asPayment(rec); ok && p.LedgerCloseTime.Before(since) {
				return rec.PagingToken(), nil
			}
			desc = rec.PagingToken()
		}
		if len(records) < stellarPageLimit {
			return "", nil
		}
	}
	s.log.Warn("Backfill limit reached", "since", since)
	return desc, nil
}

func asPayment(rec operations.Operation) (*operations.Payment, bool) {
	switch p := rec.(type) {
	case operations.Payment:
		return &p, true
	case *operations.Payment:
		return p, true
	}
	return nil, false
}

// Watch polls Horizon payments for the service account.
func (s *StellarAdapter) Watch(ctx context.Context, since time.Time) (<-chan Observation, error) {
	client, err := s.horizon()
	if err != nil {
		return nil, err
	}
	cursor, err := s.startCursor(client, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, s.chain, err)
	}
	s.log.Debug("Watch started", "cursor", cursor)

	fetch := func(ctx context.Context) ([]Observation, error) {
		var out []Observation
		for ctx.Err() == nil {
			records, err := s.payments(client, cursor, horizonclient.OrderAsc)
			if err != nil {
				return out, err
			}
			for _, rec := range records {
				cursor = rec.PagingToken()
				if obs, ok := s.parsePayment(rec); ok {
					out = append(out, obs)
				}
			}
			if len(records) < stellarPageLimit {
				break
			}
		}
		return out, nil
	}

	return pollWatch(ctx, s.log, s.chain, s.pollInterval(), fetch), nil
}

func (s *StellarAdapter) parsePayment(rec operations.Operation) (Observation, bool) {
	p, ok := asPayment(rec)
	if !ok || !p.TransactionSuccessful || p.To != s.cfg.ServiceAddress {
		return Observation{}, false
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		s.log.Warn("Malformed payment amount", "op", p.ID, "amount", p.Amount)
		return Observation{}, false
	}

	asset := stellarNative
	if p.Asset.Type != "native" {
		asset = p.Asset.Code
	}

	var memo string
	var ledger uint64
	if tx := p.Transaction; tx != nil {
		memo = decodeStellarMemo(tx.MemoType, tx.Memo)
		ledger = uint64(tx.Ledger)
	}

	return Observation{
		Operation: Operation{
			ID:        p.ID,
			TxID:      p.TransactionHash,
			From:      p.From,
			To:        p.To,
			Asset:     asset,
			Amount:    amount,
			Memo:      memo,
			Timestamp: p.LedgerCloseTime.UTC(),
		},
		BlockHeight: ledger,
	}, true
}

// decodeStellarMemo returns text memos as is and hash memos as hex.
func decodeStellarMemo(memoType, memo string) string {
	switch memoType {
	case "text":
		return memo
	case "hash", "return":
		raw, err := base64.StdEncoding.DecodeString(memo)
		if err != nil {
			return memo
		}
		return hex.EncodeToString(raw)
	case "id":
		return memo
	default:
		return ""
	}
}

func (s *StellarAdapter) txnAsset(asset string) (txnbuild.Asset, error) {
	sym := BaseAsset(asset)
	ac, ok := s.asset(sym)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownAsset, asset, s.chain)
	}
	if sym == stellarNative && ac.Issuer == "" {
		return txnbuild.NativeAsset{}, nil
	}
	return txnbuild.CreditAsset{Code: sym, Issuer: ac.Issuer}, nil
}

// Transfer submits a signed payment from the service account.
func (s *StellarAdapter) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (*TxRef, error) {
	client, err := s.horizon()
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
	txAsset, err := s.txnAsset(asset)
	if err != nil {
		return nil, err
	}

	account, err := client.AccountDetail(horizonclient.AccountRequest{AccountID: key.Address()})
	if err != nil {
		return nil, fmt.Errorf("%w: load account: %v", ErrTransfer, err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Memo:                 s.txMemo(memo),
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: to,
				Amount:      amount.Truncate(stellarPrecision).StringFixed(stellarPrecision),
				Asset:       txAsset,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: build: %v", ErrTransfer, err)
	}
	tx, err = tx.Sign(s.passphrase, key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrTransfer, err)
	}

	resp, err := client.SubmitTransaction(tx)
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %v", ErrTransfer, err)
	}

	s.log.Info("Transfer submitted", "to", to, "amount", amount, "tx", resp.Hash)
	return &TxRef{
		TxID:        resp.Hash,
		BlockHeight: uint64(resp.Ledger),
		URL:         s.TxURL(resp.Hash),
	}, nil
}

var (
	_ Adapter           = (*StellarAdapter)(nil)
	_ MemoEncoder       = (*StellarAdapter)(nil)
	_ AddressNormalizer = (*StellarAdapter)(nil)
)
