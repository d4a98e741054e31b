package backend

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/pkg/helpers"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

const (
	evmDecimals             = 18
	evmDefaultConfirmations = 12
	evmMaxBlocksPerPoll     = 100
)

// EVMAdapter watches native coin transfers on an Ethereum-compatible chain.
// The memo travels as UTF-8 transaction data.
type EVMAdapter struct {
	base
	log *logging.Logger

	mu      sync.RWMutex
	client  *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	service common.Address
	native  string
}

// NewEVMAdapter creates an EVM adapter. The first configured asset is the
// native coin.
func NewEVMAdapter(chain string, cfg *Config) *EVMAdapter {
	c := *cfg
	if common.IsHexAddress(c.ServiceAddress) {
		c.ServiceAddress = common.HexToAddress(c.ServiceAddress).Hex()
	}
	e := &EVMAdapter{
		base:    newBase(chain, &c),
		log:     logging.GetDefault().Component(strings.ToLower(chain)),
		service: common.HexToAddress(c.ServiceAddress),
	}
	if assets := e.Assets(); len(assets) > 0 {
		e.native = assets[0]
	}
	return e
}

// Type returns TypeEVM.
func (e *EVMAdapter) Type() Type { return TypeEVM }

// Connect dials the node and loads the signing key if configured.
func (e *EVMAdapter) Connect(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, e.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnection, e.chain, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: %s: %v", ErrConnection, e.chain, err)
	}

	var key *ecdsa.PrivateKey
	if hexKey := e.cfg.signingKey(); hexKey != "" {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			client.Close()
			return fmt.Errorf("%s: invalid signing key: %w", e.chain, err)
		}
		if addr := crypto.PubkeyToAddress(key.PublicKey); addr != e.service {
			client.Close()
			return fmt.Errorf("%s: signing key address %s does not match service address %s", e.chain, addr.Hex(), e.service.Hex())
		}
	}

	e.mu.Lock()
	e.client = client
	e.chainID = chainID
	e.key = key
	e.mu.Unlock()

	e.log.Info("Connected", "chain_id", chainID, "signing", key != nil)
	return nil
}

// Close closes the node connection.
func (e *EVMAdapter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	return nil
}

func (e *EVMAdapter) conn() (*ethclient.Client, *big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.client == nil {
		return nil, nil, ErrNotConnected
	}
	return e.client, e.chainID, nil
}

// NormalizeAddress returns the EIP-55 checksummed form.
func (e *EVMAdapter) NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

func (e *EVMAdapter) confirmations() uint64 {
	if e.cfg.Confirmations > 0 {
		return e.cfg.Confirmations
	}
	return evmDefaultConfirmations
}

// IsFinalized requires the configured confirmation depth and a successful
// receipt in the same block.
func (e *EVMAdapter) IsFinalized(ctx context.Context, blockHeight uint64, op *Operation) (bool, error) {
	client, _, err := e.conn()
	if err != nil {
		return false, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	if head < blockHeight || head-blockHeight < e.confirmations() {
		return false, nil
	}

	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(op.TxID))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}
	return receipt.BlockNumber != nil && receipt.BlockNumber.Uint64() == blockHeight, nil
}

// blockAtTime finds the first block with a timestamp at or after since.
func (e *EVMAdapter) blockAtTime(ctx context.Context, client *ethclient.Client, head uint64, since time.Time) (uint64, error) {
	if since.IsZero() {
		return head, nil
	}
	target := uint64(since.Unix())
	lo, hi := uint64(0), head
	for lo < hi {
		mid := lo + (hi-lo)/2
		h, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, err
		}
		if h.Time < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Watch scans blocks for native transfers to the service address.
func (e *EVMAdapter) Watch(ctx context.Context, since time.Time) (<-chan Observation, error) {
	client, chainID, err := e.conn()
	if err != nil {
		return nil, err
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, e.chain, err)
	}
	next, err := e.blockAtTime(ctx, client, head, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, e.chain, err)
	}
	signer := types.LatestSignerForChainID(chainID)
	e.log.Debug("Watch started", "from_block", next)

	fetch := func(ctx context.Context) ([]Observation, error) {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}

		var out []Observation
		last := head
		if last >= next+evmMaxBlocksPerPoll {
			last = next + evmMaxBlocksPerPoll - 1
		}
		for n := next; n <= last; n++ {
			block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
			if err != nil {
				return out, err
			}
			obs, err := e.scanBlock(ctx, client, signer, block)
			if err != nil {
				return out, err
			}
			out = append(out, obs...)
			next = n + 1
		}
		return out, nil
	}

	return pollWatch(ctx, e.log, e.chain, e.pollInterval(), fetch), nil
}

func (e *EVMAdapter) scanBlock(ctx context.Context, client *ethclient.Client, signer types.Signer, block *types.Block) ([]Observation, error) {
	var out []Observation
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || *to != e.service || tx.Value().Sign() == 0 {
			continue
		}
		from, err := types.Sender(signer, tx)
		if err != nil {
			e.log.Warn("Cannot recover sender", "tx", tx.Hash().Hex(), "error", err)
			continue
		}
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return nil, err
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			continue
		}

		out = append(out, Observation{
			Operation: Operation{
				ID:        tx.Hash().Hex(),
				TxID:      tx.Hash().Hex(),
				From:      from.Hex(),
				To:        to.Hex(),
				Asset:     e.native,
				Amount:    helpers.FromBaseUnits(tx.Value(), evmDecimals),
				Memo:      dataMemo(tx.Data()),
				Timestamp: time.Unix(int64(block.Time()), 0).UTC(),
			},
			BlockHeight: block.NumberU64(),
		})
	}
	return out, nil
}

// dataMemo returns tx data as a memo when it is printable text.
func dataMemo(data []byte) string {
	if len(data) == 0 || !utf8.Valid(data) {
		return ""
	}
	for _, r := range string(data) {
		if r < 0x20 && r != '\n' && r != '\t' {
			return ""
		}
	}
	return string(data)
}

// Transfer sends a legacy native transfer with the memo as data.
func (e *EVMAdapter) Transfer(ctx context.Context, to string, amount decimal.Decimal, asset, memo string) (*TxRef, error) {
	client, chainID, err := e.conn()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	e.mu.RLock()
	key := e.key
	e.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("%w: %w", ErrTransfer, ErrNoSigningKey)
	}
	if _, err := e.checkAmount(asset, amount); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: invalid destination %q", ErrTransfer, to)
	}

	value, err := helpers.ToBaseUnits(amount, evmDecimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	dest := common.HexToAddress(to)
	data := []byte(memo)

	nonce, err := client.PendingNonceAt(ctx, e.service)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrTransfer, err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrTransfer, err)
	}
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.service,
		To:    &dest,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: estimate gas: %v", ErrTransfer, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &dest,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrTransfer, err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: send: %v", ErrTransfer, err)
	}

	hash := signed.Hash().Hex()
	e.log.Info("Transfer broadcast", "to", dest.Hex(), "amount", amount, "tx", hash)
	return &TxRef{TxID: hash, URL: e.TxURL(hash)}, nil
}

var (
	_ Adapter           = (*EVMAdapter)(nil)
	_ AddressNormalizer = (*EVMAdapter)(nil)
)
