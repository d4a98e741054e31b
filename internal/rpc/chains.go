package rpc

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/escrow"
)

// ========================================
// Escrow and chain handlers
// ========================================

// QueueParams is the parameters for escrow_queue.
type QueueParams struct {
	Chain string `json:"chain" validate:"required"`
}

// QueueResult is the response for escrow_queue.
type QueueResult struct {
	Chain   string         `json:"chain"`
	Entries []escrow.Entry `json:"entries"`
	Count   int            `json:"count"`
}

func (s *Server) escrowQueue(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p QueueParams
	if err := s.parseParams(params, &p); err != nil {
		return nil, err
	}

	entries, err := s.engine.Queue(p.Chain)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []escrow.Entry{}
	}

	return &QueueResult{
		Chain:   p.Chain,
		Entries: entries,
		Count:   len(entries),
	}, nil
}

// InsuranceQuoteParams is the parameters for escrow_insuranceQuote.
type InsuranceQuoteParams struct {
	Asset  string          `json:"asset" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

// InsuranceQuoteResult is the response for escrow_insuranceQuote.
type InsuranceQuoteResult struct {
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Insured   decimal.Decimal `json:"insured"`
	Uninsured decimal.Decimal `json:"uninsured"`
}

func (s *Server) escrowInsuranceQuote(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p InsuranceQuoteParams
	if err := s.parseParams(params, &p); err != nil {
		return nil, err
	}

	insured, err := s.engine.InsuranceQuote(p.Asset, p.Amount)
	if err != nil {
		return nil, err
	}

	return &InsuranceQuoteResult{
		Asset:     p.Asset,
		Amount:    p.Amount,
		Insured:   insured,
		Uninsured: p.Amount.Sub(insured),
	}, nil
}

// ChainsListResult is the response for chains_list.
type ChainsListResult struct {
	Chains []escrow.ChainStatus `json:"chains"`
	Count  int                  `json:"count"`
}

func (s *Server) chainsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	chains := s.engine.Chains()
	if chains == nil {
		chains = []escrow.ChainStatus{}
	}
	return &ChainsListResult{
		Chains: chains,
		Count:  len(chains),
	}, nil
}
