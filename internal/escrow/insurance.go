package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/backend"
)

// InsuredSumReader sums insured amounts over active offers.
type InsuredSumReader interface {
	AggregateInsuredSum(asset string) (decimal.Decimal, error)
}

// InsuranceAllocator decides how much of an escrowed amount is insured.
//
// The aggregate is read without cross-offer locking, so two offers created
// at the same moment may both see the same remaining total. Each offer is
// still bounded by the single cap.
type InsuranceAllocator struct {
	registry *backend.Registry
	store    InsuredSumReader
}

// NewInsuranceAllocator creates an allocator.
func NewInsuranceAllocator(registry *backend.Registry, store InsuredSumReader) *InsuranceAllocator {
	return &InsuranceAllocator{registry: registry, store: store}
}

// Insurance returns the insured part of requested for asset.
func (a *InsuranceAllocator) Insurance(asset string, requested decimal.Decimal) (decimal.Decimal, error) {
	adapter, ok := a.registry.ForAsset(asset)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoAdapter, asset)
	}
	precision := adapter.Precision(asset)

	limits, ok := adapter.InsuranceLimits(asset)
	if !ok {
		return Allocate(requested, nil, decimal.Zero, precision), nil
	}

	existing, err := a.store.AggregateInsuredSum(asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read insured sum: %w", err)
	}
	return Allocate(requested, &limits, existing, precision), nil
}

// Allocate computes the insured amount. With nil limits the whole request is
// insured. The result is truncated to precision and never negative.
func Allocate(requested decimal.Decimal, limits *backend.InsuranceLimits, existing decimal.Decimal, precision int32) decimal.Decimal {
	if !requested.IsPositive() {
		return decimal.Zero
	}
	if limits == nil {
		return requested.Truncate(precision)
	}

	candidate := decimal.Min(requested, limits.Single)
	deficit := limits.Total.Sub(existing).Sub(candidate)
	if deficit.IsNegative() {
		candidate = candidate.Add(deficit)
	}
	if candidate.IsNegative() {
		return decimal.Zero
	}
	return candidate.Truncate(precision)
}
