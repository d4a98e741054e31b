package escrow

import (
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/offer"
)

// Store is the document persistence the engine relies on. Single-document
// updates must be atomic.
type Store interface {
	InsertOffer(o *offer.EscrowOffer) error
	FindOffer(id string) (*offer.EscrowOffer, error)
	UpdateOffer(id string, u offer.Update) (*offer.EscrowOffer, error)
	UpdateOfferIf(id string, conds []offer.Condition, u offer.Update) (*offer.EscrowOffer, bool, error)
	DeleteAndArchiveOffer(id string, status offer.Status) (*offer.EscrowOffer, error)
	AggregateInsuredSum(asset string) (decimal.Decimal, error)
	ListOffersByStatus(statuses ...offer.Status) ([]*offer.EscrowOffer, error)
	ClaimOperation(chain, opID, offerID, action string) (bool, error)
	IsOperationClaimed(chain, opID string) (bool, error)
}
