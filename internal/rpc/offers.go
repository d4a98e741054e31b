package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/offer"
	"github.com/Klingon-tech/escrowd/internal/storage"
)

// ========================================
// Offer handlers
// ========================================

// PartyParams identifies one side of a new offer.
type PartyParams struct {
	ID       string `json:"id" validate:"required,max=64"`
	Locale   string `json:"locale,omitempty" validate:"max=16"`
	Username string `json:"username,omitempty" validate:"max=64"`
}

// OfferCreateParams is the parameters for offers_create.
type OfferCreateParams struct {
	OrderID string          `json:"order_id" validate:"required,max=64"`
	Type    string          `json:"type" validate:"required,oneof=buy sell"`
	Buy     string          `json:"buy" validate:"required,max=16"`
	Sell    string          `json:"sell" validate:"required,max=16"`
	SumBuy  decimal.Decimal `json:"sum_buy" validate:"gt=0"`
	SumSell decimal.Decimal `json:"sum_sell" validate:"gt=0"`
	Init    PartyParams     `json:"init"`
	Counter PartyParams     `json:"counter"`
	Bank    *string         `json:"bank,omitempty" validate:"omitempty,max=128"`
}

// OfferInfo is an active or archived offer in RPC responses.
type OfferInfo struct {
	*offer.EscrowOffer
	Archived   bool   `json:"archived,omitempty"`
	ArchivedAt *int64 `json:"archived_at,omitempty"`
}

func archivedToInfo(a *storage.ArchivedOffer) OfferInfo {
	ts := a.ArchivedAt.Unix()
	return OfferInfo{EscrowOffer: a.Offer, Archived: true, ArchivedAt: &ts}
}

func (s *Server) offersCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OfferCreateParams
	if err := s.parseParams(params, &p); err != nil {
		return nil, err
	}

	o, err := s.engine.Create(ctx, &escrow.CreateRequest{
		OrderID: p.OrderID,
		Type:    offer.Type(p.Type),
		Buy:     p.Buy,
		Sell:    p.Sell,
		SumBuy:  p.SumBuy,
		SumSell: p.SumSell,
		Init:    offer.Party{ID: p.Init.ID, Locale: p.Init.Locale, Username: p.Init.Username},
		Counter: offer.Party{ID: p.Counter.ID, Locale: p.Counter.Locale, Username: p.Counter.Username},
		Bank:    p.Bank,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Offer created", "id", o.ID, "order", o.OrderID, "type", o.Type)
	return OfferInfo{EscrowOffer: o}, nil
}

// OfferIDParams is the parameters for offers_get.
type OfferIDParams struct {
	ID string `json:"id" validate:"required"`
}

func (s *Server) offersGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OfferIDParams
	if err := s.parseParams(params, &p); err != nil {
		return nil, err
	}

	o, err := s.engine.Find(p.ID)
	if err == nil {
		return OfferInfo{EscrowOffer: o}, nil
	}
	if !errors.Is(err, escrow.ErrOfferNotFound) {
		return nil, err
	}

	a, err := s.store.GetArchivedOffer(p.ID)
	if err != nil {
		return nil, err
	}
	return archivedToInfo(a), nil
}

// OfferRespondParams is the parameters for offers_respond.
type OfferRespondParams struct {
	ID   string `json:"id" validate:"required"`
	From string `json:"from" validate:"required,max=64"`
	escrow.Response
}

func (s *Server) offersRespond(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OfferRespondParams
	if err := s.parseParams(params, &p); err != nil {
		return nil, err
	}

	o, err := s.engine.Respond(ctx, p.ID, p.From, p.Response)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return OfferInfo{EscrowOffer: o, Archived: true}, nil
	}
	return OfferInfo{EscrowOffer: o}, nil
}

// OfferCancelParams is the parameters for offers_cancel.
type OfferCancelParams struct {
	ID string `json:"id" validate:"required"`
	By string `json:"by" validate:"required,max=64"`
}

func (s *Server) offersCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OfferCancelParams
	if err := s.parseParams(params, &p); err != nil {
		return nil, err
	}

	o, err := s.engine.Cancel(ctx, p.ID, p.By)
	if err != nil {
		return nil, err
	}
	return OfferInfo{EscrowOffer: o, Archived: true}, nil
}

// OfferListParams is the parameters for offers_list.
type OfferListParams struct {
	Party  string   `json:"party,omitempty" validate:"max=64"`
	Status []string `json:"status,omitempty" validate:"dive,oneof=created negotiating funding awaiting_transfer awaiting_confirmation awaiting_counter_confirmation manual_review"`
}

// OfferListResult is the response for offers_list.
type OfferListResult struct {
	Offers []OfferInfo `json:"offers"`
	Count  int         `json:"count"`
}

func (s *Server) offersList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OfferListParams
	if err := s.parseParams(params, &p); err != nil {
		return nil, err
	}

	var (
		offers []*offer.EscrowOffer
		err    error
	)
	if p.Party != "" {
		offers, err = s.store.ListOffersForParty(p.Party)
	} else {
		statuses := make([]offer.Status, len(p.Status))
		for i, st := range p.Status {
			statuses[i] = offer.Status(st)
		}
		offers, err = s.store.ListOffersByStatus(statuses...)
	}
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(p.Status))
	for _, st := range p.Status {
		wanted[st] = true
	}

	result := make([]OfferInfo, 0, len(offers))
	for _, o := range offers {
		if len(wanted) > 0 && !wanted[string(o.Status)] {
			continue
		}
		result = append(result, OfferInfo{EscrowOffer: o})
	}

	return &OfferListResult{
		Offers: result,
		Count:  len(result),
	}, nil
}

// OfferArchivedParams is the parameters for offers_archived.
type OfferArchivedParams struct {
	Limit  int `json:"limit,omitempty" validate:"omitempty,min=1,max=500"`
	Offset int `json:"offset,omitempty" validate:"min=0"`
}

func (s *Server) offersArchived(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OfferArchivedParams
	if err := s.parseParams(params, &p); err != nil {
		return nil, err
	}

	archived, err := s.store.ListArchivedOffers(p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}

	result := make([]OfferInfo, 0, len(archived))
	for _, a := range archived {
		result = append(result, archivedToInfo(a))
	}

	return &OfferListResult{
		Offers: result,
		Count:  len(result),
	}, nil
}
