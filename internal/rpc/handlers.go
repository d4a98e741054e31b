package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Klingon-tech/escrowd/internal/offer"
	"github.com/Klingon-tech/escrowd/internal/storage"
)

// Version of the daemon
const Version = "0.1.0-dev"

// ========================================
// Node handlers
// ========================================

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running         bool                         `json:"running"`
	Version         string                       `json:"version"`
	Uptime          string                       `json:"uptime"`
	StorageDriver   string                       `json:"storage_driver"`
	ChainsConnected int                          `json:"chains_connected"`
	ChainsTotal     int                          `json:"chains_total"`
	Offers          map[offer.Status]int         `json:"offers"`
	Outbox          map[storage.OutboxStatus]int `json:"outbox"`
	WSClients       int                          `json:"ws_clients"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := &NodeStatusResult{
		Running:       true,
		Version:       Version,
		Uptime:        time.Since(s.started).Round(time.Second).String(),
		StorageDriver: string(s.store.Driver()),
	}

	for _, c := range s.engine.Chains() {
		result.ChainsTotal++
		if c.Connected {
			result.ChainsConnected++
		}
	}

	offers, err := s.store.CountOffersByStatus()
	if err != nil {
		return nil, err
	}
	result.Offers = offers

	outbox, err := s.store.GetOutboxStats()
	if err != nil {
		return nil, err
	}
	result.Outbox = outbox

	if s.wsHub != nil {
		result.WSClients = s.wsHub.ClientCount()
	}

	return result, nil
}
