package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/offer"
)

// Offer errors.
var (
	ErrOfferNotFound = errors.New("offer not found")
	ErrOfferExists   = errors.New("active offer already exists for this order and parties")
	ErrInvalidOffer  = errors.New("invalid offer")
)

// ArchivedOffer is an offer moved out of the active table.
type ArchivedOffer struct {
	Offer      *offer.EscrowOffer `json:"offer"`
	Status     offer.Status       `json:"status"`
	ArchivedAt time.Time          `json:"archived_at"`
}

// =============================================================================
// Offer CRUD
// =============================================================================

// InsertOffer stores a new active offer.
func (s *Storage) InsertOffer(o *offer.EscrowOffer) error {
	if o.ID == "" || o.OrderID == "" || o.Init.ID == "" || o.Counter.ID == "" {
		return ErrInvalidOffer
	}

	data, err := offer.Encode(o)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err = s.db.Exec(s.rebind(`
		INSERT INTO offers (
			id, order_id, init_id, counter_id, status, escrow_asset, insured,
			trx_id, document, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		o.ID, o.OrderID, o.Init.ID, o.Counter.ID, string(o.Status), o.EscrowAsset(),
		o.Insured.String(), nullString(o.TrxID), string(data), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOfferExists
		}
		return fmt.Errorf("failed to insert offer: %w", err)
	}

	return nil
}

// FindOffer returns an active offer by id.
func (s *Storage) FindOffer(id string) (*offer.EscrowOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRow(s.rebind(`SELECT document FROM offers WHERE id = ?`), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}

	return offer.Decode([]byte(data))
}

// UpdateOffer applies a partial update to an active offer atomically.
func (s *Storage) UpdateOffer(id string, u offer.Update) (*offer.EscrowOffer, error) {
	o, _, err := s.updateOffer(id, nil, u)
	return o, err
}

// UpdateOfferIf applies u only when every condition holds on the current
// document. It reports whether the update was applied.
func (s *Storage) UpdateOfferIf(id string, conds []offer.Condition, u offer.Update) (*offer.EscrowOffer, bool, error) {
	return s.updateOffer(id, conds, u)
}

func (s *Storage) updateOffer(id string, conds []offer.Condition, u offer.Update) (*offer.EscrowOffer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRow(s.rebind(`SELECT document FROM offers WHERE id = ?`+s.forUpdate()), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, ErrOfferNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load offer: %w", err)
	}

	doc, err := offer.ParseDocument([]byte(data))
	if err != nil {
		return nil, false, err
	}

	ok, err := offer.MatchAll(doc, conds)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		current, err := offer.FromDocument(doc)
		return current, false, err
	}

	if err := offer.ApplyUpdate(doc, u); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	o, err := offer.FromDocument(doc)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	updated, err := offer.Encode(o)
	if err != nil {
		return nil, false, err
	}

	_, err = tx.Exec(s.rebind(`
		UPDATE offers SET status = ?, insured = ?, trx_id = ?, document = ?, updated_at = ?
		WHERE id = ?
	`), string(o.Status), o.Insured.String(), nullString(o.TrxID), string(updated), time.Now().Unix(), id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update offer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit offer update: %w", err)
	}

	return o, true, nil
}

// DeleteAndArchiveOffer moves an offer to the archive with its final status.
// Archiving an offer twice is a no-op for the archive row.
func (s *Storage) DeleteAndArchiveOffer(id string, status offer.Status) (*offer.EscrowOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRow(s.rebind(`SELECT document FROM offers WHERE id = ?`+s.forUpdate()), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}

	o, err := offer.Decode([]byte(data))
	if err != nil {
		return nil, err
	}
	o.Status = status
	archived, err := offer.Encode(o)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(s.rebind(`
		INSERT INTO offers_archive (id, order_id, status, document, archived_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), o.ID, o.OrderID, string(status), string(archived), time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to archive offer: %w", err)
	}

	if _, err := tx.Exec(s.rebind(`DELETE FROM offers WHERE id = ?`), id); err != nil {
		return nil, fmt.Errorf("failed to delete offer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit archive: %w", err)
	}

	return o, nil
}

// =============================================================================
// Queries
// =============================================================================

// AggregateInsuredSum sums the insured amount over active offers holding
// the given asset.
func (s *Storage) AggregateInsuredSum(asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terminal := offer.TerminalStatuses()
	args := []interface{}{asset}
	for _, st := range terminal {
		args = append(args, string(st))
	}

	rows, err := s.db.Query(s.rebind(`
		SELECT insured FROM offers
		WHERE escrow_asset = ? AND status NOT IN (`+placeholders(len(terminal))+`)
	`), args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query insured amounts: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var insured string
		if err := rows.Scan(&insured); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan insured amount: %w", err)
		}
		d, err := decimal.NewFromString(insured)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid insured amount %q: %w", insured, err)
		}
		sum = sum.Add(d)
	}

	return sum, rows.Err()
}

// ListOffersByStatus returns active offers in any of the given statuses,
// oldest first. With no statuses, all active offers are returned.
func (s *Storage) ListOffersByStatus(statuses ...offer.Status) ([]*offer.EscrowOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT document FROM offers`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	var offers []*offer.EscrowOffer
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		o, err := offer.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}

	return offers, rows.Err()
}

// ListOffersForParty returns active offers where id is either party.
func (s *Storage) ListOffersForParty(id string) ([]*offer.EscrowOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.rebind(`
		SELECT document FROM offers
		WHERE init_id = ? OR counter_id = ?
		ORDER BY created_at ASC, id ASC
	`), id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers for party: %w", err)
	}
	defer rows.Close()

	var offers []*offer.EscrowOffer
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		o, err := offer.Decode([]byte(data))
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}

	return offers, rows.Err()
}

// CountOffersByStatus returns the number of active offers per status.
func (s *Storage) CountOffersByStatus() (map[offer.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM offers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count offers: %w", err)
	}
	defer rows.Close()

	counts := make(map[offer.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[offer.Status(status)] = n
	}

	return counts, rows.Err()
}

// GetArchivedOffer returns an archived offer by id.
func (s *Storage) GetArchivedOffer(id string) (*ArchivedOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(s.rebind(`
		SELECT status, document, archived_at FROM offers_archive WHERE id = ?
	`), id)

	a, err := scanArchivedOffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrOfferNotFound
	}
	return a, err
}

// ListArchivedOffers returns archived offers, newest first.
func (s *Storage) ListArchivedOffers(limit, offset int) ([]*ArchivedOffer, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.rebind(`
		SELECT status, document, archived_at FROM offers_archive
		ORDER BY archived_at DESC, id ASC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived offers: %w", err)
	}
	defer rows.Close()

	var archived []*ArchivedOffer
	for rows.Next() {
		a, err := scanArchivedOffer(rows)
		if err != nil {
			return nil, err
		}
		archived = append(archived, a)
	}

	return archived, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArchivedOffer(row rowScanner) (*ArchivedOffer, error) {
	var (
		status     string
		data       string
		archivedAt int64
	)
	if err := row.Scan(&status, &data, &archivedAt); err != nil {
		return nil, err
	}

	o, err := offer.Decode([]byte(data))
	if err != nil {
		return nil, err
	}

	return &ArchivedOffer{
		Offer:      o,
		Status:     offer.Status(status),
		ArchivedAt: time.Unix(archivedAt, 0),
	}, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
