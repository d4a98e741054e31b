package escrow

import (
	"errors"
	"sort"
	"strings"

	"github.com/Klingon-tech/escrowd/internal/storage"
)

// Engine errors
var (
	ErrOfferNotFound         = storage.ErrOfferNotFound
	ErrTimeoutExpired        = errors.New("transfer deadline expired")
	ErrUnauthorizedResponder = errors.New("offer not active for you")
	ErrInvalidTransition     = errors.New("response not valid in current offer state")
	ErrCancelNotAllowed      = errors.New("offer can no longer be cancelled")
	ErrNoAdapter             = errors.New("no chain adapter for asset")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrStopped               = errors.New("escrow engine stopped")
)

// Mismatch reasons
const (
	ReasonAmount = "amount"
	ReasonAsset  = "asset"
	ReasonMemo   = "memo"
)

// MismatchReasons lists why an operation did not match its entry. It is
// sorted and never contains duplicates.
type MismatchReasons []string

func newMismatchReasons(reasons ...string) MismatchReasons {
	out := MismatchReasons(append([]string(nil), reasons...))
	sort.Strings(out)
	return out
}

// Empty reports whether there is no mismatch.
func (m MismatchReasons) Empty() bool { return len(m) == 0 }

// Has reports whether reason is present.
func (m MismatchReasons) Has(reason string) bool {
	for _, r := range m {
		if r == reason {
			return true
		}
	}
	return false
}

func (m MismatchReasons) Error() string {
	return "mismatch: " + strings.Join(m, ", ")
}
