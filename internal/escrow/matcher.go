package escrow

import (
	"github.com/Klingon-tech/escrowd/internal/backend"
)

// MatchKind classifies an observed operation against the queue.
type MatchKind int

const (
	NoMatch MatchKind = iota
	ExactMatch
	Mismatch
)

func (k MatchKind) String() string {
	switch k {
	case ExactMatch:
		return "exact"
	case Mismatch:
		return "mismatch"
	default:
		return "none"
	}
}

// MatchResult is the outcome of matching one operation.
type MatchResult struct {
	Kind    MatchKind
	Entry   *Entry
	Reasons MismatchReasons
}

// AssetsEqual compares assets ignoring a gateway namespace prefix.
func AssetsEqual(a, b string) bool {
	return backend.SameAsset(a, b)
}

// Eligible reports whether e could own op: the operation is not older than
// the entry's floor and goes from the expected sender to the service.
func Eligible(op *backend.Operation, e *Entry, serviceAddress string) bool {
	if e.Confirming || e.TransactionTime.After(op.Timestamp) {
		return false
	}
	return op.To == serviceAddress && op.From == e.From
}

// Classify returns the checks op fails against e. It depends only on the
// asset, amount and memo of both sides.
func Classify(op *backend.Operation, e *Entry) MismatchReasons {
	var reasons []string
	if !AssetsEqual(op.Asset, e.Asset) {
		reasons = append(reasons, ReasonAsset)
	}
	if !op.Amount.Equal(e.AmountWithFee) && !op.Amount.Equal(e.AmountWithoutFee) {
		reasons = append(reasons, ReasonAmount)
	}
	if op.Memo != e.Memo {
		reasons = append(reasons, ReasonMemo)
	}
	return newMismatchReasons(reasons...)
}

// Match classifies op against the first eligible entry in order.
func Match(op *backend.Operation, entries []*Entry, serviceAddress string) MatchResult {
	for _, e := range entries {
		if !Eligible(op, e, serviceAddress) {
			continue
		}
		reasons := Classify(op, e)
		if reasons.Empty() {
			return MatchResult{Kind: ExactMatch, Entry: e}
		}
		return MatchResult{Kind: Mismatch, Entry: e, Reasons: reasons}
	}
	return MatchResult{Kind: NoMatch}
}
