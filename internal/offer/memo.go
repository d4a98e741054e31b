package offer

import (
	"fmt"
	"strings"
)

// BuildMemo returns the deterministic memo that ties an on-chain transfer to
// an offer. It embeds the offer id prefix and both legs' amounts and send
// addresses.
func BuildMemo(o *EscrowOffer) string {
	id := o.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("escrow %s: %s %s %s / %s %s %s",
		id,
		o.SumSell.String(), o.Sell, addressOrDash(o.Init.SendAddress),
		o.SumBuy.String(), o.Buy, addressOrDash(o.Counter.SendAddress),
	)
}

// RefundMemo documents why an incoming transfer was returned.
func RefundMemo(reasons []string) string {
	return "refund: " + strings.Join(reasons, ", ")
}

func addressOrDash(addr *string) string {
	if addr == nil || *addr == "" {
		return "-"
	}
	return *addr
}
