package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Options tunes the engine. Zero fields take the defaults below.
type Options struct {
	// FeeRate is the service fee as a fraction of the escrowed amount.
	FeeRate          decimal.Decimal `yaml:"fee_rate"`
	TransferDeadline time.Duration   `yaml:"transfer_deadline"`
	Grace            time.Duration   `yaml:"grace"`
	FinalityRetries  int             `yaml:"finality_retries"`
	FinalityBackoff  time.Duration   `yaml:"finality_backoff"`
	// WatchRetry is the delay before restarting a failed chain watch.
	WatchRetry time.Duration `yaml:"watch_retry"`
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		FeeRate:          decimal.RequireFromString("0.01"),
		TransferDeadline: time.Hour,
		Grace:            10 * time.Minute,
		FinalityRetries:  10,
		FinalityBackoff:  30 * time.Second,
		WatchRetry:       30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TransferDeadline <= 0 {
		o.TransferDeadline = def.TransferDeadline
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.FinalityRetries <= 0 {
		o.FinalityRetries = def.FinalityRetries
	}
	if o.FinalityBackoff <= 0 {
		o.FinalityBackoff = def.FinalityBackoff
	}
	if o.WatchRetry <= 0 {
		o.WatchRetry = def.WatchRetry
	}
	if o.FeeRate.IsNegative() {
		o.FeeRate = decimal.Zero
	}
	return o
}
