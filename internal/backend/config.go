package backend

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPollInterval is used when a chain config leaves poll_interval unset.
const DefaultPollInterval = 10 * time.Second

// AssetConfig describes one asset handled by an adapter.
type AssetConfig struct {
	Precision int32 `yaml:"precision"`
	// Issuer is the issuing account for non-native Stellar assets.
	Issuer    string           `yaml:"issuer,omitempty"`
	Insurance *InsuranceLimits `yaml:"insurance,omitempty"`
}

// Config configures one chain adapter.
type Config struct {
	Type     Type   `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	// WalletEndpoint is the signing service, used by GOLOS (cli_wallet).
	WalletEndpoint string `yaml:"wallet_endpoint,omitempty"`
	ServiceAddress string `yaml:"service_address"`
	// KeyEnv names the environment variable holding the signing key.
	KeyEnv        string                 `yaml:"key_env,omitempty"`
	Network       string                 `yaml:"network,omitempty"`
	Confirmations uint64                 `yaml:"confirmations,omitempty"`
	PollInterval  time.Duration          `yaml:"poll_interval,omitempty"`
	ExplorerURL   string                 `yaml:"explorer_url,omitempty"`
	Assets        map[string]AssetConfig `yaml:"assets"`
}

// Validate checks the fields every adapter needs.
func (c *Config) Validate(chain string) error {
	if c.Endpoint == "" {
		return fmt.Errorf("chain %s: endpoint is required", chain)
	}
	if c.ServiceAddress == "" {
		return fmt.Errorf("chain %s: service_address is required", chain)
	}
	if len(c.Assets) == 0 {
		return fmt.Errorf("chain %s: at least one asset is required", chain)
	}
	for sym, a := range c.Assets {
		if a.Precision < 0 {
			return fmt.Errorf("chain %s: asset %s: negative precision", chain, sym)
		}
		if a.Insurance != nil && a.Insurance.Single.GreaterThan(a.Insurance.Total) {
			return fmt.Errorf("chain %s: asset %s: single insurance cap exceeds total", chain, sym)
		}
	}
	return nil
}

// signingKey reads the configured key from the environment.
func (c *Config) signingKey() string {
	if c.KeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.KeyEnv))
}

// base holds the configuration-derived parts shared by all adapters.
type base struct {
	chain string
	cfg   *Config
}

func newBase(chain string, cfg *Config) base {
	return base{chain: chain, cfg: cfg}
}

func (b *base) Chain() string          { return b.chain }
func (b *base) ServiceAddress() string { return b.cfg.ServiceAddress }

func (b *base) Assets() []string {
	out := make([]string, 0, len(b.cfg.Assets))
	for sym := range b.cfg.Assets {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (b *base) asset(asset string) (AssetConfig, bool) {
	a, ok := b.cfg.Assets[BaseAsset(asset)]
	return a, ok
}

func (b *base) Precision(asset string) int32 {
	a, _ := b.asset(asset)
	return a.Precision
}

func (b *base) InsuranceLimits(asset string) (InsuranceLimits, bool) {
	a, ok := b.asset(asset)
	if !ok || a.Insurance == nil {
		return InsuranceLimits{}, false
	}
	return *a.Insurance, true
}

func (b *base) TxURL(txID string) string {
	if b.cfg.ExplorerURL == "" || txID == "" {
		return ""
	}
	if strings.Contains(b.cfg.ExplorerURL, "%s") {
		return fmt.Sprintf(b.cfg.ExplorerURL, txID)
	}
	return strings.TrimRight(b.cfg.ExplorerURL, "/") + "/" + txID
}

func (b *base) pollInterval() time.Duration {
	if b.cfg.PollInterval > 0 {
		return b.cfg.PollInterval
	}
	return DefaultPollInterval
}

func (b *base) checkAmount(asset string, amount decimal.Decimal) (AssetConfig, error) {
	a, ok := b.asset(asset)
	if !ok {
		return a, fmt.Errorf("%w: %s on %s", ErrUnknownAsset, asset, b.chain)
	}
	if !amount.IsPositive() {
		return a, fmt.Errorf("%w: non-positive amount %s", ErrTransfer, amount)
	}
	return a, nil
}
