package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PriceTier is one row of the metered tier-pricing table. A nil UpTo marks the open-ended last tier.
type PriceTier struct {
	UpTo       *int64
	UnitAmount decimal.Decimal
}

type PricingTable struct {
	ProductName string
	Interval    string
	Tiers       []PriceTier
}

type rawPricing struct {
	ProductName string    `mapstructure:"productName"`
	Interval    string    `mapstructure:"interval"`
	Tiers       []rawTier `mapstructure:"tiers"`
}

type rawTier struct {
	UpTo       *int64 `mapstructure:"upTo"`
	UnitAmount string `mapstructure:"unitAmount"`
}

func DefaultPricingTable() PricingTable {
	return PricingTable{
		ProductName: "Network membership",
		Interval:    "month",
		Tiers: []PriceTier{
			{UpTo: int64Ptr(100), UnitAmount: decimal.RequireFromString("0.50")},
			{UpTo: int64Ptr(1000), UnitAmount: decimal.RequireFromString("0.40")},
			{UpTo: nil, UnitAmount: decimal.RequireFromString("0.30")},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

type PricingHolder struct {
	current atomic.Value // holds PricingTable
}

// NewPricingHolder loads pricing.yml (or PRICING_FILE) and keeps it hot-reloaded.
func NewPricingHolder(cfg Config, log *zap.Logger) (*PricingHolder, error) {
	log = log.Named("pricing")
	v := viper.New()

	if path := strings.TrimSpace(cfg.PricingFile); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pricing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/netbill")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("NETBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PricingHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		holder.current.Store(DefaultPricingTable())
		return holder, nil
	}

	table, err := LoadPricing(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(table)
	log.Info("pricing config loaded", zap.String("file", v.ConfigFileUsed()))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := LoadPricing(v)
		if err != nil {
			log.Warn("invalid pricing config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing config reloaded", zap.String("file", e.Name), zap.Int("tiers", len(updated.Tiers)))
	})

	return holder, nil
}

// NewStaticPricingHolder pins a table; used by tests and tools.
func NewStaticPricingHolder(table PricingTable) *PricingHolder {
	holder := &PricingHolder{}
	holder.current.Store(table)
	return holder
}

func (h *PricingHolder) Get() PricingTable {
	return h.current.Load().(PricingTable)
}

// LoadPricing decodes and validates the "pricing" key of v.
func LoadPricing(v *viper.Viper) (PricingTable, error) {
	var raw rawPricing
	if err := v.UnmarshalKey("pricing", &raw); err != nil {
		return PricingTable{}, err
	}

	table := PricingTable{
		ProductName: strings.TrimSpace(raw.ProductName),
		Interval:    strings.ToLower(strings.TrimSpace(raw.Interval)),
	}
	defaults := DefaultPricingTable()
	if table.ProductName == "" {
		table.ProductName = defaults.ProductName
	}
	if table.Interval == "" {
		table.Interval = defaults.Interval
	}

	for i, tier := range raw.Tiers {
		amount, err := decimal.NewFromString(strings.TrimSpace(tier.UnitAmount))
		if err != nil {
			return PricingTable{}, fmt.Errorf("pricing.tiers[%d].unitAmount: %w", i, err)
		}
		table.Tiers = append(table.Tiers, PriceTier{UpTo: tier.UpTo, UnitAmount: amount})
	}

	if err := validatePricing(table); err != nil {
		return PricingTable{}, err
	}
	return table, nil
}

func validatePricing(table PricingTable) error {
	if len(table.Tiers) == 0 {
		return errors.New("pricing.tiers cannot be empty")
	}
	switch table.Interval {
	case "day", "week", "month", "year":
	default:
		return fmt.Errorf("pricing.interval %q is not supported", table.Interval)
	}

	var last int64
	for i, tier := range table.Tiers {
		if tier.UnitAmount.IsNegative() {
			return fmt.Errorf("pricing.tiers[%d].unitAmount must not be negative", i)
		}
		isLast := i == len(table.Tiers)-1
		if tier.UpTo == nil {
			if !isLast {
				return fmt.Errorf("pricing.tiers[%d] is open-ended but not last", i)
			}
			continue
		}
		if isLast {
			return errors.New("last pricing tier must be open-ended")
		}
		if *tier.UpTo <= last {
			return fmt.Errorf("pricing.tiers[%d].upTo must be increasing", i)
		}
		last = *tier.UpTo
	}
	return nil
}
