package credits

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plan keys are the stable, human-readable price identifiers shared with the
// provider as price lookup keys ("essentials_month") so that code never
// hardcodes opaque provider ids.
const (
	PlanKeyEssentialsMonth = "essentials_month"
	PlanKeyEssentialsYear  = "essentials_year"
	PlanKeyPrecisionMonth  = "precision_month"
	PlanKeyPrecisionYear   = "precision_year"
	PlanKeyOneTimeReport   = "pdf_report"
)

// Catalog is the static bidirectional mapping between plan keys and provider
// price references, plus a price-amount heuristic table for decoding legacy
// provider prices created without a lookup key. It carries no mutable state.
type Catalog struct {
	prices  map[string]string // plan key -> provider price ref
	reverse map[string]string // provider price ref -> plan key
	amounts map[int64]string  // unit amount (minor units) -> plan key
}

// NewCatalog builds a catalog from a plan-key to price-ref mapping and an
// optional amount heuristic table.
func NewCatalog(prices map[string]string, amounts map[int64]string) *Catalog {
	c := &Catalog{
		prices:  make(map[string]string, len(prices)),
		reverse: make(map[string]string, len(prices)),
		amounts: make(map[int64]string, len(amounts)),
	}
	for key, ref := range prices {
		c.prices[key] = ref
		c.reverse[ref] = key
	}
	for amount, key := range amounts {
		c.amounts[amount] = key
	}
	return c
}

// DefaultCatalog returns the built-in price table.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		map[string]string{
			PlanKeyEssentialsMonth: "price_ess_m_399",
			PlanKeyPrecisionMonth:  "price_pre_m_799",
			PlanKeyEssentialsYear:  "price_ess_y_3840",
			PlanKeyPrecisionYear:   "price_pre_y_7670",
			PlanKeyOneTimeReport:   "price_pdf_one_299",
		},
		map[int64]string{
			399:  PlanKeyEssentialsMonth,
			799:  PlanKeyPrecisionMonth,
			3840: PlanKeyEssentialsYear,
			7670: PlanKeyPrecisionYear,
			299:  PlanKeyOneTimeReport,
		},
	)
}

// catalogFile is the YAML layout for LoadCatalog.
type catalogFile struct {
	Prices  map[string]string `yaml:"prices"`
	Amounts map[int64]string  `yaml:"amounts"`
}

// LoadCatalog reads a catalog from a YAML file:
//
//	prices:
//	  essentials_month: price_1AbCdEf
//	amounts:
//	  399: essentials_month
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(f.Prices) == 0 {
		return nil, errors.New("plan catalog defines no prices")
	}
	return NewCatalog(f.Prices, f.Amounts), nil
}

// PriceRef resolves a plan key to the provider price reference.
func (c *Catalog) PriceRef(planKey string) (string, bool) {
	ref, ok := c.prices[planKey]
	return ref, ok
}

// PlanKeyForPrice is the inverse mapping.
func (c *Catalog) PlanKeyForPrice(priceRef string) (string, bool) {
	key, ok := c.reverse[priceRef]
	return key, ok
}

// DecodePrice derives (plan, interval) from a provider price, degrading
// gracefully for prices the provider returns without a lookup key:
// provider lookup key, then the static price-ref table, then
// session-supplied metadata, then the price-amount heuristic.
// Returns ok=false for one-time prices and anything unrecognized.
func (c *Catalog) DecodePrice(price PriceSnapshot, metadata map[string]string) (Plan, BillingInterval, bool) {
	if plan, interval, ok := SplitPlanKey(price.LookupKey); ok {
		return plan, interval, true
	}
	if key, found := c.reverse[price.Ref]; found {
		if plan, interval, ok := SplitPlanKey(key); ok {
			return plan, interval, true
		}
		return "", IntervalNone, false // one-time price
	}
	if key := metadata["plan_key"]; key != "" {
		if plan, interval, ok := SplitPlanKey(key); ok {
			return plan, interval, true
		}
	}
	if key, found := c.amounts[price.UnitAmount]; found {
		if plan, interval, ok := SplitPlanKey(key); ok {
			return plan, interval, true
		}
	}
	return "", IntervalNone, false
}

// SplitPlanKey parses "essentials_month" into (essentials, month).
// One-time keys and malformed input yield ok=false.
func SplitPlanKey(key string) (Plan, BillingInterval, bool) {
	if key == "" || key == PlanKeyOneTimeReport {
		return "", IntervalNone, false
	}
	name, interval, found := strings.Cut(key, "_")
	if !found {
		return "", IntervalNone, false
	}
	plan := Plan(name)
	if !plan.Valid() || plan == PlanFree {
		return "", IntervalNone, false
	}
	switch BillingInterval(interval) {
	case IntervalMonth, IntervalYear:
		return plan, BillingInterval(interval), true
	}
	return "", IntervalNone, false
}
