package usecase

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"opsqueue/internal/domain"
	"opsqueue/internal/ports"
)

const (
	ReasonMissingData     = "MISSING_DATA"
	ReasonNotEnriched     = "NOT_ENRICHED"
	ReasonNoDraft         = "NO_DRAFT"
	ReasonNotListed       = "NOT_LISTED"
	ReasonMissingCost     = "MISSING_COST"
	ReasonBelowMinMargin  = "BELOW_MIN_MARGIN"
	ReasonChangeTooLarge  = "PRICE_CHANGE_TOO_LARGE"
	ReasonNoChange        = "NO_CHANGE"
	ReasonAlreadyListed   = "ALREADY_LISTED"
	ReasonExistingCommand = "EXISTING_COMMAND"
)

var hundred = decimal.NewFromInt(100)

// RuleParams are the tunables of a rule; request values override the configured defaults.
type RuleParams struct {
	Priority     int
	MarkupPct    decimal.Decimal
	MinMarginPct decimal.Decimal
	MaxChangePct decimal.Decimal
	Reason       string
}

// Quote is the computed outcome of a price-affecting rule for one item.
type Quote struct {
	Cost         decimal.Decimal `json:"cost"`
	OldPrice     decimal.Decimal `json:"old_price"`
	NewPrice     decimal.Decimal `json:"new_price"`
	MarginPct    decimal.Decimal `json:"margin_pct"`
	ChangePct    decimal.Decimal `json:"change_pct"`
	IsSafe       bool            `json:"is_safe"`
	SafetyReason string          `json:"safety_reason,omitempty"`
}

// plan is what a rule makes of one catalog item. A non-empty skip means the safety gate failed.
type plan struct {
	payload domain.Payload
	skip    string
	reason  string
	quote   *Quote
}

// Rule turns catalog items into commands of one type.
type Rule struct {
	Name     string
	Type     domain.CommandType
	Defaults RuleParams
	// Preview rules report per-item outcomes even outside dry runs.
	Preview bool
	plan    func(item ports.CatalogItem, p RuleParams) plan
}

func blocked(p domain.Payload, reason string) plan {
	return plan{payload: p, skip: OutcomeSkippedBlocked, reason: reason}
}

func alreadyListed(p domain.Payload) plan {
	return plan{payload: p, skip: OutcomeSkippedAlreadyListed, reason: ReasonAlreadyListed}
}

func listingPayloadOK(item ports.CatalogItem) bool {
	return item.ListingID != "" && item.ListingState == ports.ListingPublished
}

// DefaultRules returns the built-in rule set.
func DefaultRules() map[string]*Rule {
	rules := []*Rule{
		{
			Name:     "enrich",
			Type:     domain.TypeEnrichProduct,
			Defaults: RuleParams{Priority: 30},
			plan: func(item ports.CatalogItem, _ RuleParams) plan {
				p := domain.EnrichProductPayload{ProductID: item.ProductID}
				if item.Title == "" {
					return blocked(p, ReasonMissingData)
				}
				return plan{payload: p}
			},
		},
		{
			Name:     "build-draft",
			Type:     domain.TypeBuildDraft,
			Defaults: RuleParams{Priority: 30},
			plan: func(item ports.CatalogItem, _ RuleParams) plan {
				p := domain.BuildDraftPayload{ProductID: item.ProductID}
				if item.ListingState == ports.ListingPublished {
					return alreadyListed(p)
				}
				if !item.Enriched {
					return blocked(p, ReasonNotEnriched)
				}
				return plan{payload: p}
			},
		},
		{
			Name:     "publish",
			Type:     domain.TypePublishListing,
			Defaults: RuleParams{Priority: 50, MinMarginPct: decimal.NewFromInt(15)},
			plan: func(item ports.CatalogItem, rp RuleParams) plan {
				p := domain.PublishListingPayload{ProductID: item.ProductID}
				if item.ListingState == ports.ListingPublished {
					return alreadyListed(p)
				}
				if item.ListingState != ports.ListingDraft {
					return blocked(p, ReasonNoDraft)
				}
				if !item.Price.IsPositive() || marginPct(item.Cost, item.Price).LessThan(rp.MinMarginPct) {
					return blocked(p, ReasonBelowMinMargin)
				}
				return plan{payload: p}
			},
		},
		{
			Name:     "sync",
			Type:     domain.TypeSyncListing,
			Defaults: RuleParams{Priority: 20},
			plan: func(item ports.CatalogItem, _ RuleParams) plan {
				if !listingPayloadOK(item) {
					return plan{skip: OutcomeSkippedBlocked, reason: ReasonNotListed}
				}
				return plan{payload: domain.SyncListingPayload{ListingID: item.ListingID}}
			},
		},
		{
			Name:     "withdraw",
			Type:     domain.TypeWithdrawListing,
			Defaults: RuleParams{Priority: 60},
			plan: func(item ports.CatalogItem, rp RuleParams) plan {
				if !listingPayloadOK(item) {
					return plan{skip: OutcomeSkippedBlocked, reason: ReasonNotListed}
				}
				return plan{payload: domain.WithdrawListingPayload{ListingID: item.ListingID, Reason: rp.Reason}}
			},
		},
		{
			Name: "reprice",
			Type: domain.TypeRepriceListing,
			Defaults: RuleParams{
				Priority:     40,
				MarkupPct:    decimal.NewFromInt(35),
				MinMarginPct: decimal.NewFromInt(15),
				MaxChangePct: decimal.NewFromInt(25),
			},
			Preview: true,
			plan:    planReprice,
		},
	}
	out := make(map[string]*Rule, len(rules))
	for _, r := range rules {
		out[r.Name] = r
	}
	return out
}

func planReprice(item ports.CatalogItem, rp RuleParams) plan {
	q := &Quote{Cost: item.Cost, OldPrice: item.Price}
	var p domain.Payload
	if item.ListingID != "" {
		p = domain.RepriceListingPayload{ListingID: item.ListingID, ProductID: item.ProductID, OldPrice: item.Price}
	}
	unsafe := func(reason string) plan {
		q.SafetyReason = reason
		return plan{payload: p, skip: OutcomeSkippedBlocked, reason: reason, quote: q}
	}

	if !listingPayloadOK(item) {
		return unsafe(ReasonNotListed)
	}
	if !item.Cost.IsPositive() {
		return unsafe(ReasonMissingCost)
	}

	q.NewPrice = RepricePrice(item.Cost, rp.MarkupPct)
	q.MarginPct = marginPct(item.Cost, q.NewPrice)
	p = domain.RepriceListingPayload{ListingID: item.ListingID, ProductID: item.ProductID, OldPrice: item.Price, NewPrice: q.NewPrice}
	if item.Price.IsPositive() {
		q.ChangePct = q.NewPrice.Sub(item.Price).Abs().Div(item.Price).Mul(hundred).Round(2)
	}

	switch {
	case q.MarginPct.LessThan(rp.MinMarginPct):
		return unsafe(ReasonBelowMinMargin)
	case rp.MaxChangePct.IsPositive() && item.Price.IsPositive() && q.ChangePct.GreaterThan(rp.MaxChangePct):
		return unsafe(ReasonChangeTooLarge)
	case q.NewPrice.Equal(item.Price):
		return unsafe(ReasonNoChange)
	}
	q.IsSafe = true
	return plan{payload: p, quote: q}
}

// RepricePrice is cost marked up by markupPct percent, rounded to cents.
func RepricePrice(cost, markupPct decimal.Decimal) decimal.Decimal {
	return cost.Mul(decimal.NewFromInt(1).Add(markupPct.Div(hundred))).Round(2)
}

// marginPct is (price-cost)/price as a percentage rounded to two places.
func marginPct(cost, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(cost).Div(price).Mul(hundred).Round(2)
}

type rulesFile struct {
	Rules map[string]struct {
		Priority     *int   `yaml:"priority"`
		MarkupPct    string `yaml:"markup_pct"`
		MinMarginPct string `yaml:"min_margin_pct"`
		MaxChangePct string `yaml:"max_change_pct"`
	} `yaml:"rules"`
}

// LoadRules reads rule defaults from a YAML file and overlays them on the built-in rules.
// An empty path returns the built-ins.
//
//	rules:
//	  reprice:
//	    priority: 40
//	    markup_pct: "35"
//	    min_margin_pct: "15"
//	    max_change_pct: "25"
func LoadRules(path string) (map[string]*Rule, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	for name, over := range f.Rules {
		r, ok := rules[name]
		if !ok {
			return nil, fmt.Errorf("%s: unknown rule %q", path, name)
		}
		if over.Priority != nil {
			if *over.Priority < domain.MinPriority || *over.Priority > domain.MaxPriority {
				return nil, fmt.Errorf("%s: rule %s: priority out of range", path, name)
			}
			r.Defaults.Priority = *over.Priority
		}
		for _, field := range []struct {
			raw string
			dst *decimal.Decimal
		}{
			{over.MarkupPct, &r.Defaults.MarkupPct},
			{over.MinMarginPct, &r.Defaults.MinMarginPct},
			{over.MaxChangePct, &r.Defaults.MaxChangePct},
		} {
			if field.raw == "" {
				continue
			}
			v, err := decimal.NewFromString(field.raw)
			if err != nil {
				return nil, fmt.Errorf("%s: rule %s: %w", path, name, err)
			}
			*field.dst = v
		}
	}
	return rules, nil
}
