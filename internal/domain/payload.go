package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type CommandType string

const (
	TypeScrapeSupplier  CommandType = "SCRAPE_SUPPLIER"
	TypeEnrichProduct   CommandType = "ENRICH_PRODUCT"
	TypeBuildDraft      CommandType = "BUILD_DRAFT"
	TypePublishListing  CommandType = "PUBLISH_LISTING"
	TypeSyncListing     CommandType = "SYNC_LISTING"
	TypeWithdrawListing CommandType = "WITHDRAW_LISTING"
	TypeRepriceListing  CommandType = "REPRICE_LISTING"
)

var AllTypes = []CommandType{
	TypeScrapeSupplier,
	TypeEnrichProduct,
	TypeBuildDraft,
	TypePublishListing,
	TypeSyncListing,
	TypeWithdrawListing,
	TypeRepriceListing,
}

func (t CommandType) Valid() bool {
	for _, v := range AllTypes {
		if v == t {
			return true
		}
	}
	return false
}

func ParseCommandType(v string) (CommandType, error) {
	t := CommandType(v)
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown command type %q", v)}
	}
	return t, nil
}

// Payload is the typed input of one command type.
type Payload interface {
	CommandType() CommandType
	// Target identifies the item the command acts on; two non-terminal commands of
	// the same type never share a target.
	Target() string
	Validate() error
}

type ScrapeSupplierPayload struct {
	SupplierID int64 `json:"supplier_id"`
}

func (p ScrapeSupplierPayload) CommandType() CommandType { return TypeScrapeSupplier }
func (p ScrapeSupplierPayload) Target() string           { return supplierTarget(p.SupplierID) }
func (p ScrapeSupplierPayload) Validate() error          { return positive("supplier_id", p.SupplierID) }

type EnrichProductPayload struct {
	ProductID int64 `json:"product_id"`
}

func (p EnrichProductPayload) CommandType() CommandType { return TypeEnrichProduct }
func (p EnrichProductPayload) Target() string           { return productTarget(p.ProductID) }
func (p EnrichProductPayload) Validate() error          { return positive("product_id", p.ProductID) }

type BuildDraftPayload struct {
	ProductID int64 `json:"product_id"`
}

func (p BuildDraftPayload) CommandType() CommandType { return TypeBuildDraft }
func (p BuildDraftPayload) Target() string           { return productTarget(p.ProductID) }
func (p BuildDraftPayload) Validate() error          { return positive("product_id", p.ProductID) }

type PublishListingPayload struct {
	ProductID int64 `json:"product_id"`
}

func (p PublishListingPayload) CommandType() CommandType { return TypePublishListing }
func (p PublishListingPayload) Target() string           { return productTarget(p.ProductID) }
func (p PublishListingPayload) Validate() error          { return positive("product_id", p.ProductID) }

type SyncListingPayload struct {
	ListingID string `json:"listing_id"`
}

func (p SyncListingPayload) CommandType() CommandType { return TypeSyncListing }
func (p SyncListingPayload) Target() string           { return listingTarget(p.ListingID) }
func (p SyncListingPayload) Validate() error          { return required("listing_id", p.ListingID) }

type WithdrawListingPayload struct {
	ListingID string `json:"listing_id"`
	Reason    string `json:"reason,omitempty"`
}

func (p WithdrawListingPayload) CommandType() CommandType { return TypeWithdrawListing }
func (p WithdrawListingPayload) Target() string           { return listingTarget(p.ListingID) }
func (p WithdrawListingPayload) Validate() error          { return required("listing_id", p.ListingID) }

type RepriceListingPayload struct {
	ListingID string          `json:"listing_id"`
	ProductID int64           `json:"product_id"`
	OldPrice  decimal.Decimal `json:"old_price"`
	NewPrice  decimal.Decimal `json:"new_price"`
}

func (p RepriceListingPayload) CommandType() CommandType { return TypeRepriceListing }
func (p RepriceListingPayload) Target() string           { return listingTarget(p.ListingID) }

func (p RepriceListingPayload) Validate() error {
	if err := required("listing_id", p.ListingID); err != nil {
		return err
	}
	if !p.NewPrice.IsPositive() {
		return &ValidationError{Field: "new_price", Reason: "must be positive"}
	}
	return nil
}

// DecodePayload parses raw JSON into the payload variant of t.
func DecodePayload(t CommandType, raw json.RawMessage) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeScrapeSupplier:
		p, err = decodeInto[ScrapeSupplierPayload](raw)
	case TypeEnrichProduct:
		p, err = decodeInto[EnrichProductPayload](raw)
	case TypeBuildDraft:
		p, err = decodeInto[BuildDraftPayload](raw)
	case TypePublishListing:
		p, err = decodeInto[PublishListingPayload](raw)
	case TypeSyncListing:
		p, err = decodeInto[SyncListingPayload](raw)
	case TypeWithdrawListing:
		p, err = decodeInto[WithdrawListingPayload](raw)
	case TypeRepriceListing:
		p, err = decodeInto[RepriceListingPayload](raw)
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown command type %q", t)}
	}
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return p, nil
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func supplierTarget(id int64) string { return fmt.Sprintf("supplier:%d", id) }
func productTarget(id int64) string  { return fmt.Sprintf("product:%d", id) }
func listingTarget(id string) string { return "listing:" + id }

func positive(field string, v int64) error {
	if v <= 0 {
		return &ValidationError{Field: field, Reason: "must be positive"}
	}
	return nil
}

func required(field, v string) error {
	if v == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}
