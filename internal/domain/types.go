package domain

import (
	"time"
)

// MerchantTag identifies the payment destination a line item settles against.
type MerchantTag string

// Merchant describes a payment destination registered in the merchant directory.
type Merchant struct {
	Tag             MerchantTag
	Name            string
	DisplayName     string
	AccentColor     string
	StripeAccountID string
	TaxRateBps      int64
	Default         bool
}

// Connected reports whether the merchant settles through a connected PSP account
// rather than the platform account.
func (m Merchant) Connected() bool {
	return m.StripeAccountID != ""
}

// ItemVariant captures the buyer-selected product variant for a cart line.
type ItemVariant struct {
	Size       string
	Color      string
	ColorLabel string
}

// CartLineItem is a single purchasable entry within a checkout request.
type CartLineItem struct {
	ID        string
	Merchant  MerchantTag
	Name      string
	UnitPrice int64
	Quantity  int
	Variant   ItemVariant
	ImageURL  string
}

// LineTotal returns the item subtotal in minor currency units.
func (i CartLineItem) LineTotal() int64 {
	if i.Quantity <= 0 || i.UnitPrice < 0 {
		return 0
	}
	return i.UnitPrice * int64(i.Quantity)
}

// Buyer identifies the purchasing user. Either field may be empty for guests,
// but at least one must be present to create sessions.
type Buyer struct {
	UserID string
	Email  string
}

// Discount is the externally quoted reduction applied once across the cart.
type Discount struct {
	Code   string
	Amount int64
}

// CheckoutRequest is the inbound order intent for one checkout attempt.
type CheckoutRequest struct {
	CartID          string
	Items           []CartLineItem
	ShippingMethod  string
	Discount        *Discount
	PrimaryMerchant MerchantTag
	Buyer           Buyer
}

// MerchantPartition groups the subset of a cart belonging to one merchant.
// It is a transient computation artifact and is never persisted.
type MerchantPartition struct {
	Merchant Merchant
	Index    int
	Items    []CartLineItem
	Subtotal int64
	Primary  bool
}

// ItemCount returns the number of distinct line entries in the partition.
func (p MerchantPartition) ItemCount() int {
	return len(p.Items)
}

// AllocatedCosts carries the per-partition share of shipping, tax, and
// discount. Across all partitions of one request the shipping shares sum to
// the single quoted fee and the discount shares sum to the quoted discount.
type AllocatedCosts struct {
	Shipping     int64
	ShippingName string
	Tax          int64
	Discount     int64
}

// CheckoutStatus is the terminal outcome of one orchestration attempt.
type CheckoutStatus string

const (
	// CheckoutSucceeded indicates a session was created for every partition.
	CheckoutSucceeded CheckoutStatus = "succeeded"
	// CheckoutPartiallyFailed indicates at least one partition succeeded and
	// at least one failed. Succeeded sessions are never cancelled.
	CheckoutPartiallyFailed CheckoutStatus = "partially_failed"
	// CheckoutFailed indicates no session was created.
	CheckoutFailed CheckoutStatus = "failed"
)

// StoreInfo is the display metadata for a merchant embedded in responses.
type StoreInfo struct {
	Tag         MerchantTag
	Name        string
	DisplayName string
	AccentColor string
}

// CheckoutSessionRecord is the immutable record of one created PSP session.
// Corrections happen through new sessions, never through edits.
type CheckoutSessionRecord struct {
	Merchant    MerchantTag
	Store       StoreInfo
	SessionID   string
	OrderNumber string
	ItemCount   int
	Amount      int64
	Currency    string
	CheckoutURL string
	CreatedAt   time.Time
}

// PartitionFailure reports a partition whose session could not be created.
type PartitionFailure struct {
	Merchant MerchantTag
	Reason   string
}

// AggregatedCheckoutResult is the caller-facing outcome of one checkout
// attempt spanning one or more merchants.
type AggregatedCheckoutResult struct {
	Status            CheckoutStatus
	ParentOrderNumber string
	SessionCount      int
	PrimarySession    *CheckoutSessionRecord
	AllSessions       []CheckoutSessionRecord
	Failures          []PartitionFailure
	CreatedAt         time.Time
}

// FailedMerchants lists the merchant tags whose partitions failed.
func (r AggregatedCheckoutResult) FailedMerchants() []MerchantTag {
	if len(r.Failures) == 0 {
		return nil
	}
	tags := make([]MerchantTag, 0, len(r.Failures))
	for _, f := range r.Failures {
		tags = append(tags, f.Merchant)
	}
	return tags
}

// ShippingRate is one entry of the configured shipping rate table.
type ShippingRate struct {
	Method        string
	DisplayName   string
	Amount        int64
	FreeAbove     int64
	MinDeliveryBD int
	MaxDeliveryBD int
}

// ProductListing is the catalog lookup result used to resolve line items
// whose merchant or price is not supplied by the caller.
type ProductListing struct {
	ProductID string
	Merchant  MerchantTag
	UnitPrice int64
	TaxCode   string
}
