package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/calanque-market/api/internal/domain"
	"github.com/calanque-market/api/internal/platform/config"
)

// Shipping methods accepted at checkout.
const (
	ShippingMethodStandard = "standard"
	ShippingMethodExpress  = "express"
	ShippingMethodPickup   = "pickup"
)

// Allocation errors.
var (
	// ErrUnknownShippingMethod indicates the requested shipping method is not offered.
	ErrUnknownShippingMethod = errors.New("checkout: unknown shipping method")
	// ErrDiscountExceedsSubtotal indicates the quoted discount is larger than the cart subtotal.
	ErrDiscountExceedsSubtotal = errors.New("checkout: discount exceeds cart subtotal")
)

// PricingAllocator distributes cart-level shipping, discount, and tax across
// merchant partitions. The single shipping fee is charged once, on the
// primary partition. The discount is split proportionally to each
// partition's subtotal share, with the rounding residual credited to the
// primary partition so the shares always sum to the quoted discount.
type PricingAllocator struct {
	shipping config.ShippingConfig
}

// NewPricingAllocator constructs an allocator using the configured shipping table.
func NewPricingAllocator(shipping config.ShippingConfig) *PricingAllocator {
	return &PricingAllocator{shipping: shipping}
}

// ResolveShippingRate selects the shipping rate for the method and cart
// subtotal. Standard shipping is free at or above the configured threshold.
func (a *PricingAllocator) ResolveShippingRate(method string, cartSubtotal int64) (domain.ShippingRate, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", ShippingMethodStandard:
		amount := a.shipping.StandardAmount
		if a.shipping.StandardFreeAbove > 0 && cartSubtotal >= a.shipping.StandardFreeAbove {
			amount = 0
		}
		return domain.ShippingRate{
			Method:        ShippingMethodStandard,
			DisplayName:   "Standard",
			Amount:        amount,
			FreeAbove:     a.shipping.StandardFreeAbove,
			MinDeliveryBD: 3,
			MaxDeliveryBD: 5,
		}, nil
	case ShippingMethodExpress:
		return domain.ShippingRate{
			Method:        ShippingMethodExpress,
			DisplayName:   "Express",
			Amount:        a.shipping.ExpressAmount,
			MinDeliveryBD: 1,
			MaxDeliveryBD: 2,
		}, nil
	case ShippingMethodPickup:
		if !a.shipping.PickupEnabled {
			return domain.ShippingRate{}, fmt.Errorf("%w: %s", ErrUnknownShippingMethod, method)
		}
		return domain.ShippingRate{
			Method:      ShippingMethodPickup,
			DisplayName: "Store pickup",
			Amount:      0,
		}, nil
	default:
		return domain.ShippingRate{}, fmt.Errorf("%w: %s", ErrUnknownShippingMethod, method)
	}
}

// Allocate computes the per-partition cost shares. The returned slice is
// indexed identically to partitions. The discount may be zero; a discount
// larger than the combined subtotal, or one whose residual-adjusted share
// exceeds a partition's own subtotal, is rejected rather than clamped.
func (a *PricingAllocator) Allocate(partitions []domain.MerchantPartition, rate domain.ShippingRate, discount int64) ([]domain.AllocatedCosts, error) {
	if len(partitions) == 0 {
		return nil, ErrCartEmpty
	}
	if discount < 0 {
		return nil, fmt.Errorf("%w: negative discount", ErrCartInvalidItem)
	}

	var total int64
	primaryIdx := 0
	for i, partition := range partitions {
		total += partition.Subtotal
		if partition.Primary {
			primaryIdx = i
		}
	}
	if discount > total {
		return nil, ErrDiscountExceedsSubtotal
	}

	costs := make([]domain.AllocatedCosts, len(partitions))

	var allocated int64
	for i, partition := range partitions {
		var share int64
		if total > 0 {
			share = discount * partition.Subtotal / total
		}
		costs[i].Discount = share
		allocated += share
	}
	costs[primaryIdx].Discount += discount - allocated

	// The rounding residual can push the primary's share past its own
	// subtotal even when the total discount fits the cart. That would turn
	// into an oversized coupon downstream, so it is rejected here.
	for i, partition := range partitions {
		if costs[i].Discount > partition.Subtotal {
			return nil, fmt.Errorf("%w: %s share %d exceeds partition subtotal %d",
				ErrDiscountExceedsSubtotal, partition.Merchant.Tag, costs[i].Discount, partition.Subtotal)
		}
	}

	costs[primaryIdx].Shipping = rate.Amount
	costs[primaryIdx].ShippingName = rate.DisplayName

	for i, partition := range partitions {
		taxable := partition.Subtotal - costs[i].Discount
		costs[i].Tax = taxable * partition.Merchant.TaxRateBps / 10000
	}

	return costs, nil
}
