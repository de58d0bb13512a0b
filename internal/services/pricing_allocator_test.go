package services

import (
	"errors"
	"testing"

	"github.com/calanque-market/api/internal/domain"
	"github.com/calanque-market/api/internal/platform/config"
)

func testShippingConfig() config.ShippingConfig {
	return config.ShippingConfig{
		StandardAmount:    590,
		StandardFreeAbove: 20000,
		ExpressAmount:     990,
		PickupEnabled:     true,
	}
}

func testPartitions(t *testing.T) []domain.MerchantPartition {
	t.Helper()
	partitions, err := newTestPartitioner(t).Partition(mixedCart(), "")
	if err != nil {
		t.Fatalf("Partition returned error: %v", err)
	}
	return partitions
}

func TestResolveShippingRate(t *testing.T) {
	allocator := NewPricingAllocator(testShippingConfig())

	rate, err := allocator.ResolveShippingRate("standard", 10000)
	if err != nil {
		t.Fatalf("ResolveShippingRate returned error: %v", err)
	}
	if rate.Amount != 590 || rate.DisplayName != "Standard" {
		t.Fatalf("unexpected standard rate %+v", rate)
	}

	free, err := allocator.ResolveShippingRate("standard", 20000)
	if err != nil {
		t.Fatalf("ResolveShippingRate returned error: %v", err)
	}
	if free.Amount != 0 {
		t.Fatalf("expected free shipping at threshold, got %d", free.Amount)
	}

	express, err := allocator.ResolveShippingRate("EXPRESS", 50000)
	if err != nil {
		t.Fatalf("ResolveShippingRate returned error: %v", err)
	}
	if express.Amount != 990 {
		t.Fatalf("expected express to ignore the free threshold, got %d", express.Amount)
	}

	pickup, err := allocator.ResolveShippingRate("pickup", 100)
	if err != nil {
		t.Fatalf("ResolveShippingRate returned error: %v", err)
	}
	if pickup.Amount != 0 {
		t.Fatalf("expected free pickup, got %d", pickup.Amount)
	}

	defaulted, err := allocator.ResolveShippingRate("", 100)
	if err != nil {
		t.Fatalf("ResolveShippingRate returned error: %v", err)
	}
	if defaulted.Method != ShippingMethodStandard {
		t.Fatalf("expected empty method to default to standard, got %s", defaulted.Method)
	}

	if _, err := allocator.ResolveShippingRate("drone", 100); !errors.Is(err, ErrUnknownShippingMethod) {
		t.Fatalf("expected ErrUnknownShippingMethod, got %v", err)
	}

	disabled := testShippingConfig()
	disabled.PickupEnabled = false
	if _, err := NewPricingAllocator(disabled).ResolveShippingRate("pickup", 100); !errors.Is(err, ErrUnknownShippingMethod) {
		t.Fatalf("expected pickup rejection when disabled, got %v", err)
	}
}

func TestAllocateShippingChargedOnce(t *testing.T) {
	allocator := NewPricingAllocator(testShippingConfig())
	partitions := testPartitions(t)

	rate := domain.ShippingRate{Method: ShippingMethodStandard, DisplayName: "Standard", Amount: 590}
	costs, err := allocator.Allocate(partitions, rate, 0)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	var shippingTotal int64
	charged := 0
	for i, cost := range costs {
		shippingTotal += cost.Shipping
		if cost.Shipping > 0 {
			charged++
			if !partitions[i].Primary {
				t.Fatal("expected shipping on the primary partition only")
			}
		}
	}
	if shippingTotal != 590 || charged != 1 {
		t.Fatalf("expected shipping charged exactly once, total=%d charged=%d", shippingTotal, charged)
	}
	if costs[0].ShippingName != "Standard" {
		t.Fatalf("expected shipping label on primary, got %q", costs[0].ShippingName)
	}
}

func TestAllocateDiscountProportionalWithResidual(t *testing.T) {
	allocator := NewPricingAllocator(testShippingConfig())
	partitions := testPartitions(t)

	// Subtotals: main 9000, corner 5000, total 14000. A 1000 discount splits
	// 642 / 357 by floor division, leaving 1 for the primary partition.
	rate := domain.ShippingRate{Method: ShippingMethodPickup, DisplayName: "Store pickup"}
	costs, err := allocator.Allocate(partitions, rate, 1000)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	var discountTotal int64
	for _, cost := range costs {
		discountTotal += cost.Discount
	}
	if discountTotal != 1000 {
		t.Fatalf("expected discount shares to sum to 1000, got %d", discountTotal)
	}
	if costs[0].Discount != 643 {
		t.Fatalf("expected primary share 643 (642 + residual), got %d", costs[0].Discount)
	}
	if costs[1].Discount != 357 {
		t.Fatalf("expected secondary share 357, got %d", costs[1].Discount)
	}
}

func TestAllocateTaxPerMerchantRate(t *testing.T) {
	allocator := NewPricingAllocator(testShippingConfig())
	partitions := testPartitions(t)

	rate := domain.ShippingRate{Method: ShippingMethodPickup}
	costs, err := allocator.Allocate(partitions, rate, 0)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	// main: 9000 at 2000 bps, corner: 5000 at 1000 bps.
	if costs[0].Tax != 1800 {
		t.Fatalf("unexpected main tax %d", costs[0].Tax)
	}
	if costs[1].Tax != 500 {
		t.Fatalf("unexpected corner tax %d", costs[1].Tax)
	}
}

func TestAllocateTaxAppliesAfterDiscount(t *testing.T) {
	allocator := NewPricingAllocator(testShippingConfig())
	partitions := testPartitions(t)

	rate := domain.ShippingRate{Method: ShippingMethodPickup}
	costs, err := allocator.Allocate(partitions, rate, 1400)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}

	// main taxable: 9000 - 900 = 8100 at 2000 bps.
	if costs[0].Tax != 1620 {
		t.Fatalf("unexpected discounted main tax %d", costs[0].Tax)
	}
	// corner taxable: 5000 - 500 = 4500 at 1000 bps.
	if costs[1].Tax != 450 {
		t.Fatalf("unexpected discounted corner tax %d", costs[1].Tax)
	}
}

func TestAllocateRejectsOversizedDiscount(t *testing.T) {
	allocator := NewPricingAllocator(testShippingConfig())
	partitions := testPartitions(t)

	rate := domain.ShippingRate{Method: ShippingMethodPickup}
	if _, err := allocator.Allocate(partitions, rate, 14001); !errors.Is(err, ErrDiscountExceedsSubtotal) {
		t.Fatalf("expected ErrDiscountExceedsSubtotal, got %v", err)
	}

	if _, err := allocator.Allocate(partitions, rate, 14000); err != nil {
		t.Fatalf("expected discount equal to subtotal to pass, got %v", err)
	}

	if _, err := allocator.Allocate(nil, rate, 0); !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("expected ErrCartEmpty, got %v", err)
	}
}

func TestAllocateRejectsResidualOverflowingPrimarySubtotal(t *testing.T) {
	allocator := NewPricingAllocator(testShippingConfig())

	// Subtotals 2/3/3 with a discount of 7: floor shares are 1/2/2 and the
	// residual of 2 would lift the primary to 3, past its own subtotal of 2,
	// even though 7 fits the cart total of 8.
	partitions := []domain.MerchantPartition{
		{Merchant: domain.Merchant{Tag: "main", TaxRateBps: 2000}, Index: 0, Subtotal: 2, Primary: true},
		{Merchant: domain.Merchant{Tag: "corner", TaxRateBps: 1000}, Index: 1, Subtotal: 3},
		{Merchant: domain.Merchant{Tag: "annex", TaxRateBps: 1000}, Index: 2, Subtotal: 3},
	}

	rate := domain.ShippingRate{Method: ShippingMethodPickup}
	if _, err := allocator.Allocate(partitions, rate, 7); !errors.Is(err, ErrDiscountExceedsSubtotal) {
		t.Fatalf("expected ErrDiscountExceedsSubtotal for overflowing primary share, got %v", err)
	}

	// One unit less leaves the primary exactly at its subtotal and must pass.
	costs, err := allocator.Allocate(partitions, rate, 6)
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	var sum int64
	for _, cost := range costs {
		sum += cost.Discount
	}
	if sum != 6 {
		t.Fatalf("expected discount shares to sum to 6, got %d", sum)
	}
	if costs[0].Discount > partitions[0].Subtotal {
		t.Fatalf("primary share %d exceeds its subtotal", costs[0].Discount)
	}
}
