package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/calanque-market/api/internal/domain"
)

// Partitioning errors.
var (
	// ErrCartEmpty indicates the request carried no purchasable items.
	ErrCartEmpty = errors.New("checkout: cart is empty")
	// ErrCartInvalidItem indicates a line item failed validation.
	ErrCartInvalidItem = errors.New("checkout: invalid cart item")
)

// CartPartitioner splits a cart into per-merchant partitions. Partition order
// is deterministic: the primary partition first, the remainder in order of
// first appearance in the cart.
type CartPartitioner struct {
	merchants *MerchantDirectory
}

// NewCartPartitioner constructs a partitioner backed by the merchant directory.
func NewCartPartitioner(merchants *MerchantDirectory) (*CartPartitioner, error) {
	if merchants == nil {
		return nil, errors.New("cart partitioner: merchant directory is required")
	}
	return &CartPartitioner{merchants: merchants}, nil
}

// Partition groups the items by merchant. Every item must carry a known
// merchant tag, a positive quantity, and a non-negative unit price. The
// primary partition is chosen from the explicit preference, then the
// directory default, then the first partition in cart order.
func (p *CartPartitioner) Partition(items []domain.CartLineItem, preferredPrimary domain.MerchantTag) ([]domain.MerchantPartition, error) {
	if len(items) == 0 {
		return nil, ErrCartEmpty
	}

	byTag := make(map[domain.MerchantTag]*domain.MerchantPartition)
	var order []domain.MerchantTag

	for i, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return nil, fmt.Errorf("%w: item %d is missing an id", ErrCartInvalidItem, i)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %q has non-positive quantity", ErrCartInvalidItem, item.ID)
		}
		if item.UnitPrice < 0 {
			return nil, fmt.Errorf("%w: item %q has negative unit price", ErrCartInvalidItem, item.ID)
		}

		merchant, err := p.merchants.Resolve(item.Merchant)
		if err != nil {
			return nil, err
		}
		item.Merchant = merchant.Tag

		partition, ok := byTag[merchant.Tag]
		if !ok {
			partition = &domain.MerchantPartition{Merchant: merchant}
			byTag[merchant.Tag] = partition
			order = append(order, merchant.Tag)
		}
		partition.Items = append(partition.Items, item)
		partition.Subtotal += item.LineTotal()
	}

	primaryTag := p.primaryTag(byTag, order, preferredPrimary)

	partitions := make([]domain.MerchantPartition, 0, len(order))
	appendPartition := func(tag domain.MerchantTag) {
		partition := byTag[tag]
		partition.Index = len(partitions)
		partition.Primary = tag == primaryTag
		partitions = append(partitions, *partition)
	}

	appendPartition(primaryTag)
	for _, tag := range order {
		if tag != primaryTag {
			appendPartition(tag)
		}
	}

	return partitions, nil
}

func (p *CartPartitioner) primaryTag(byTag map[domain.MerchantTag]*domain.MerchantPartition, order []domain.MerchantTag, preferred domain.MerchantTag) domain.MerchantTag {
	if preferred != "" {
		normalized := domain.MerchantTag(strings.ToLower(strings.TrimSpace(string(preferred))))
		if _, ok := byTag[normalized]; ok {
			return normalized
		}
	}
	if fallback, ok := p.merchants.Default(); ok {
		if _, present := byTag[fallback.Tag]; present {
			return fallback.Tag
		}
	}
	return order[0]
}
