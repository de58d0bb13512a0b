package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/calanque-market/api/internal/domain"
	"github.com/calanque-market/api/internal/platform/config"
)

// ErrMerchantUnknown indicates a cart line referenced a merchant tag that is
// not present in the directory.
var ErrMerchantUnknown = errors.New("merchants: unknown merchant tag")

// MerchantDirectory resolves merchant tags to their registered payment
// destination and display metadata. The directory is immutable after
// construction.
type MerchantDirectory struct {
	byTag      map[domain.MerchantTag]domain.Merchant
	ordered    []domain.Merchant
	defaultTag domain.MerchantTag
}

// NewMerchantDirectory builds a directory from configured merchant entries.
func NewMerchantDirectory(entries []config.MerchantEntry) (*MerchantDirectory, error) {
	directory := &MerchantDirectory{
		byTag: make(map[domain.MerchantTag]domain.Merchant, len(entries)),
	}

	for _, entry := range entries {
		tag := domain.MerchantTag(strings.ToLower(strings.TrimSpace(entry.Tag)))
		if tag == "" {
			return nil, errors.New("merchants: entry without tag")
		}
		if _, exists := directory.byTag[tag]; exists {
			return nil, fmt.Errorf("merchants: duplicate tag %q", tag)
		}

		merchant := domain.Merchant{
			Tag:             tag,
			Name:            strings.TrimSpace(entry.Name),
			DisplayName:     strings.TrimSpace(entry.DisplayName),
			AccentColor:     strings.TrimSpace(entry.AccentColor),
			StripeAccountID: strings.TrimSpace(entry.AccountID),
			TaxRateBps:      entry.TaxRateBps,
			Default:         entry.Default,
		}
		if merchant.DisplayName == "" {
			merchant.DisplayName = merchant.Name
		}

		directory.byTag[tag] = merchant
		directory.ordered = append(directory.ordered, merchant)
		if entry.Default {
			if directory.defaultTag != "" {
				return nil, errors.New("merchants: multiple default merchants configured")
			}
			directory.defaultTag = tag
		}
	}

	return directory, nil
}

// Resolve returns the merchant for the given tag, case-insensitively.
func (d *MerchantDirectory) Resolve(tag domain.MerchantTag) (domain.Merchant, error) {
	normalized := domain.MerchantTag(strings.ToLower(strings.TrimSpace(string(tag))))
	merchant, ok := d.byTag[normalized]
	if !ok {
		return domain.Merchant{}, fmt.Errorf("%w: %s", ErrMerchantUnknown, tag)
	}
	return merchant, nil
}

// Default returns the configured default merchant when one exists.
func (d *MerchantDirectory) Default() (domain.Merchant, bool) {
	if d.defaultTag == "" {
		return domain.Merchant{}, false
	}
	merchant, ok := d.byTag[d.defaultTag]
	return merchant, ok
}

// All returns the merchants in configuration order.
func (d *MerchantDirectory) All() []domain.Merchant {
	out := make([]domain.Merchant, len(d.ordered))
	copy(out, d.ordered)
	return out
}

// StoreInfo assembles the response metadata for a merchant.
func StoreInfo(merchant domain.Merchant) domain.StoreInfo {
	return domain.StoreInfo{
		Tag:         merchant.Tag,
		Name:        merchant.Name,
		DisplayName: merchant.DisplayName,
		AccentColor: merchant.AccentColor,
	}
}
