package services

import (
	"errors"
	"testing"

	"github.com/calanque-market/api/internal/domain"
	"github.com/calanque-market/api/internal/platform/config"
)

func testMerchantEntries() []config.MerchantEntry {
	return []config.MerchantEntry{
		{Tag: "main", Name: "Maison Calanque", AccentColor: "#1f2937", TaxRateBps: 2000, Default: true},
		{Tag: "corner", Name: "The Corner", DisplayName: "The Corner Shop", AccountID: "acct_1AbC", TaxRateBps: 1000},
	}
}

func newTestDirectory(t *testing.T) *MerchantDirectory {
	t.Helper()
	directory, err := NewMerchantDirectory(testMerchantEntries())
	if err != nil {
		t.Fatalf("NewMerchantDirectory returned error: %v", err)
	}
	return directory
}

func TestMerchantDirectoryResolve(t *testing.T) {
	directory := newTestDirectory(t)

	merchant, err := directory.Resolve("MAIN")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if merchant.Tag != "main" || merchant.Name != "Maison Calanque" {
		t.Fatalf("unexpected merchant %+v", merchant)
	}
	if merchant.Connected() {
		t.Fatal("expected main merchant to settle on the platform account")
	}
	if merchant.DisplayName != "Maison Calanque" {
		t.Fatalf("expected display name fallback, got %s", merchant.DisplayName)
	}

	corner, err := directory.Resolve("corner")
	if err != nil {
		t.Fatalf("Resolve corner returned error: %v", err)
	}
	if !corner.Connected() || corner.StripeAccountID != "acct_1AbC" {
		t.Fatalf("expected connected merchant, got %+v", corner)
	}
	if corner.DisplayName != "The Corner Shop" {
		t.Fatalf("unexpected display name %s", corner.DisplayName)
	}

	if _, err := directory.Resolve("ghost"); !errors.Is(err, ErrMerchantUnknown) {
		t.Fatalf("expected ErrMerchantUnknown, got %v", err)
	}
}

func TestMerchantDirectoryDefault(t *testing.T) {
	directory := newTestDirectory(t)

	fallback, ok := directory.Default()
	if !ok || fallback.Tag != "main" {
		t.Fatalf("expected main as default merchant, got %+v ok=%v", fallback, ok)
	}

	noDefault, err := NewMerchantDirectory([]config.MerchantEntry{{Tag: "solo", Name: "Solo"}})
	if err != nil {
		t.Fatalf("NewMerchantDirectory returned error: %v", err)
	}
	if _, ok := noDefault.Default(); ok {
		t.Fatal("expected no default merchant")
	}
}

func TestMerchantDirectoryRejectsDuplicates(t *testing.T) {
	entries := []config.MerchantEntry{
		{Tag: "main", Name: "A"},
		{Tag: "MAIN", Name: "B"},
	}
	if _, err := NewMerchantDirectory(entries); err == nil {
		t.Fatal("expected error for duplicate tags")
	}
}

func TestMerchantDirectoryRejectsMultipleDefaults(t *testing.T) {
	entries := []config.MerchantEntry{
		{Tag: "a", Name: "A", Default: true},
		{Tag: "b", Name: "B", Default: true},
	}
	if _, err := NewMerchantDirectory(entries); err == nil {
		t.Fatal("expected error for multiple defaults")
	}
}

func TestStoreInfo(t *testing.T) {
	info := StoreInfo(domain.Merchant{Tag: "corner", Name: "The Corner", DisplayName: "The Corner Shop", AccentColor: "#b45309"})
	if info.Tag != "corner" || info.DisplayName != "The Corner Shop" || info.AccentColor != "#b45309" {
		t.Fatalf("unexpected store info %+v", info)
	}
}
