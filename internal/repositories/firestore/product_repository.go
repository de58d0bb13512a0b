package firestore

import (
	"context"
	"errors"
	"strings"

	"github.com/calanque-market/api/internal/domain"
	pfirestore "github.com/calanque-market/api/internal/platform/firestore"
	"github.com/calanque-market/api/internal/repositories"
)

const productCollection = "products"

// ProductRepository resolves catalog listings from Firestore.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil)
	return &ProductRepository{base: base}, nil
}

// Listing loads the catalog entry for the given product ID.
func (r *ProductRepository) Listing(ctx context.Context, productID string) (domain.ProductListing, error) {
	if r == nil || r.base == nil {
		return domain.ProductListing{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.ProductListing{}, errors.New("product repository: product id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.ProductListing{}, err
	}

	return domain.ProductListing{
		ProductID: doc.ID,
		Merchant:  domain.MerchantTag(strings.ToLower(strings.TrimSpace(doc.Data.Merchant))),
		UnitPrice: doc.Data.UnitPrice,
		TaxCode:   strings.TrimSpace(doc.Data.TaxCode),
	}, nil
}

type productDocument struct {
	Merchant  string `firestore:"merchant"`
	UnitPrice int64  `firestore:"unit_price"`
	TaxCode   string `firestore:"tax_code,omitempty"`
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
