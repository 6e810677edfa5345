package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aprfresh/api/internal/repositories"
)

const defaultStockScanLimit = 500

var (
	// ErrCatalogInvalidInput signals invalid catalog query parameters.
	ErrCatalogInvalidInput = errors.New("catalog: invalid input")
	// ErrProductNotFound indicates the product does not exist.
	ErrProductNotFound = errors.New("catalog: product not found")
)

// CatalogServiceDeps bundles collaborators required to construct the catalog service.
type CatalogServiceDeps struct {
	Products repositories.ProductRepository
}

type catalogService struct {
	products repositories.ProductRepository
}

// NewCatalogService constructs the read-only catalog view service.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errors.New("catalog service: product repository is required")
	}
	return &catalogService{products: deps.Products}, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}
	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return Product{}, err
	}
	return product, nil
}

// StockSummary reports inventory-tracked products at or below the threshold,
// ordered by ascending stock so the emptiest shelves come first.
func (s *catalogService) StockSummary(ctx context.Context, threshold int) (StockSummary, error) {
	if threshold < 0 {
		return StockSummary{}, fmt.Errorf("%w: threshold must not be negative", ErrCatalogInvalidInput)
	}

	tracked, err := s.products.ListTracked(ctx, defaultStockScanLimit)
	if err != nil {
		return StockSummary{}, err
	}

	summary := StockSummary{
		Threshold:    threshold,
		TrackedCount: len(tracked),
	}
	for _, product := range tracked {
		if product.StockQuantity > threshold {
			// ListTracked orders by ascending stock.
			break
		}
		summary.LowStockCount++
		summary.LowStock = append(summary.LowStock, stockLine(product))
	}
	return summary, nil
}

func stockLine(product Product) StockLine {
	return StockLine{
		ProductID:     product.ID,
		Name:          product.Name,
		Category:      product.Category,
		StockQuantity: product.StockQuantity,
		IsAvailable:   product.IsAvailable,
	}
}
