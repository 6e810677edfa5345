package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/aprfresh/api/internal/domain"
)

func TestCatalogServiceStockSummary(t *testing.T) {
	products := newStubProductRepository(
		domain.Product{ID: "p1", Name: "Flour", Category: "staples", StockQuantity: 0, TrackInventory: true, IsAvailable: false},
		domain.Product{ID: "p2", Name: "Sugar", Category: "staples", StockQuantity: 4, TrackInventory: true, IsAvailable: true},
		domain.Product{ID: "p3", Name: "Salt", Category: "staples", StockQuantity: 120, TrackInventory: true, IsAvailable: true},
		domain.Product{ID: "p4", Name: "Basil", Category: "herbs", StockQuantity: 1, TrackInventory: false, IsAvailable: true},
	)

	svc, err := NewCatalogService(CatalogServiceDeps{Products: products})
	if err != nil {
		t.Fatalf("new catalog service: %v", err)
	}

	summary, err := svc.StockSummary(context.Background(), 5)
	if err != nil {
		t.Fatalf("stock summary: %v", err)
	}

	if summary.TrackedCount != 3 {
		t.Fatalf("expected 3 tracked products, got %d", summary.TrackedCount)
	}
	if summary.LowStockCount != 2 {
		t.Fatalf("expected 2 low-stock products, got %d", summary.LowStockCount)
	}
	if len(summary.LowStock) != 2 || summary.LowStock[0].ProductID != "p1" || summary.LowStock[1].ProductID != "p2" {
		t.Fatalf("expected emptiest shelves first, got %+v", summary.LowStock)
	}
	if summary.Threshold != 5 {
		t.Fatalf("expected threshold 5, got %d", summary.Threshold)
	}
}

func TestCatalogServiceStockSummaryValidation(t *testing.T) {
	svc, err := NewCatalogService(CatalogServiceDeps{Products: newStubProductRepository()})
	if err != nil {
		t.Fatalf("new catalog service: %v", err)
	}
	if _, err := svc.StockSummary(context.Background(), -1); !errors.Is(err, ErrCatalogInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCatalogServiceGetProduct(t *testing.T) {
	products := newStubProductRepository(
		domain.Product{ID: "p1", Name: "Flour", IsAvailable: true},
	)
	svc, err := NewCatalogService(CatalogServiceDeps{Products: products})
	if err != nil {
		t.Fatalf("new catalog service: %v", err)
	}

	product, err := svc.GetProduct(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Name != "Flour" {
		t.Fatalf("expected Flour, got %s", product.Name)
	}

	if _, err := svc.GetProduct(context.Background(), "p404"); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
