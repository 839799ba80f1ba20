// Package market defines the contract the engine requires from the
// external market-data collaborator. Feature computation (structure,
// liquidity, volatility) happens upstream; the engine only consumes
// quotes and opaque snapshots.
package market

import (
	"context"

	"tradewatch/internal/models"
)

// Provider supplies quotes and market-feature snapshots.
type Provider interface {
	// GetQuote returns the current bid/ask for a symbol.
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)

	// GetQuotes returns quotes for up to the provider's batch limit of
	// symbols in one call. Missing symbols are absent from the result,
	// not an error.
	GetQuotes(ctx context.Context, symbols []string) (map[string]*models.Quote, error)

	// GetSnapshot returns the market-feature bundle for a symbol.
	GetSnapshot(ctx context.Context, symbol string) (*models.Snapshot, error)
}
