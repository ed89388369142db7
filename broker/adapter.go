// Package broker defines the canonical broker adapter surface and the IG
// REST + streaming implementations behind it. Everything above this package
// (router, reconciler, feeds) talks to the Adapter interface only.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Stratton1/SOLATv3.1-sub000/types"
)

// DealStatus is the broker's verdict on an order confirmation.
type DealStatus string

const (
	DealAccepted DealStatus = "ACCEPTED"
	DealRejected DealStatus = "REJECTED"
	DealPending  DealStatus = "PENDING"
)

// Account is one broker account visible to the current session.
type Account struct {
	ID        string          `json:"accountId"`
	Name      string          `json:"accountName"`
	Type      string          `json:"accountType"`
	Preferred bool            `json:"preferred"`
	IsLive    bool            `json:"isLive"`
	Available decimal.Decimal `json:"available"`
	Currency  string          `json:"currency"`
}

// OrderRequest is a market order submission.
type OrderRequest struct {
	Epic          string
	Direction     types.Direction
	Size          decimal.Decimal
	StopLevel     decimal.Decimal // zero = no stop
	LimitLevel    decimal.Decimal // zero = no limit
	DealReference string
	CurrencyCode  string
}

// OrderResponse is the broker confirmation for a submitted order.
type OrderResponse struct {
	DealReference string     `json:"dealReference"`
	DealID        string     `json:"dealId"`
	Status        DealStatus `json:"dealStatus"`
	Reason        string     `json:"reason,omitempty"`
	Level         decimal.Decimal
}

// WorkingOrder is a resting (non-market) order on the broker side.
type WorkingOrder struct {
	DealID    string
	Epic      string
	Direction types.Direction
	Size      decimal.Decimal
	Level     decimal.Decimal
	CreatedAt time.Time
}

// MarketDetails is a REST snapshot of one instrument.
type MarketDetails struct {
	Epic         string
	Symbol       string
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	MinDealSize  decimal.Decimal
	MaxDealSize  decimal.Decimal
	DealSizeStep decimal.Decimal
	MarketStatus string
	UpdateTime   time.Time
}

// Adapter is the broker surface the execution and market-data layers depend
// on. All calls are blocking I/O and honor the context.
type Adapter interface {
	VerifySession(ctx context.Context) error
	ListAccounts(ctx context.Context) ([]Account, error)
	ListPositions(ctx context.Context) ([]types.PositionView, error)
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	ClosePosition(ctx context.Context, dealID string, direction types.Direction, size decimal.Decimal) (OrderResponse, error)
	GetWorkingOrders(ctx context.Context) ([]WorkingOrder, error)
	CancelWorkingOrder(ctx context.Context, dealID string) error
	GetMarketDetails(ctx context.Context, epic string) (MarketDetails, error)
}
