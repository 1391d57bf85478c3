// Package broker defines the narrow capability surface the rebalancer needs
// from a brokerage: account snapshots, quotes, asset lookup and order
// primitives. Two implementations exist: an Alpaca-backed live session and an
// in-memory paper session.
package broker

import (
	"context"
	"time"
)

// Canonical order statuses. Sessions translate vendor statuses into these;
// everything not terminal maps to StatusPending.
const (
	StatusFilled    = "Filled"
	StatusPartial   = "PartiallyFilled"
	StatusRejected  = "Rejected"
	StatusCancelled = "Cancelled"
	StatusPending   = "Pending"
)

// TerminalFailure reports whether a status means the order is dead and will
// never fill, which is the trigger for the plain-market fallback.
func TerminalFailure(status string) bool {
	return status == StatusRejected || status == StatusCancelled
}

// PositionLot is one holding in an account snapshot. AvgCost may be zero for
// sessions that do not report it.
type PositionLot struct {
	Symbol   string
	Quantity float64
	AvgCost  float64
}

// CashBalance is a cash amount in one currency. FXRate converts one unit of
// Currency into USD; it is 1 for USD itself.
type CashBalance struct {
	Currency string
	Amount   float64
	FXRate   float64
}

// Snapshot is the account state a rebalance plan starts from. Cash and
// NetLiq are USD after normalization.
type Snapshot struct {
	AccountID string
	Positions []PositionLot
	Cash      float64
	NetLiq    float64
}

// Quote carries every price field a session can report for a symbol; the
// pricing layer picks one according to configuration. Zero fields mean the
// session had no data for that field.
type Quote struct {
	Symbol string
	Last   float64
	Close  float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Asset describes tradability of a symbol on the broker.
type Asset struct {
	Symbol       string
	Tradable     bool
	Fractionable bool
}

// OrderRequest is a single order submission. Action is "BUY" or "SELL".
// Algo selects an execution algorithm ("none" for a plain order); sessions
// that do not support the requested algo report the order as rejected so the
// caller can fall back.
type OrderRequest struct {
	Symbol        string
	Action        string
	Quantity      float64
	OrderType     string // market or limit
	LimitPrice    float64
	Algo          string
	ClientOrderID string
}

// OrderStatus is the observable state of a submitted order.
type OrderStatus struct {
	OrderID      string
	Status       string
	FilledQty    float64
	AvgFillPrice float64 // 0 when the broker has not reported it
	FilledAt     time.Time
}

// Clock is the broker's market clock.
type Clock struct {
	Now  time.Time
	Open bool
}

// Session is a connected conversation with a brokerage. Implementations must
// be safe for use from a single goroutine; the coordinator opens one session
// per account.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Snapshot(ctx context.Context, accountID string) (Snapshot, error)
	Quote(ctx context.Context, symbol string) (Quote, error)
	Asset(ctx context.Context, symbol string) (Asset, error)
	Clock(ctx context.Context) (Clock, error)

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderStatus, error)
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Commission returns the commission for a terminal order and whether
	// the value is a placeholder (not yet reported by the broker).
	Commission(ctx context.Context, orderID string) (float64, bool, error)
}

// NormalizeCash reduces a set of per-currency cash balances to the USD cash
// amount and deducts converted foreign cash from the net liquidation value,
// so that weights are computed over the USD sleeve only.
func NormalizeCash(balances []CashBalance, netLiq float64) (cashUSD, netLiqUSD float64) {
	netLiqUSD = netLiq
	for _, b := range balances {
		if b.Currency == "USD" {
			cashUSD += b.Amount
			continue
		}
		rate := b.FXRate
		if rate == 0 {
			rate = 1
		}
		netLiqUSD -= b.Amount * rate
	}
	return cashUSD, netLiqUSD
}
