package broker

import (
	"context"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rebalancer/internal/config"
)

// AlpacaSession is the live Session backed by the Alpaca trading and market
// data APIs. Floats are converted to decimals only at the API boundary.
type AlpacaSession struct {
	cfg     config.Broker
	trading *alpaca.Client
	data    *marketdata.Client
	log     zerolog.Logger
}

var _ Session = (*AlpacaSession)(nil)

func NewAlpacaSession(cfg config.Broker, log zerolog.Logger) *AlpacaSession {
	return &AlpacaSession{cfg: cfg, log: log.With().Str("component", "broker").Logger()}
}

// Connect builds the API clients and verifies the credentials with an
// account round trip. The round trip is what gives Dial something to retry.
func (s *AlpacaSession) Connect(ctx context.Context) error {
	s.trading = alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    s.cfg.APIKey,
		APISecret: s.cfg.APISecret,
		BaseURL:   s.cfg.BaseURL,
	})
	s.data = marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    s.cfg.APIKey,
		APISecret: s.cfg.APISecret,
	})
	if _, err := s.trading.GetAccount(); err != nil {
		return Wrap(err, "verify account access")
	}
	s.log.Debug().Str("base_url", s.cfg.BaseURL).Msg("connected")
	return nil
}

func (s *AlpacaSession) Disconnect(ctx context.Context) error {
	s.trading = nil
	s.data = nil
	return nil
}

// Snapshot returns positions, USD cash and net liquidation for the account.
// Alpaca accounts are single-currency so normalization is a pass-through,
// kept for parity with multi-currency sessions.
func (s *AlpacaSession) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	acct, err := s.trading.GetAccount()
	if err != nil {
		return Snapshot{}, Wrap(err, "snapshot for %s failed", accountID)
	}
	positions, err := s.trading.GetPositions()
	if err != nil {
		return Snapshot{}, Wrap(err, "snapshot for %s failed", accountID)
	}

	lots := make([]PositionLot, 0, len(positions))
	for _, p := range positions {
		qty, _ := p.Qty.Float64()
		avg, _ := p.AvgEntryPrice.Float64()
		lots = append(lots, PositionLot{Symbol: p.Symbol, Quantity: qty, AvgCost: avg})
	}

	cashRaw, _ := acct.Cash.Float64()
	netLiq, _ := acct.Equity.Float64()
	cash, netLiq := NormalizeCash([]CashBalance{{Currency: "USD", Amount: cashRaw, FXRate: 1}}, netLiq)

	s.log.Info().Str("account", accountID).Int("positions", len(lots)).
		Float64("cash", cash).Float64("net_liq", netLiq).Msg("snapshot complete")
	return Snapshot{AccountID: accountID, Positions: lots, Cash: cash, NetLiq: netLiq}, nil
}

func (s *AlpacaSession) Quote(ctx context.Context, symbol string) (Quote, error) {
	snap, err := s.data.GetSnapshot(symbol, marketdata.GetSnapshotRequest{})
	if err != nil {
		return Quote{}, Wrap(err, "quote for %s failed", symbol)
	}
	q := Quote{Symbol: symbol}
	if snap.LatestTrade != nil {
		q.Last = snap.LatestTrade.Price
		q.Time = snap.LatestTrade.Timestamp
	}
	if snap.LatestQuote != nil {
		q.Bid = snap.LatestQuote.BidPrice
		q.Ask = snap.LatestQuote.AskPrice
		if q.Time.IsZero() {
			q.Time = snap.LatestQuote.Timestamp
		}
	}
	if snap.DailyBar != nil {
		q.Close = snap.DailyBar.Close
	} else if snap.PrevDailyBar != nil {
		q.Close = snap.PrevDailyBar.Close
	}
	return q, nil
}

func (s *AlpacaSession) Asset(ctx context.Context, symbol string) (Asset, error) {
	a, err := s.trading.GetAsset(symbol)
	if err != nil {
		return Asset{}, Wrap(err, "asset lookup for %s failed", symbol)
	}
	return Asset{Symbol: symbol, Tradable: a.Tradable, Fractionable: a.Fractionable}, nil
}

func (s *AlpacaSession) Clock(ctx context.Context) (Clock, error) {
	c, err := s.trading.GetClock()
	if err != nil {
		return Clock{}, Wrap(err, "market clock fetch failed")
	}
	return Clock{Now: c.Timestamp, Open: c.IsOpen}, nil
}

// PlaceOrder submits one order. Execution algos are not available on this
// venue, so algo-tagged requests come back rejected and the caller decides
// whether to retry as a plain order.
func (s *AlpacaSession) PlaceOrder(ctx context.Context, req OrderRequest) (OrderStatus, error) {
	if req.Algo != "" && req.Algo != "none" {
		s.log.Debug().Str("symbol", req.Symbol).Str("algo", req.Algo).
			Msg("execution algo unsupported on this venue")
		return OrderStatus{Status: StatusRejected}, nil
	}

	qty := decimal.NewFromFloat(req.Quantity)
	side := alpaca.Buy
	if req.Action == "SELL" {
		side = alpaca.Sell
	}
	orderType := alpaca.Market
	if req.OrderType == "limit" {
		orderType = alpaca.Limit
	}
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          orderType,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if orderType == alpaca.Limit {
		limit := decimal.NewFromFloat(req.LimitPrice)
		placeReq.LimitPrice = &limit
	}

	order, err := s.trading.PlaceOrder(placeReq)
	if err != nil {
		return OrderStatus{}, Wrap(err, "place %s %s failed", req.Action, req.Symbol)
	}
	s.log.Info().Str("symbol", req.Symbol).Str("action", req.Action).
		Float64("qty", req.Quantity).Str("order_id", order.ID).
		Str("status", string(order.Status)).Msg("order placed")
	return orderState(order), nil
}

func (s *AlpacaSession) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	order, err := s.trading.GetOrder(orderID)
	if err != nil {
		return OrderStatus{}, Wrap(err, "order status for %s failed", orderID)
	}
	return orderState(order), nil
}

func (s *AlpacaSession) CancelOrder(ctx context.Context, orderID string) error {
	return Wrap(s.trading.CancelOrder(orderID), "cancel order %s", orderID)
}

// Commission is always zero on this venue and never a placeholder.
func (s *AlpacaSession) Commission(ctx context.Context, orderID string) (float64, bool, error) {
	return 0, false, nil
}

func orderState(o *alpaca.Order) OrderStatus {
	st := OrderStatus{OrderID: o.ID, Status: canonicalStatus(string(o.Status))}
	st.FilledQty, _ = o.FilledQty.Float64()
	if o.FilledAvgPrice != nil {
		st.AvgFillPrice, _ = o.FilledAvgPrice.Float64()
	}
	if o.FilledAt != nil {
		st.FilledAt = *o.FilledAt
	}
	return st
}

func canonicalStatus(vendor string) string {
	switch vendor {
	case "filled":
		return StatusFilled
	case "partially_filled":
		return StatusPartial
	case "rejected", "expired":
		return StatusRejected
	case "canceled", "done_for_day":
		return StatusCancelled
	default:
		return StatusPending
	}
}
