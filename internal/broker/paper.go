package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PaperAccount is the mutable state behind one paper-traded account.
type PaperAccount struct {
	Positions map[string]float64 // symbol -> qty
	Cash      float64
	// ForeignCash is deducted from net liquidation by NormalizeCash, the
	// same way a live multi-currency account is reduced to its USD sleeve.
	ForeignCash []CashBalance
}

type paperOrder struct {
	req    OrderRequest
	status OrderStatus
}

// PaperSession is a deterministic in-memory Session used by tests and the
// --paper flag. Orders fill immediately at the last quoted price. Behavior
// knobs (rejects, partial fills, pending commissions) are plain exported
// fields set before use.
type PaperSession struct {
	mu        sync.Mutex
	connected bool
	orders    map[string]*paperOrder
	seq       int

	// account targeted by order flow; set by the most recent Snapshot call.
	active string

	Accounts map[string]*PaperAccount
	Quotes   map[string]Quote
	Assets   map[string]Asset

	ClockNow   time.Time
	MarketOpen bool

	// ConnectFailures makes the first N Connect calls fail, exercising
	// the dial retry path.
	ConnectFailures int

	// RejectSymbols forces a rejected status for matching symbols.
	RejectSymbols map[string]bool
	// RejectAlgos rejects any algo-tagged order, as a venue without
	// execution algos would.
	RejectAlgos bool
	// PartialFraction, when in (0,1), fills only that fraction of each
	// order's quantity.
	PartialFraction float64

	// Commissions maps order IDs (or "*" for all) to reported commission.
	Commissions map[string]float64
	// CommissionPending keeps commissions unreported so callers hit their
	// placeholder timeout.
	CommissionPending bool

	// DefaultPrice, when positive, quotes unregistered symbols at a flat
	// price instead of failing. Used by offline rehearsal runs.
	DefaultPrice float64
}

var _ Session = (*PaperSession)(nil)

func NewPaperSession() *PaperSession {
	return &PaperSession{
		Accounts:   map[string]*PaperAccount{},
		Quotes:     map[string]Quote{},
		Assets:     map[string]Asset{},
		MarketOpen: true,
		orders:     map[string]*paperOrder{},
	}
}

// AddAccount registers an account with the given positions and cash.
func (s *PaperSession) AddAccount(id string, positions map[string]float64, cash float64) *PaperAccount {
	acct := &PaperAccount{Positions: map[string]float64{}, Cash: cash}
	for sym, qty := range positions {
		acct.Positions[sym] = qty
	}
	s.Accounts[id] = acct
	return acct
}

// SetPrice sets the last-trade price used for quoting and filling.
func (s *PaperSession) SetPrice(symbol string, price float64) {
	q := s.Quotes[symbol]
	q.Symbol = symbol
	q.Last = price
	q.Time = s.ClockNow
	s.Quotes[symbol] = q
}

func (s *PaperSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnectFailures > 0 {
		s.ConnectFailures--
		return Errf("paper connect refused")
	}
	s.connected = true
	return nil
}

func (s *PaperSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *PaperSession) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.Accounts[accountID]
	if !ok {
		return Snapshot{}, Errf("unknown account %s", accountID)
	}
	s.active = accountID

	lots := make([]PositionLot, 0, len(acct.Positions))
	netLiq := acct.Cash
	for sym, qty := range acct.Positions {
		lots = append(lots, PositionLot{Symbol: sym, Quantity: qty})
		netLiq += qty * s.price(sym)
	}
	balances := append([]CashBalance{{Currency: "USD", Amount: acct.Cash, FXRate: 1}}, acct.ForeignCash...)
	for _, b := range acct.ForeignCash {
		netLiq += b.Amount * b.FXRate
	}
	cash, netLiq := NormalizeCash(balances, netLiq)
	return Snapshot{AccountID: accountID, Positions: lots, Cash: cash, NetLiq: netLiq}, nil
}

func (s *PaperSession) Quote(ctx context.Context, symbol string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.Quotes[symbol]
	if !ok {
		if s.DefaultPrice > 0 {
			return Quote{Symbol: symbol, Last: s.DefaultPrice, Time: s.ClockNow}, nil
		}
		return Quote{}, Errf("no quote for %s", symbol)
	}
	return q, nil
}

func (s *PaperSession) Asset(ctx context.Context, symbol string) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.Assets[symbol]; ok {
		return a, nil
	}
	// Unregistered symbols default to tradable whole shares.
	return Asset{Symbol: symbol, Tradable: true}, nil
}

func (s *PaperSession) Clock(ctx context.Context) (Clock, error) {
	now := s.ClockNow
	if now.IsZero() {
		now = time.Now()
	}
	return Clock{Now: now, Open: s.MarketOpen}, nil
}

func (s *PaperSession) PlaceOrder(ctx context.Context, req OrderRequest) (OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return OrderStatus{}, Errf("paper session not connected")
	}

	s.seq++
	id := fmt.Sprintf("paper-%d", s.seq)
	st := OrderStatus{OrderID: id}

	switch {
	case s.RejectAlgos && req.Algo != "" && req.Algo != "none":
		st.Status = StatusRejected
	case s.RejectSymbols[req.Symbol]:
		st.Status = StatusRejected
	default:
		price := s.price(req.Symbol)
		if price <= 0 {
			price = s.DefaultPrice
		}
		if price <= 0 {
			st.Status = StatusRejected
			break
		}
		qty := req.Quantity
		if s.PartialFraction > 0 && s.PartialFraction < 1 {
			qty = req.Quantity * s.PartialFraction
			st.Status = StatusPartial
		} else {
			st.Status = StatusFilled
		}
		st.FilledQty = qty
		st.AvgFillPrice = price
		st.FilledAt = s.ClockNow
		s.applyFill(req, qty, price)
	}

	s.orders[id] = &paperOrder{req: req, status: st}
	return st, nil
}

func (s *PaperSession) applyFill(req OrderRequest, qty, price float64) {
	acct := s.Accounts[s.active]
	if acct == nil {
		return
	}
	value := qty * price
	if req.Action == "SELL" {
		acct.Positions[req.Symbol] -= qty
		acct.Cash += value
	} else {
		acct.Positions[req.Symbol] += qty
		acct.Cash -= value
	}
}

func (s *PaperSession) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return OrderStatus{}, Errf("unknown order %s", orderID)
	}
	return o.status, nil
}

func (s *PaperSession) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return Errf("unknown order %s", orderID)
	}
	if o.status.Status == StatusPending || o.status.Status == StatusPartial {
		o.status.Status = StatusCancelled
	}
	return nil
}

func (s *PaperSession) Commission(ctx context.Context, orderID string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CommissionPending {
		return 0, true, nil
	}
	if c, ok := s.Commissions[orderID]; ok {
		return c, false, nil
	}
	if c, ok := s.Commissions["*"]; ok {
		return c, false, nil
	}
	return 0, false, nil
}

// Orders returns all submitted order requests in submission order, for test
// assertions.
func (s *PaperSession) Orders() []OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OrderRequest, 0, len(s.orders))
	for i := 1; i <= s.seq; i++ {
		if o, ok := s.orders[fmt.Sprintf("paper-%d", i)]; ok {
			out = append(out, o.req)
		}
	}
	return out
}

func (s *PaperSession) price(symbol string) float64 {
	q := s.Quotes[symbol]
	if q.Last > 0 {
		return q.Last
	}
	if q.Close > 0 {
		return q.Close
	}
	return s.DefaultPrice
}
