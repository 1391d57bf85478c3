// Package exec submits sized trades through a broker session and reports one
// structured result per trade. It owns the regular-trading-hours guard,
// duplicate collapsing, algo fallback, bounded fill and commission waits, and
// submission pacing.
package exec

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/sizing"
)

// StatusTimeout marks an order that reached neither a fill nor a broker-side
// terminal state within the fill timeout and was cancelled.
const StatusTimeout = "Timeout"

// Result is the execution outcome for one submitted trade.
type Result struct {
	Symbol                string
	Action                string
	OrderID               string
	Status                string
	FillQty               float64
	FillPrice             float64 // 0 when the broker reported none
	FillTime              time.Time
	Commission            float64
	CommissionPlaceholder bool
	Error                 string
	Notes                 string
}

// BatchError signals that at least one order in a batch did not fill. The
// orchestrator inspects it as a value; partial fills have already been
// reported in the accompanying results.
type BatchError struct {
	Unfilled int
}

func (e *BatchError) Error() string { return "one or more orders failed to fill" }

// AllFilled reports whether every result in the batch filled.
func AllFilled(results []Result) bool {
	for _, r := range results {
		if r.Status != broker.StatusFilled {
			return false
		}
	}
	return true
}

// Adapter turns sized trades into broker orders for one account.
type Adapter struct {
	session broker.Session
	cfg     config.Config
	log     zerolog.Logger
	limiter *rate.Limiter
	nyc     *time.Location
}

func New(session broker.Session, cfg config.Config, log zerolog.Logger) *Adapter {
	a := &Adapter{
		session: session,
		cfg:     cfg,
		log:     log.With().Str("component", "exec").Logger(),
	}
	if ops := cfg.Execution.OrdersPerSecond; ops > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(ops), 1)
	}
	return a
}

// SubmitBatch submits market orders for the trades and waits for each to
// reach a terminal state. Trades for the same symbol and action are collapsed
// into a single order first. The returned slice holds one result per
// collapsed trade in submission order; statuses other than Filled are data,
// not errors. The error return covers pre-submission faults only (trading
// hours guard, clock failures, cancellation).
func (a *Adapter) SubmitBatch(ctx context.Context, accountID string, trades []sizing.Trade) ([]Result, error) {
	if a.cfg.Rebalance.PreferRTH {
		if err := a.checkTradingHours(ctx); err != nil {
			return nil, err
		}
	}

	collapsed := Collapse(trades)
	results := make([]Result, 0, len(collapsed))
	for _, t := range collapsed {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return results, broker.Wrap(err, "submission pacing interrupted")
			}
		}
		res := a.submitOne(ctx, accountID, t)
		results = append(results, res)
	}
	return results, nil
}

// Collapse merges trades with the same symbol and action, summing quantity
// and notional. Input order of first appearance is preserved.
func Collapse(trades []sizing.Trade) []sizing.Trade {
	type key struct {
		symbol string
		action string
	}
	index := make(map[key]int, len(trades))
	out := make([]sizing.Trade, 0, len(trades))
	for _, t := range trades {
		k := key{t.Symbol, string(t.Action)}
		if i, ok := index[k]; ok {
			out[i].Quantity += t.Quantity
			out[i].Notional += t.Notional
			continue
		}
		index[k] = len(out)
		out = append(out, t)
	}
	return out
}

func (a *Adapter) checkTradingHours(ctx context.Context) error {
	clock, err := a.session.Clock(ctx)
	if err != nil {
		return broker.Wrap(err, "failed to query current time")
	}
	if a.nyc == nil {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			return broker.Wrap(err, "load exchange timezone")
		}
		a.nyc = loc
	}
	ny := clock.Now.In(a.nyc)
	minutes := ny.Hour()*60 + ny.Minute()
	if minutes < 9*60+30 || minutes > 16*60 {
		return broker.Errf("current time outside 09:30-16:00 America/New_York; set rebalance.prefer_rth=false to override")
	}
	return nil
}

func (a *Adapter) submitOne(ctx context.Context, accountID string, t sizing.Trade) Result {
	res := Result{Symbol: t.Symbol, Action: string(t.Action)}

	algo := a.cfg.Execution.AlgoPreference
	st, err := a.placeAndWait(ctx, t, algo)
	if err != nil {
		a.log.Error().Err(err).Str("account", accountID).Str("symbol", t.Symbol).Msg("order submission failed")
		res.Status = broker.StatusRejected
		res.Error = err.Error()
		return res
	}

	algoUsed := algo != "" && algo != "none"
	if algoUsed && failedOrTimedOut(st.Status) && a.cfg.Execution.FallbackPlainMarket {
		a.log.Warn().Str("symbol", t.Symbol).Str("algo", algo).Str("status", st.Status).
			Msg("algo order failed, falling back to plain market")
		st, err = a.placeAndWait(ctx, t, "none")
		if err != nil {
			a.log.Error().Err(err).Str("symbol", t.Symbol).Msg("fallback order failed")
			res.Status = broker.StatusRejected
			res.Error = err.Error()
			return res
		}
		res.Notes = "plain market fallback after " + algo
	}

	res.OrderID = st.OrderID
	res.Status = st.Status
	res.FillQty = st.FilledQty
	res.FillPrice = st.AvgFillPrice
	res.FillTime = st.FilledAt

	if st.Status == broker.StatusFilled {
		res.Commission, res.CommissionPlaceholder = a.waitCommission(ctx, st.OrderID)
	}
	a.log.Info().Str("account", accountID).Str("symbol", t.Symbol).Str("action", res.Action).
		Str("status", res.Status).Float64("fill_qty", res.FillQty).
		Float64("fill_price", res.FillPrice).Msg("order complete")
	return res
}

// placeAndWait submits one order and polls until it is terminal or the fill
// timeout expires. On timeout the order is cancelled and reported as
// Timeout.
func (a *Adapter) placeAndWait(ctx context.Context, t sizing.Trade, algo string) (broker.OrderStatus, error) {
	req := broker.OrderRequest{
		Symbol:        t.Symbol,
		Action:        string(t.Action),
		Quantity:      t.Quantity,
		OrderType:     a.cfg.Execution.OrderType,
		Algo:          algo,
		ClientOrderID: uuid.NewString(),
	}
	st, err := a.session.PlaceOrder(ctx, req)
	if err != nil {
		return broker.OrderStatus{}, err
	}

	deadline := time.Now().Add(a.cfg.Execution.FillTimeout())
	for !terminal(st.Status) {
		if time.Now().After(deadline) {
			if cancelErr := a.session.CancelOrder(ctx, st.OrderID); cancelErr != nil {
				a.log.Warn().Err(cancelErr).Str("order_id", st.OrderID).Msg("cancel after fill timeout failed")
			}
			st.Status = StatusTimeout
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(a.cfg.Execution.PollInterval()):
		}
		st, err = a.session.OrderStatus(ctx, st.OrderID)
		if err != nil {
			return broker.OrderStatus{}, err
		}
	}
	return st, nil
}

// waitCommission polls for the commission report until it arrives or the
// commission timeout expires. An expired wait returns zero with the
// placeholder flag set.
func (a *Adapter) waitCommission(ctx context.Context, orderID string) (float64, bool) {
	deadline := time.Now().Add(a.cfg.Execution.CommissionTimeout())
	for {
		commission, placeholder, err := a.session.Commission(ctx, orderID)
		if err == nil && !placeholder {
			return commission, false
		}
		if time.Now().After(deadline) {
			return 0, true
		}
		select {
		case <-ctx.Done():
			return 0, true
		case <-time.After(a.cfg.Execution.CommissionPoll()):
		}
	}
}

func terminal(status string) bool {
	return status == broker.StatusFilled || broker.TerminalFailure(status)
}

func failedOrTimedOut(status string) bool {
	return broker.TerminalFailure(status) || status == StatusTimeout
}
