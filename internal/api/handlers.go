package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/analytics"
	"github.com/Rajchodisetti/autotrader/internal/ledger"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/planner"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/strategy"
)

func (s *Server) handleHealth(c *gin.Context) {
	var checks map[string]error
	if s.d.Checks != nil {
		checks = s.d.Checks()
	}
	h := observ.Health(checks)
	h.Details["market_session"] = string(adapters.GetCurrentSession(time.Now()))
	code := http.StatusOK
	if h.Status == "degraded" {
		code = http.StatusPartialContent
	}
	c.JSON(code, h)
}

func (s *Server) handleConfigEffective(c *gin.Context) {
	out := gin.H{"effective": s.d.Config.Redacted()}
	if sym := strings.ToUpper(c.Query("symbol")); sym != "" {
		out["symbol"] = sym
		out["overrides"] = s.d.Config.Overrides(sym)
	}
	successResponse(c, out)
}

func (s *Server) handlePositions(c *gin.Context) {
	if s.d.Broker == nil {
		brokerError(c, errNoBroker)
		return
	}
	positions, err := s.d.Broker.Positions(c.Request.Context())
	if err != nil {
		brokerError(c, err)
		return
	}
	successResponse(c, positions)
}

func (s *Server) handleOrders(c *gin.Context) {
	if s.d.Broker == nil {
		brokerError(c, errNoBroker)
		return
	}
	orders, err := s.d.Broker.OpenOrders(c.Request.Context())
	if err != nil {
		brokerError(c, err)
		return
	}
	successResponse(c, orders)
}

func (s *Server) handleOrderHistory(c *gin.Context) {
	if s.d.Ledger == nil {
		successResponse(c, []ledger.OrderSummary{})
		return
	}
	summary, err := s.d.Ledger.SummarizeOrders()
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, summary)
}

func (s *Server) handleBalances(c *gin.Context) {
	if s.d.Broker == nil {
		brokerError(c, errNoBroker)
		return
	}
	b, err := s.d.Broker.Balances(c.Request.Context())
	if err != nil {
		brokerError(c, err)
		return
	}
	successResponse(c, b)
}

func (s *Server) handleActiveTrades(c *gin.Context) {
	if s.d.Lifecycle == nil {
		successResponse(c, gin.H{"trades": gin.H{}, "high_water": gin.H{}})
		return
	}
	successResponse(c, gin.H{
		"trades":     s.d.Lifecycle.Active(),
		"high_water": s.d.Lifecycle.HighWater(),
	})
}

func (s *Server) handleSignalSummary(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5000"))
	if s.d.Ledger == nil {
		errorResponse(c, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	summary, err := analytics.SummarizeSignals(s.d.Ledger, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, summary)
}

type previewItem struct {
	Signal strategy.Signal `json:"signal"`
	Plan   planner.Plan    `json:"plan"`
	Risk   risk.Decision   `json:"risk"`
}

// handleSignalPreview evaluates the plays without consuming cooldowns and
// shows what the worker would do with each signal.
func (s *Server) handleSignalPreview(c *gin.Context) {
	if s.d.Signals == nil {
		errorResponse(c, http.StatusServiceUnavailable, "strategy engine not configured")
		return
	}
	ctx := c.Request.Context()
	items := []previewItem{}
	for _, sig := range s.d.Signals.Preview(ctx) {
		plan := planner.ComputeOrderPlan(sig, s.plan, s.d.Config.Overrides(sig.Symbol))
		item := previewItem{Signal: sig, Plan: plan}
		if s.d.Risk != nil {
			item.Risk = s.d.Risk.Evaluate(ctx, sig.Symbol, plan.Qty)
		}
		items = append(items, item)
	}
	successResponse(c, gin.H{"signals": items, "session": sessionName(s.d.Signals)})
}

func sessionName(p Previewer) string {
	if e, ok := p.(*strategy.Engine); ok {
		if cur := e.CurrentSession(); cur != nil {
			return cur.Name
		}
	}
	return ""
}

type bracketRequest struct {
	Symbol  string   `json:"symbol" binding:"required"`
	Setup   string   `json:"setup"`
	Qty     int      `json:"qty"`
	Price   *float64 `json:"price"`
	ATR     *float64 `json:"atr"`
	StopPct *float64 `json:"stop_pct"`
	TPPct   *float64 `json:"tp_pct"`
}

func (s *Server) handleBracketPreview(c *gin.Context) {
	var req bracketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()
	sym := strings.ToUpper(req.Symbol)

	px := req.Price
	if px == nil || *px <= 0 {
		px = s.resolvePrice(c, sym)
	}
	if px == nil {
		errorResponse(c, http.StatusUnprocessableEntity, "no price available for "+sym+"; pass price")
		return
	}

	ov := s.d.Config.Overrides(sym)
	if req.StopPct != nil {
		ov.StopPct = req.StopPct
	}
	if req.TPPct != nil {
		ov.TPPct = req.TPPct
	}
	setup := req.Setup
	if setup == "" {
		setup = "MANUAL"
	}
	sig := strategy.Signal{
		Symbol:       sym,
		SourceSymbol: sym,
		Setup:        setup,
		Side:         strategy.SideBuy,
		Qty:          req.Qty,
		OrderType:    "market",
		Duration:     "day",
		Entry:        px,
		ATR:          req.ATR,
	}
	plan := planner.ComputeOrderPlan(sig, s.plan, ov)
	out := gin.H{
		"plan":     plan,
		"notional": decimal.NewFromFloat(*px).Mul(decimal.NewFromInt(int64(plan.Qty))).StringFixed(2),
	}
	if plan.Stop == nil || plan.Target2 == nil {
		out["bracket"] = false
	} else {
		out["bracket"] = true
	}
	if s.d.Risk != nil {
		out["risk"] = s.d.Risk.Evaluate(ctx, sym, plan.Qty)
	}
	successResponse(c, out)
}

func (s *Server) resolvePrice(c *gin.Context, sym string) *float64 {
	ctx := c.Request.Context()
	if s.d.Prices != nil {
		if px, err := s.d.Prices.LastTradePrice(ctx, sym); err == nil && px > 0 {
			return &px
		}
	}
	if s.d.Broker != nil {
		if q, err := s.d.Broker.Quote(ctx, sym); err == nil {
			if px, ok := q.Price(); ok {
				return &px
			}
		}
	}
	return nil
}

type actionResult struct {
	ID       string `json:"id,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Qty      int    `json:"qty,omitempty"`
	Side     string `json:"side,omitempty"`
	Status   string `json:"status,omitempty"`
	DryRun   bool   `json:"dry_run,omitempty"`
	Canceled bool   `json:"canceled,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleCancelAll(c *gin.Context) {
	if s.d.Broker == nil {
		brokerError(c, errNoBroker)
		return
	}
	ctx := c.Request.Context()
	orders, err := s.d.Broker.OpenOrders(ctx)
	if err != nil {
		brokerError(c, err)
		return
	}
	sym := strings.ToUpper(c.Query("symbol"))
	results := []actionResult{}
	for _, o := range orders {
		if sym != "" && strings.ToUpper(o.Symbol) != sym {
			continue
		}
		if !o.Open() {
			results = append(results, actionResult{ID: o.ID, Symbol: o.Symbol, Status: o.Status})
			continue
		}
		s.event(ledger.KindCancelRequest, map[string]any{"id": o.ID, "symbol": o.Symbol})
		resp, err := s.d.Broker.CancelOrder(ctx, o.ID)
		if err != nil {
			results = append(results, actionResult{ID: o.ID, Symbol: o.Symbol, Error: err.Error()})
			continue
		}
		s.event(ledger.KindCancelResponse, map[string]any{"id": o.ID, "symbol": o.Symbol, "status": resp.Status})
		results = append(results, actionResult{ID: o.ID, Symbol: o.Symbol, Status: resp.Status, Canceled: true})
	}
	successResponse(c, gin.H{"results": results})
}

// handleFlatten market-closes every non-flat position, or one symbol. In
// dry run it only reports what it would send.
func (s *Server) handleFlatten(c *gin.Context) {
	if s.d.Broker == nil {
		brokerError(c, errNoBroker)
		return
	}
	ctx := c.Request.Context()
	positions, err := s.d.Broker.Positions(ctx)
	if err != nil {
		brokerError(c, err)
		return
	}
	sym := strings.ToUpper(c.Query("symbol"))
	dryRun := s.d.Config.DryRun()

	actions := []actionResult{}
	for _, p := range positions {
		if p.Quantity == 0 || (sym != "" && strings.ToUpper(p.Symbol) != sym) {
			continue
		}
		a := flattenAction(p)
		if dryRun {
			a.DryRun = true
			actions = append(actions, a)
			continue
		}
		resp, err := s.d.Broker.PlaceOrder(ctx, adapters.OrderRequest{
			Symbol: a.Symbol, Side: a.Side, Qty: a.Qty, Type: "market", Duration: "day",
		})
		if err != nil {
			a.Error = err.Error()
			actions = append(actions, a)
			continue
		}
		a.ID, a.Status = resp.ID, resp.Status
		observ.OrdersTotal.WithLabelValues(a.Side, "flatten").Inc()
		s.event(ledger.KindOrderExit, map[string]any{"symbol": a.Symbol, "qty": a.Qty, "reason": "flatten", "resp": resp})
		actions = append(actions, a)
	}

	if dryRun {
		c.JSON(http.StatusConflict, gin.H{
			"error":   true,
			"message": "flatten refused while dry run is on",
			"actions": actions,
		})
		return
	}
	successResponse(c, gin.H{"actions": actions, "message": fmt.Sprintf("submitted %d orders", countSubmitted(actions))})
}

func flattenAction(p adapters.Position) actionResult {
	side := "sell"
	if p.Quantity < 0 {
		side = "buy_to_cover"
	}
	qty := int(p.Quantity)
	if qty < 0 {
		qty = -qty
	}
	return actionResult{Symbol: strings.ToUpper(p.Symbol), Qty: qty, Side: side}
}

func countSubmitted(actions []actionResult) int {
	n := 0
	for _, a := range actions {
		if a.Error == "" {
			n++
		}
	}
	return n
}

func (s *Server) event(kind string, data map[string]any) {
	if s.d.Ledger == nil {
		return
	}
	if err := s.d.Ledger.Event(kind, data); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Msg("ledger write failed")
	}
}
