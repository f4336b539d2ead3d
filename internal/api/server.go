// Package api is the operator HTTP surface: health, metrics, portfolio
// reads, signal previews and the two manual interventions (cancel all
// open orders, flatten positions).
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/ledger"
	"github.com/Rajchodisetti/autotrader/internal/lifecycle"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/planner"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/strategy"
)

var errNoBroker = errors.New("broker not configured")

// Previewer is satisfied by *strategy.Engine.
type Previewer interface {
	Preview(ctx context.Context) []strategy.Signal
}

// RiskChecker is satisfied by *risk.Evaluator.
type RiskChecker interface {
	Evaluate(ctx context.Context, symbol string, qty int) risk.Decision
}

type Deps struct {
	Config    config.Root
	Broker    adapters.Broker
	Prices    adapters.MarketData
	Signals   Previewer
	Risk      RiskChecker
	Lifecycle *lifecycle.Manager
	Ledger    *ledger.Ledger
	Checks    func() map[string]error
	Logger    zerolog.Logger
}

type Server struct {
	router *gin.Engine
	d      Deps
	plan   planner.Config
	log    zerolog.Logger
}

func NewServer(d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{router: router, d: d, plan: planner.FromRoot(d.Config), log: d.Logger}
	router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(observ.Handler()))
	s.router.GET("/config/effective", s.handleConfigEffective)

	s.router.GET("/positions", s.handlePositions)
	s.router.GET("/orders", s.handleOrders)
	s.router.GET("/orders/history", s.handleOrderHistory)
	s.router.GET("/balances", s.handleBalances)
	s.router.GET("/trades/active", s.handleActiveTrades)

	s.router.GET("/signals/summary", s.handleSignalSummary)
	s.router.GET("/signals/preview", s.handleSignalPreview)
	s.router.POST("/bracket/preview", s.handleBracketPreview)

	s.router.POST("/orders/cancel_all", s.handleCancelAll)
	s.router.POST("/positions/flatten", s.handleFlatten)
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("api listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	}
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// brokerError maps provider failures onto HTTP statuses.
func brokerError(c *gin.Context, err error) {
	var pe *adapters.ProviderError
	switch {
	case errors.Is(err, errNoBroker):
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
	case adapters.IsPermission(err):
		errorResponse(c, http.StatusForbidden, err.Error())
	case errors.As(err, &pe):
		errorResponse(c, http.StatusBadGateway, err.Error())
	default:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	}
}
