// Package httpapi is the operator control surface: health, metrics, signal audit, paper fills,
// manual retry, cancel and close, and the kill switch.
package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"orb-go/internal/cycle"
	"orb-go/internal/execution"
	"orb-go/internal/market"
	"orb-go/internal/metrics"
	"orb-go/internal/signal"
	"orb-go/internal/store"
)

// FillBook answers fill queries; the paper broker's ledger is one.
type FillBook interface {
	Between(from, to time.Time) []execution.Fill
	Of(signalID string) (execution.Fill, bool)
}

// Deps are the handles the routes act on. Cycle may be nil, which disables POST /cycle; Fills may
// be nil, which disables the fill routes.
type Deps struct {
	Store      store.Store
	Machine    *execution.Machine
	Kill       *execution.KillSwitch
	Cycle      *cycle.Cycle
	Fills      FillBook
	Session    market.Session
	MaxRetries int
	Log        zerolog.Logger
}

type server struct {
	Deps
}

// New builds the router.
func New(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s := &server{Deps: d}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "kill_switch": s.Kill.Engaged()})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/candidates", s.candidates)
	r.GET("/signals", s.signals)
	r.GET("/signals/:id", s.signal)
	r.GET("/signals/:id/events", s.events)
	r.POST("/signals/:id/retry", s.retry)
	r.POST("/signals/:id/cancel", s.cancel)
	r.POST("/signals/:id/close", s.close)

	r.GET("/kill-switch", s.killSwitch)
	r.POST("/kill-switch", s.setKillSwitch)

	if d.Cycle != nil {
		r.POST("/cycle", s.runCycle)
	}
	if d.Fills != nil {
		r.GET("/fills", s.fills)
		r.GET("/signals/:id/fill", s.fill)
	}
	return r
}

// date reads ?date=YYYY-MM-DD; absent means today in the session zone.
func (s *server) date(c *gin.Context) (time.Time, bool) {
	v := c.Query("date")
	if v == "" {
		return s.Session.DateOf(time.Now().In(s.Session.Location)), true
	}
	d, err := s.Session.ParseDate(v)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
		return time.Time{}, false
	}
	return d, true
}

func (s *server) candidates(c *gin.Context) {
	date, ok := s.date(c)
	if !ok {
		return
	}
	cands, err := s.Store.Candidates(c.Request.Context(), date)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cands)
}

func (s *server) signals(c *gin.Context) {
	date, ok := s.date(c)
	if !ok {
		return
	}
	out, err := s.Store.Signals(c.Request.Context(), date)
	if err != nil {
		s.fail(c, err)
		return
	}
	if v := c.Query("status"); v != "" {
		want, err := signal.ParseStatus(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filtered := out[:0]
		for _, sg := range out {
			if sg.Status == want {
				filtered = append(filtered, sg)
			}
		}
		out = filtered
	}
	if out == nil {
		out = []signal.Signal{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *server) signal(c *gin.Context) {
	sg, err := s.Store.Signal(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sg)
}

func (s *server) events(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.Store.Signal(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	evs, err := s.Store.Events(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, evs)
}

func (s *server) retry(c *gin.Context) {
	s.Machine.Lock()
	defer s.Machine.Unlock()
	sg, err := s.Machine.Retry(c.Request.Context(), c.Param("id"), s.MaxRetries)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.Log.Info().Str("id", sg.ID).Str("sym", sg.Symbol).Int("attempts", sg.Attempts).Msg("manual retry")
	c.JSON(http.StatusOK, sg)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *server) cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "cancelled by operator"
	}
	s.Machine.Lock()
	defer s.Machine.Unlock()
	sg, err := s.Machine.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sg)
}

// close flattens a FILLED signal on operator request.
func (s *server) close(c *gin.Context) {
	s.Machine.Lock()
	defer s.Machine.Unlock()
	sg, err := s.Machine.Exit(c.Request.Context(), c.Param("id"), signal.ExitManual, 0, time.Now())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.Log.Info().Str("id", sg.ID).Str("sym", sg.Symbol).Float64("exit", sg.ExitPrice).Float64("pnl", sg.RealizedPnL).Msg("manual close")
	c.JSON(http.StatusOK, sg)
}

func (s *server) fills(c *gin.Context) {
	date, ok := s.date(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Fills.Between(date, date.AddDate(0, 0, 1)))
}

func (s *server) fill(c *gin.Context) {
	f, ok := s.Fills.Of(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no fill for " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, f)
}

type killSwitchState struct {
	Engaged *bool `json:"engaged" binding:"required"`
}

func (s *server) killSwitch(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"engaged": s.Kill.Engaged()})
}

func (s *server) setKillSwitch(c *gin.Context) {
	var req killSwitchState
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Kill.Set(*req.Engaged); err != nil {
		s.fail(c, err)
		return
	}
	s.Log.Warn().Bool("engaged", *req.Engaged).Msg("kill switch changed")
	c.JSON(http.StatusOK, gin.H{"engaged": s.Kill.Engaged()})
}

type phaseReport struct {
	Phase     cycle.Phase       `json:"phase"`
	Processed int               `json:"processed"`
	Failed    map[string]string `json:"failed,omitempty"`
	Skipped   map[string]string `json:"skipped,omitempty"`
}

func (s *server) runCycle(c *gin.Context) {
	date, ok := s.date(c)
	if !ok {
		return
	}
	skip := make(map[cycle.Phase]bool)
	for _, v := range c.QueryArray("skip") {
		p, err := cycle.ParsePhase(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		skip[p] = true
	}
	reports, err := s.Cycle.Run(c.Request.Context(), date, skip)
	out := make([]phaseReport, 0, len(reports))
	failed := false
	for _, r := range reports {
		out = append(out, phaseReport{Phase: r.Phase, Processed: r.Processed, Failed: messages(r.Failed), Skipped: messages(r.Skipped)})
		failed = failed || !r.OK()
	}
	body := gin.H{"date": date.Format(market.DateLayout), "phases": out}
	switch {
	case err != nil:
		body["error"] = err.Error()
		c.JSON(http.StatusBadGateway, body)
	case failed:
		c.JSON(http.StatusMultiStatus, body)
	default:
		c.JSON(http.StatusOK, body)
	}
}

func messages(errs map[string]error) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for k, err := range errs {
		out[k] = err.Error()
	}
	return out
}

func (s *server) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, execution.ErrIllegalTransition), errors.Is(err, execution.ErrRetryLimit):
		code = http.StatusConflict
	case errors.Is(err, execution.ErrExecutionUnavailable), errors.Is(err, execution.ErrOrderRejected):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		s.Log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
