package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"collectible-alerts/internal/alerting"
	"collectible-alerts/internal/breaker"
	"collectible-alerts/internal/fetcher"
	"collectible-alerts/internal/service"
)

// AlertEngine is the alert surface the routes drive.
type AlertEngine interface {
	CreateAlert(wallet, subjectID string, opts alerting.AlertOptions) (alerting.Alert, error)
	UpdateAlert(id string, patch alerting.AlertPatch) (alerting.Alert, error)
	DeleteAlert(id string) error
	GetAlert(id string) (alerting.Alert, error)
	GetAlerts(wallet string) []alerting.Alert
	GetActiveAlerts(wallet string) []alerting.Alert
	GetNotificationHistory(ctx context.Context, wallet string, limit int) []alerting.Notification
	StartMonitoring(wallet string) bool
	StopMonitoring(wallet string) int
}

// MarketReader serves cached market views.
type MarketReader interface {
	Portfolio(ctx context.Context, wallet string) (service.Portfolio, error)
	Metadata(ctx context.Context, id string) (fetcher.Metadata, error)
	Refresh(ctx context.Context, wallet string) int
}

// StreamServer upgrades a request into a per-wallet notification stream.
type StreamServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, wallet string) error
}

// BreakerAdmin lets operators close a tripped breaker by hand.
type BreakerAdmin interface {
	Reset(name string) bool
	Names() []string
}

// HealthFunc builds the aggregated health snapshot.
type HealthFunc func(ctx context.Context) any

// Handler exposes the alerting core over HTTP.
type Handler struct {
	alerts   AlertEngine
	market   MarketReader
	stream   StreamServer
	breakers BreakerAdmin
	health   HealthFunc
	logger   zerolog.Logger
}

// NewHandler wires the routes' collaborators. Everything but alerts may be nil.
func NewHandler(alerts AlertEngine, market MarketReader, stream StreamServer, breakers BreakerAdmin, health HealthFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		alerts:   alerts,
		market:   market,
		stream:   stream,
		breakers: breakers,
		health:   health,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/api/health", h.getHealth)

	wallets := r.Group("/api/wallets/:wallet")
	wallets.POST("/alerts", h.createAlert)
	wallets.GET("/alerts", h.listAlerts)
	wallets.GET("/notifications", h.listNotifications)
	wallets.POST("/monitoring", h.startMonitoring)
	wallets.DELETE("/monitoring", h.stopMonitoring)
	wallets.GET("/portfolio", h.getPortfolio)
	wallets.GET("/stream", h.streamNotifications)

	alerts := r.Group("/api/alerts")
	alerts.GET("/:id", h.getAlert)
	alerts.PATCH("/:id", h.updateAlert)
	alerts.DELETE("/:id", h.deleteAlert)

	r.GET("/api/moments/:id", h.getMoment)
	r.POST("/api/breakers/:name/reset", h.resetBreaker)
}

type createAlertRequest struct {
	SubjectID string `json:"subjectId"`
	alerting.AlertOptions
}

func (h *Handler) createAlert(c *gin.Context) {
	wallet, ok := walletParam(c)
	if !ok {
		return
	}
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	alert, err := h.alerts.CreateAlert(wallet, strings.TrimSpace(req.SubjectID), req.AlertOptions)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respondData(c, http.StatusCreated, alert)
}

func (h *Handler) listAlerts(c *gin.Context) {
	wallet, ok := walletParam(c)
	if !ok {
		return
	}
	var items []alerting.Alert
	if boolQuery(c, "active", false) {
		items = h.alerts.GetActiveAlerts(wallet)
	} else {
		items = h.alerts.GetAlerts(wallet)
	}
	respond(c, http.StatusOK, items, map[string]any{"count": len(items)})
}

func (h *Handler) getAlert(c *gin.Context) {
	alert, err := h.alerts.GetAlert(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	respondData(c, http.StatusOK, alert)
}

func (h *Handler) updateAlert(c *gin.Context) {
	var patch alerting.AlertPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	alert, err := h.alerts.UpdateAlert(c.Param("id"), patch)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respondData(c, http.StatusOK, alert)
}

func (h *Handler) deleteAlert(c *gin.Context) {
	id := c.Param("id")
	if err := h.alerts.DeleteAlert(id); err != nil {
		h.writeError(c, err)
		return
	}
	respondData(c, http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) listNotifications(c *gin.Context) {
	wallet, ok := walletParam(c)
	if !ok {
		return
	}
	limit := intQuery(c, "limit", 50)
	items := h.alerts.GetNotificationHistory(c.Request.Context(), wallet, limit)
	respond(c, http.StatusOK, items, map[string]any{"count": len(items), "limit": limit})
}

func (h *Handler) startMonitoring(c *gin.Context) {
	wallet, ok := walletParam(c)
	if !ok {
		return
	}
	started := h.alerts.StartMonitoring(wallet)
	respondData(c, http.StatusOK, gin.H{"wallet": wallet, "started": started})
}

func (h *Handler) stopMonitoring(c *gin.Context) {
	wallet, ok := walletParam(c)
	if !ok {
		return
	}
	removed := h.alerts.StopMonitoring(wallet)
	if h.market != nil {
		h.market.Refresh(c.Request.Context(), wallet)
	}
	respondData(c, http.StatusOK, gin.H{"wallet": wallet, "removedAlerts": removed})
}

func (h *Handler) getPortfolio(c *gin.Context) {
	wallet, ok := walletParam(c)
	if !ok {
		return
	}
	if h.market == nil {
		fail(c, http.StatusServiceUnavailable, "market data unavailable", nil)
		return
	}
	if boolQuery(c, "refresh", false) {
		h.market.Refresh(c.Request.Context(), wallet)
	}
	pf, err := h.market.Portfolio(c.Request.Context(), wallet)
	if err != nil {
		h.writeError(c, err)
		return
	}
	respondData(c, http.StatusOK, pf)
}

func (h *Handler) getMoment(c *gin.Context) {
	if h.market == nil {
		fail(c, http.StatusServiceUnavailable, "market data unavailable", nil)
		return
	}
	md, err := h.market.Metadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !md.Found {
		fail(c, http.StatusNotFound, "moment not found", nil)
		return
	}
	respondData(c, http.StatusOK, md)
}

func (h *Handler) streamNotifications(c *gin.Context) {
	wallet, ok := walletParam(c)
	if !ok {
		return
	}
	if h.stream == nil {
		fail(c, http.StatusServiceUnavailable, "stream unavailable", nil)
		return
	}
	// the upgrader answers failed handshakes itself
	if err := h.stream.ServeWS(c.Writer, c.Request, wallet); err != nil {
		h.logger.Debug().Err(err).Str("wallet", wallet).Msg("websocket upgrade failed")
	}
}

func (h *Handler) resetBreaker(c *gin.Context) {
	if h.breakers == nil {
		fail(c, http.StatusServiceUnavailable, "breakers unavailable", nil)
		return
	}
	name := c.Param("name")
	if !h.breakers.Reset(name) {
		fail(c, http.StatusNotFound, "unknown breaker "+name, map[string]any{"known": h.breakers.Names()})
		return
	}
	h.logger.Warn().Str("breaker", name).Msg("breaker reset by operator")
	respondData(c, http.StatusOK, gin.H{"breaker": name, "state": breaker.StateClosed})
}

func (h *Handler) getHealth(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusOK, h.health(c.Request.Context()))
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, alerting.ErrValidation):
		fail(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, alerting.ErrAlertNotFound):
		fail(c, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, alerting.ErrAlertExhausted):
		fail(c, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, breaker.ErrServiceUnavailable):
		meta := map[string]any{}
		if retry, found := breaker.RetryAfter(err); found {
			secs := int(math.Ceil(retry.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			meta["retryAfterSeconds"] = secs
		}
		fail(c, http.StatusServiceUnavailable, "service degraded", meta)
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, "upstream timeout", nil)
	default:
		h.logger.Warn().Err(err).Str("path", c.FullPath()).Msg("request failed")
		fail(c, http.StatusBadGateway, "upstream error", nil)
	}
}

func respondData(c *gin.Context, status int, data any) {
	respond(c, status, data, nil)
}

func walletParam(c *gin.Context) (string, bool) {
	wallet := strings.TrimSpace(c.Param("wallet"))
	if wallet == "" {
		fail(c, http.StatusBadRequest, "wallet is required", nil)
		return "", false
	}
	return wallet, true
}

func intQuery(c *gin.Context, key string, def int) int {
	if val := c.Query(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func boolQuery(c *gin.Context, key string, def bool) bool {
	if val := c.Query(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}
