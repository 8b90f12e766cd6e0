package handlers

import (
	"net/http"
	"strconv"
	"time"

	"facegate/internal/core/models"
	"facegate/internal/db/repository"
	"facegate/internal/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// GetStatus gibt System-, Pool- und Datenbankstatistiken zurück
func (h *APIHandler) GetStatus(c *gin.Context) {
	var stats models.Statistics
	if h.History != nil {
		hs, err := h.History.GetStatistics()
		if err != nil {
			log.WithError(err).Warn("Failed to read history statistics")
		} else {
			stats = hs
		}
	}
	snap := h.Store.Snapshot()
	stats.Identities = len(snap.Identities())
	stats.References = snap.Len()

	status := gin.H{
		"status":    "ok",
		"timestamp": time.Now(),
		"system":    utils.GetSystemStats(h.Pool, h.StartedAt),
		"database":  stats,
	}
	if h.Pool != nil {
		recognitions, matches, unknowns, noFaces := h.Pool.Processor().Counters()
		status["session"] = gin.H{
			"recognitions": recognitions,
			"matches":      matches,
			"unknowns":     unknowns,
			"no_faces":     noFaces,
		}
	}
	if h.Backends != nil {
		status["backends"] = h.Backends.Available(c.Request.Context())
	}
	if h.Hub != nil {
		status["sse_clients"] = h.Hub.ClientCount()
	}

	c.JSON(http.StatusOK, status)
}

// ListHistory liefert das Erkennungsprotokoll seitenweise
func (h *APIHandler) ListHistory(c *gin.Context) {
	if h.History == nil {
		respondError(c, http.StatusServiceUnavailable, "error.history_disabled", nil)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", strconv.Itoa(defaultPageSize)))
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := repository.Filter{
		Identity: c.Query("identity"),
		Outcome:  c.Query("outcome"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]any{"Detail": "since must be RFC3339"})
			return
		}
		filter.Since = t
	}

	events, total, err := h.History.GetEvents(filter, pageSize, (page-1)*pageSize)
	if err != nil {
		log.WithError(err).Error("Failed to read history")
		respondError(c, http.StatusInternalServerError, "error.history", map[string]any{"Detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"total":      total,
		"page":       page,
		"pageSize":   pageSize,
		"totalPages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// GetHistoryEvent liefert einen einzelnen Protokolleintrag
func (h *APIHandler) GetHistoryEvent(c *gin.Context) {
	if h.History == nil {
		respondError(c, http.StatusServiceUnavailable, "error.history_disabled", nil)
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]any{"Detail": "invalid id"})
		return
	}
	ev, err := h.History.GetEventByID(uint(id))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "error.history", map[string]any{"Detail": err.Error()})
		return
	}
	if ev == nil {
		respondError(c, http.StatusNotFound, "error.event_not_found", nil)
		return
	}
	c.JSON(http.StatusOK, ev)
}
