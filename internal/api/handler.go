package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kurihiro0119/github-fork-cleaner/internal/auth"
	"github.com/kurihiro0119/github-fork-cleaner/internal/deletion"
	"github.com/kurihiro0119/github-fork-cleaner/internal/domain"
	apperrors "github.com/kurihiro0119/github-fork-cleaner/internal/errors"
	"github.com/kurihiro0119/github-fork-cleaner/internal/history"
)

// Handler handles API requests
type Handler struct {
	gateways   *SessionGateways
	batches    *deletion.Manager
	history    history.History
	installURL string
	heartbeat  time.Duration
	logger     logrus.FieldLogger
}

// NewHandler creates a new API handler
func NewHandler(gateways *SessionGateways, batches *deletion.Manager, hist history.History, installURL string, logger logrus.FieldLogger) *Handler {
	return &Handler{
		gateways:   gateways,
		batches:    batches,
		history:    hist,
		installURL: installURL,
		heartbeat:  30 * time.Second,
		logger:     logger,
	}
}

// BatchRequest is the body of POST /api/v1/batches
type BatchRequest struct {
	Repositories []domain.Repository `json:"repositories"`
}

// HealthCheck returns the health status
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// GetIntegration reports whether the GitHub App is installed for the user.
// A failed check answers installed=false and carries the error separately.
// GET /api/v1/integration
func (h *Handler) GetIntegration(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	installed, err := h.gateway(c).IsIntegrationInstalled(c.Request.Context())
	if err != nil {
		if apperrors.IsAuth(err) || apperrors.IsNoCredential(err) {
			h.respondGatewayError(c, claims, err)
			return
		}
		h.logger.WithError(err).WithField("user_id", claims.UserID).Warn("Integration check failed")
		c.JSON(http.StatusOK, gin.H{
			"data": gin.H{
				"installed":   false,
				"install_url": h.installURL,
			},
			"error": errorBody(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": gin.H{
			"installed":   installed,
			"install_url": h.installURL,
		},
	})
}

// ListRepositories returns the user's fork repositories
// GET /api/v1/repositories
func (h *Handler) ListRepositories(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	forks, err := h.gateway(c).ListForkRepositories(c.Request.Context())
	if err != nil {
		h.respondGatewayError(c, claims, err)
		return
	}

	forks = domain.ExcludeIDs(forks, h.batches.RecentlyDeleted(claims.UserID))
	if forks == nil {
		forks = []domain.Repository{}
	}
	c.JSON(http.StatusOK, gin.H{
		"data": forks,
	})
}

// DeleteRepository deletes a single fork
// DELETE /api/v1/repositories/:owner/:name
func (h *Handler) DeleteRepository(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	err := h.gateway(c).DeleteRepository(c.Request.Context(), c.Param("owner"), c.Param("name"))
	if err != nil {
		h.respondGatewayError(c, claims, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartBatch starts a batch deletion of the posted repositories
// POST /api/v1/batches
func (h *Handler) StartBatch(c *gin.Context) {
	claims := auth.ClaimsFrom(c)

	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewBadRequestError("invalid request body"))
		return
	}
	for _, repo := range req.Repositories {
		if repo.ID == "" || repo.Owner == "" || repo.Name == "" {
			respondError(c, apperrors.NewBadRequestError("every repository needs id, owner and name"))
			return
		}
		if !repo.IsFork {
			respondError(c, apperrors.NewBadRequestError("only fork repositories can be deleted: "+repo.FullName()))
			return
		}
	}

	run := h.batches.Start(claims.UserID, h.gateway(c), req.Repositories)
	c.JSON(http.StatusAccepted, gin.H{
		"data": run.Snapshot(),
	})
}

// GetBatch returns the current state of a batch
// GET /api/v1/batches/:id
func (h *Handler) GetBatch(c *gin.Context) {
	run, ok := h.run(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": run.Snapshot(),
	})
}

// WaitBatch blocks until the batch finishes and returns its report
// GET /api/v1/batches/:id/wait
func (h *Handler) WaitBatch(c *gin.Context) {
	run, ok := h.run(c)
	if !ok {
		return
	}

	report, err := run.Wait(c.Request.Context())
	if err != nil {
		// Client went away
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": reportResponse(report),
	})
}

// CancelBatch cancels a batch before its next repository
// POST /api/v1/batches/:id/cancel
func (h *Handler) CancelBatch(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	run, err := h.batches.Cancel(claims.UserID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"data": run.Snapshot(),
	})
}

// StreamBatch streams batch snapshots as server-sent events
// GET /api/v1/batches/:id/events
func (h *Handler) StreamBatch(c *gin.Context) {
	run, ok := h.run(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	updates := run.Subscribe()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case snap, open := <-updates:
			if !open {
				c.SSEvent("done", reportResponse(run.Report()))
				c.Writer.Flush()
				return
			}
			c.SSEvent("progress", snap)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent("heartbeat", "ping")
			c.Writer.Flush()
		}
	}
}

// ListBatches returns the user's finished batches, newest first
// GET /api/v1/batches
func (h *Handler) ListBatches(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	limit, _ := strconv.Atoi(c.Query("limit"))

	batches, err := h.history.ListBatches(c.Request.Context(), claims.UserID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": batches,
	})
}

// GetBatchSummary returns totals over the user's finished batches
// GET /api/v1/batches/summary
func (h *Handler) GetBatchSummary(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	summary, err := h.history.Summarize(c.Request.Context(), claims.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": summary,
	})
}

func (h *Handler) gateway(c *gin.Context) RepositoryGateway {
	return h.gateways.For(auth.ClaimsFrom(c))
}

func (h *Handler) run(c *gin.Context) (*deletion.Run, bool) {
	claims := auth.ClaimsFrom(c)
	run, err := h.batches.Get(claims.UserID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return run, true
}

// respondGatewayError forgets the session's gateway when GitHub rejected its
// credential so that signing in again starts from a clean client
func (h *Handler) respondGatewayError(c *gin.Context, claims *auth.Claims, err error) {
	if apperrors.IsAuth(err) {
		h.gateways.Drop(claims.SessionID())
	}
	respondError(c, err)
}

// BatchReport is the wire form of a finished batch
type BatchReport struct {
	deletion.Report
	SucceededCount int `json:"succeeded"`
	FailedCount    int `json:"failed"`
}

func reportResponse(report deletion.Report) BatchReport {
	return BatchReport{
		Report:         report,
		SucceededCount: len(report.Succeeded()),
		FailedCount:    len(report.Failed()),
	}
}

func statusOf(appErr *apperrors.AppError) int {
	switch appErr.Code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeUnauthorized, apperrors.ErrCodeNoCredential:
		return http.StatusUnauthorized
	case apperrors.ErrCodeBadRequest:
		return http.StatusBadRequest
	case apperrors.ErrCodeUpstream:
		switch appErr.Reason {
		case apperrors.ReasonRateLimited:
			return http.StatusTooManyRequests
		case apperrors.ReasonNotFound:
			return http.StatusNotFound
		case apperrors.ReasonForbidden:
			return http.StatusForbidden
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errorBody(err error) gin.H {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body := gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		}
		if appErr.Reason != "" {
			body["reason"] = appErr.Reason
		}
		return body
	}
	return gin.H{
		"code":    apperrors.ErrCodeInternal,
		"message": err.Error(),
	}
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	status := http.StatusInternalServerError
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status = statusOf(appErr)
	}
	c.JSON(status, gin.H{
		"error": errorBody(err),
	})
}
