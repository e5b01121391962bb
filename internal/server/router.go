// Package server exposes the admin HTTP surface over the storage engine.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lodeworks/lodestone/internal/importer"
	"github.com/lodeworks/lodestone/internal/storage"
	"go.uber.org/zap"
)

const subjectContextKey = "lodestone_subject"

var (
	errMissingDriver        = errors.New("storage driver dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingImportManager = errors.New("import manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager guards the protected route group.
type TokenManager interface {
	IssueToken(ctx context.Context, adminKey string, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies carries the collaborators for NewHTTPHandler.
type Dependencies struct {
	Driver       storage.Driver
	TokenManager TokenManager
	Importer     *importer.Manager
	Health       func(ctx context.Context) storage.HealthReport
	Logger       *zap.Logger
}

// NewHTTPHandler builds the admin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Driver == nil {
		return nil, errMissingDriver
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Importer == nil {
		return nil, errMissingImportManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	health := deps.Health
	if health == nil {
		health = deps.Driver.HealthCheck
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		driver:   deps.Driver,
		tokens:   deps.TokenManager,
		importer: deps.Importer,
		health:   health,
		logger:   logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/health", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents", handler.handleListDocuments)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.POST("/documents/:id/saved", handler.handleSetSaved)
	protected.GET("/documents/:id/updates", handler.handleListUpdates)
	protected.GET("/documents/:id/annotations", handler.handleListAnnotations)
	protected.GET("/documents/:id/outbox", handler.handleListOutbox)
	protected.POST("/imports", handler.handleEnqueueImport)
	protected.GET("/imports", handler.handleListJobs)
	protected.GET("/imports/:id", handler.handleGetJob)
	protected.POST("/imports/:id/cancel", handler.handleCancelJob)
	protected.POST("/imports/:id/retry", handler.handleRetryJob)
	protected.DELETE("/imports/:id", handler.handleDeleteJob)

	return router, nil
}

type httpHandler struct {
	driver   storage.Driver
	tokens   TokenManager
	importer *importer.Manager
	health   func(ctx context.Context) storage.HealthReport
	logger   *zap.Logger
}

type tokenRequestPayload struct {
	AdminKey string `json:"admin_key"`
	Subject  string `json:"subject"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AdminKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	subject := strings.TrimSpace(request.Subject)
	if subject == "" {
		subject = "admin"
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), request.AdminKey, subject)
	if err != nil {
		h.logger.Warn("token issue refused", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.health(c.Request.Context()))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	opts := storage.ListDocumentsOptions{
		Offset:     queryInt(c, "offset", 0),
		Limit:      queryInt(c, "limit", 50),
		OrderBy:    storage.OrderField(c.Query("order_by")),
		Descending: c.Query("desc") == "true",
		SavedOnly:  c.Query("saved_only") == "true",
	}
	documents, err := h.driver.ListDocuments(c.Request.Context(), opts)
	if err != nil {
		h.fail(c, err, "list_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": documents})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	document, err := h.driver.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "get_failed")
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	if err := h.driver.DeleteDocument(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "delete_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

type setSavedPayload struct {
	SavedAtSeconds *int64 `json:"saved_at_s"`
}

func (h *httpHandler) handleSetSaved(c *gin.Context) {
	var request setSavedPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.driver.SetDocumentSaved(c.Request.Context(), c.Param("id"), request.SavedAtSeconds); err != nil {
		h.fail(c, err, "save_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListUpdates(c *gin.Context) {
	afterLamport := int64(queryInt(c, "after_lamport", 0))
	limit := queryInt(c, "limit", 0)
	updates, err := h.driver.ListUpdates(c.Request.Context(), c.Param("id"), afterLamport, limit)
	if err != nil {
		h.fail(c, err, "list_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updates": updates})
}

func (h *httpHandler) handleListAnnotations(c *gin.Context) {
	annotations, err := h.driver.ListAnnotations(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "list_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"annotations": annotations})
}

func (h *httpHandler) handleListOutbox(c *gin.Context) {
	items, err := h.driver.ListOutboxItems(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "list_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type enqueuePayload struct {
	SourceType    string `json:"source_type"`
	SourceRef     string `json:"source_ref"`
	ForceReimport bool   `json:"force_reimport"`
}

func (h *httpHandler) handleEnqueueImport(c *gin.Context) {
	var request enqueuePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SourceRef) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	jobID, err := h.importer.Enqueue(c.Request.Context(), importer.EnqueueInput{
		SourceType:    storage.SourceType(request.SourceType),
		SourceRef:     request.SourceRef,
		ForceReimport: request.ForceReimport,
	})
	if err != nil {
		h.fail(c, err, "enqueue_failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (h *httpHandler) handleListJobs(c *gin.Context) {
	var statuses []storage.JobStatus
	if raw := c.Query("status"); raw != "" {
		statuses = append(statuses, storage.JobStatus(raw))
	}
	jobs, err := h.importer.ListJobs(c.Request.Context(), statuses...)
	if err != nil {
		h.fail(c, err, "list_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (h *httpHandler) handleGetJob(c *gin.Context) {
	job, err := h.importer.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "get_failed")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *httpHandler) handleCancelJob(c *gin.Context) {
	if err := h.importer.CancelJob(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "cancel_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRetryJob(c *gin.Context) {
	if err := h.importer.RetryJob(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "retry_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteJob(c *gin.Context) {
	if err := h.importer.DeleteJob(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "delete_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// fail maps storage and scheduler errors onto HTTP statuses.
func (h *httpHandler) fail(c *gin.Context, err error, code string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, importer.ErrUnknownSourceType),
		errors.Is(err, importer.ErrJobNotTerminal),
		errors.Is(err, importer.ErrJobNotRetryable),
		errors.Is(err, importer.ErrJobAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
