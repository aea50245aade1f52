package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/haveibeento/internal/auth"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/countries"
	"github.com/MarcoPoloResearchLab/haveibeento/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "haveibeento_user_id"

const (
	errorInvalidRequest      = "invalid_request"
	errorInvalidCountryCode  = "invalid_country_code"
	errorInvalidCountryName  = "invalid_country_name"
	errorAlreadyVisited      = "country_already_visited"
	errorCountryNotFound     = "country_not_found"
	errorUnauthorized        = "unauthorized"
	errorInternal            = "internal_error"
	outcomeOK                = "ok"
	outcomeRejected          = "rejected"
	outcomeError             = "error"
	operationList            = "countries.list"
	operationInsert          = "countries.insert"
	operationDelete          = "countries.delete"
	operationBulkUpsert      = "countries.bulk_upsert"
	maxRequestBodyBytes      = 1 << 20
	queryParameterCountryKey = "country_code"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingCountryService   = errors.New("country service dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims to the canonical user id.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// CountryService is the per-user record store.
type CountryService interface {
	List(ctx context.Context, userID countries.UserID) ([]countries.Record, error)
	Insert(ctx context.Context, userID countries.UserID, input countries.RecordInput) (countries.Record, error)
	Delete(ctx context.Context, userID countries.UserID, code countries.CountryCode) error
	BulkUpsert(ctx context.Context, userID countries.UserID, inputs []countries.RecordInput) (int, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Users            UserResolver
	Countries        CountryService
	Realtime         *RealtimeDispatcher
	Metrics          *metrics.Metrics
	AllowedOrigins   []string
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Countries == nil {
		return nil, errMissingCountryService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		users:     deps.Users,
		countries: deps.Countries,
		realtime:  realtime,
		metrics:   deps.Metrics,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/countries", handler.handleListCountries)
	protected.POST("/countries", handler.handleCreateCountries)
	protected.DELETE("/countries", handler.handleDeleteCountry)
	protected.GET("/countries/stream", handler.handleCountriesStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	users     UserResolver
	countries CountryService
	realtime  *RealtimeDispatcher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

type countryPayload struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	Notes       *string `json:"notes"`
}

type createRequestPayload struct {
	countryPayload
	Countries *[]countryPayload `json:"countries"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListCountries(c *gin.Context) {
	start := time.Now()
	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	records, err := h.countries.List(c.Request.Context(), userID)
	if err != nil {
		h.observe(operationList, outcomeError, start)
		h.respondServiceError(c, err)
		return
	}
	h.observe(operationList, outcomeOK, start)
	c.JSON(http.StatusOK, gin.H{"countries": records})
}

func (h *httpHandler) handleCreateCountries(c *gin.Context) {
	start := time.Now()
	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	var request createRequestPayload
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}

	if request.Countries != nil {
		h.handleBulkUpsert(c, userID, *request.Countries, start)
		return
	}

	input, err := countries.NewRecordInput(request.CountryCode, request.CountryName, request.Notes)
	if err != nil {
		h.observe(operationInsert, outcomeRejected, start)
		c.JSON(http.StatusBadRequest, gin.H{"error": validationReason(err)})
		return
	}

	record, err := h.countries.Insert(c.Request.Context(), userID, input)
	if errors.Is(err, countries.ErrConflict) {
		h.observe(operationInsert, outcomeRejected, start)
		if h.metrics != nil {
			h.metrics.IncrementConflicts()
		}
		c.JSON(http.StatusConflict, gin.H{"error": errorAlreadyVisited})
		return
	}
	if err != nil {
		h.observe(operationInsert, outcomeError, start)
		h.respondServiceError(c, err)
		return
	}

	h.observe(operationInsert, outcomeOK, start)
	if h.metrics != nil {
		h.metrics.IncrementInserted()
	}
	h.publishChange(userID, []string{record.CountryCode})
	c.JSON(http.StatusCreated, gin.H{"country": record})
}

func (h *httpHandler) handleBulkUpsert(c *gin.Context, userID countries.UserID, payloads []countryPayload, start time.Time) {
	inputs := make([]countries.RecordInput, 0, len(payloads))
	codes := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		input, err := countries.NewRecordInput(payload.CountryCode, payload.CountryName, payload.Notes)
		if err != nil {
			h.observe(operationBulkUpsert, outcomeRejected, start)
			c.JSON(http.StatusBadRequest, gin.H{"error": validationReason(err)})
			return
		}
		inputs = append(inputs, input)
		codes = append(codes, input.CountryCode.String())
	}

	synced, err := h.countries.BulkUpsert(c.Request.Context(), userID, inputs)
	if err != nil {
		h.observe(operationBulkUpsert, outcomeError, start)
		h.respondServiceError(c, err)
		return
	}

	h.observe(operationBulkUpsert, outcomeOK, start)
	if h.metrics != nil {
		h.metrics.AddSynced(synced)
	}
	if synced > 0 {
		h.publishChange(userID, codes)
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "synced": synced})
}

func (h *httpHandler) handleDeleteCountry(c *gin.Context) {
	start := time.Now()
	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	rawCode := c.Query(queryParameterCountryKey)
	if strings.TrimSpace(rawCode) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest})
		return
	}
	code, err := countries.NewCountryCode(rawCode)
	if err != nil {
		h.observe(operationDelete, outcomeRejected, start)
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidCountryCode})
		return
	}

	err = h.countries.Delete(c.Request.Context(), userID, code)
	if errors.Is(err, countries.ErrNotFound) {
		h.observe(operationDelete, outcomeRejected, start)
		c.JSON(http.StatusNotFound, gin.H{"error": errorCountryNotFound})
		return
	}
	if err != nil {
		h.observe(operationDelete, outcomeError, start)
		h.respondServiceError(c, err)
		return
	}

	h.observe(operationDelete, outcomeOK, start)
	if h.metrics != nil {
		h.metrics.IncrementDeleted()
	}
	h.publishChange(userID, []string{code.String()})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type realtimeEventPayload struct {
	CountryCodes []string `json:"countryCodes,omitempty"`
	Timestamp    string   `json:"timestamp"`
	Source       string   `json:"source"`
}

func (h *httpHandler) handleCountriesStream(c *gin.Context) {
	userID, ok := h.requireUserID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload())
	c.Writer.Flush()

	ticker := time.NewTicker(realtimeHeartbeatInterval)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				CountryCodes: message.CountryCodes,
				Timestamp:    message.Timestamp.UTC().Format(time.RFC3339),
				Source:       realtimeSourceBackend,
			})
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload())
			return true
		}
	})
}

func heartbeatPayload() realtimeEventPayload {
	return realtimeEventPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    realtimeSourceBackend,
	}
}

func (h *httpHandler) publishChange(userID countries.UserID, codes []string) {
	if h.realtime == nil {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:       userID.String(),
		EventType:    RealtimeEventCountriesChanged,
		CountryCodes: codes,
		Timestamp:    time.Now().UTC(),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}

	canonicalUserID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve canonical user id", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return
	}
	c.Set(userIDContextKey, canonicalUserID)
	c.Next()
}

func (h *httpHandler) requireUserID(c *gin.Context) (countries.UserID, bool) {
	userID, err := countries.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	var serviceErr *countries.ServiceError
	if errors.As(err, &serviceErr) {
		code := serviceErr.Code()
		reason := code
		if index := strings.LastIndex(code, "."); index >= 0 {
			reason = code[index+1:]
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": reason, "code": code})
		return
	}
	h.logger.Error("unexpected record store failure", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": errorInternal})
}

func (h *httpHandler) observe(operation, outcome string, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveOperation(operation, outcome, start)
}

func validationReason(err error) string {
	switch {
	case errors.Is(err, countries.ErrInvalidCountryCode):
		return errorInvalidCountryCode
	case errors.Is(err, countries.ErrInvalidCountryName):
		return errorInvalidCountryName
	default:
		return errorInvalidRequest
	}
}
