package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/campuspulse/backend/internal/analysis"
	"github.com/campuspulse/backend/internal/feedback"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	staffSubjectContextKey = "pulse_staff_subject"
	visitorIDHeader        = "X-Visitor-Id"

	heartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingLedger        = errors.New("vote ledger dependency required")
	errMissingContentStore  = errors.New("content store dependency required")
	errMissingLikeCounter   = errors.New("like counter dependency required")
	errMissingAnalysisCache = errors.New("analysis cache dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates staff JWTs.
type TokenManager interface {
	ExchangeAccessKey(ctx context.Context, accessKey, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the engine services into the HTTP surface.
type Dependencies struct {
	TokenIssuer   TokenManager
	Ledger        *feedback.Ledger
	ContentStore  *feedback.ContentStore
	LikeCounter   *feedback.LikeCounter
	AnalysisCache *analysis.Cache
	Summarizer    analysis.Summarizer
	Realtime      *RealtimeDispatcher
	Logger        *zap.Logger
}

// NewHTTPHandler assembles the gin router for the feedback API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}
	if deps.ContentStore == nil {
		return nil, errMissingContentStore
	}
	if deps.LikeCounter == nil {
		return nil, errMissingLikeCounter
	}
	if deps.AnalysisCache == nil {
		return nil, errMissingAnalysisCache
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
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", visitorIDHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenIssuer,
		ledger:       deps.Ledger,
		contentStore: deps.ContentStore,
		likeCounter:  deps.LikeCounter,
		cache:        deps.AnalysisCache,
		summarizer:   deps.Summarizer,
		realtime:     realtime,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/v1/auth/staff", handler.handleStaffAuth)

	router.POST("/v1/subjects/:subjectID/responses", handler.handleSubmitResponse)
	router.GET("/v1/subjects/:subjectID/votes/me", handler.handleHasVoted)
	router.GET("/v1/responses/lookup", handler.handleResponseLookup)
	router.POST("/v1/posts/:postID/likes/toggle", handler.handleToggleLike)
	router.GET("/v1/subjects/:subjectID/analyses/:kind", handler.handleReadAnalysis)
	router.GET("/v1/subjects/:subjectID/stream", handler.handleStream)

	staff := router.Group("/v1")
	staff.Use(handler.authorizeStaff)
	staff.GET("/subjects/:subjectID/responses", handler.handleListResponses)
	staff.POST("/subjects/:subjectID/analyses/:kind/refresh", handler.handleRefreshAnalysis)

	return router, nil
}

type httpHandler struct {
	tokens       TokenManager
	ledger       *feedback.Ledger
	contentStore *feedback.ContentStore
	likeCounter  *feedback.LikeCounter
	cache        *analysis.Cache
	summarizer   analysis.Summarizer
	realtime     *RealtimeDispatcher
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type staffAuthPayload struct {
	AccessKey string `json:"access_key"`
	Name      string `json:"name"`
}

type staffAuthResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleStaffAuth(c *gin.Context) {
	var request staffAuthPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.AccessKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	subject := strings.TrimSpace(request.Name)
	if subject == "" {
		subject = "staff"
	}

	token, expiresIn, err := h.tokens.ExchangeAccessKey(c.Request.Context(), request.AccessKey, subject)
	if err != nil {
		h.logger.Warn("staff access key exchange failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, staffAuthResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type submitRequestPayload struct {
	Content      string   `json:"content"`
	Tags         []string `json:"tags"`
	Score        int      `json:"score"`
	DisplayEmail string   `json:"display_email"`
}

type submitResponsePayload struct {
	ResponseID string `json:"response_id"`
}

// handleSubmitResponse runs the submission protocol: ledger fast check,
// content write, ledger commit. The two writes are deliberately separate and
// uncorrelated; a race that loses the final commit leaves an orphaned content
// record and no second counted vote.
func (h *httpHandler) handleSubmitResponse(c *gin.Context) {
	subjectID, visitorID, ok := h.subjectAndVisitor(c, c.Param("subjectID"))
	if !ok {
		return
	}

	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	voted, err := h.ledger.HasVoted(c.Request.Context(), subjectID, visitorID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	if voted {
		c.JSON(http.StatusConflict, gin.H{"error": "already_submitted"})
		return
	}

	responseID, err := h.contentStore.Submit(c.Request.Context(), feedback.SubmitRequest{
		SubjectID:    subjectID,
		Content:      request.Content,
		Tags:         request.Tags,
		Score:        request.Score,
		DisplayEmail: request.DisplayEmail,
	})
	if err != nil {
		if errors.Is(err, feedback.ErrInvalidContent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
			return
		}
		h.logger.Error("content submit failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}

	if err := h.ledger.MarkVoted(c.Request.Context(), subjectID, visitorID); err != nil {
		if errors.Is(err, feedback.ErrAlreadyVoted) {
			// Lost a true race after the content write. The orphaned record is
			// accepted; the vote stays counted once.
			c.JSON(http.StatusConflict, gin.H{"error": "already_submitted"})
			return
		}
		h.logger.Error("vote commit failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}

	h.realtime.Publish(RealtimeMessage{
		SubjectID: subjectID.String(),
		EventType: RealtimeEventResponseCreated,
		Timestamp: time.Now().UTC(),
	})

	c.JSON(http.StatusCreated, submitResponsePayload{ResponseID: responseID})
}

func (h *httpHandler) handleHasVoted(c *gin.Context) {
	subjectID, visitorID, ok := h.subjectAndVisitor(c, c.Param("subjectID"))
	if !ok {
		return
	}

	voted, err := h.ledger.HasVoted(c.Request.Context(), subjectID, visitorID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"voted": voted})
}

type responsePayload struct {
	ResponseID       string   `json:"response_id"`
	SubjectID        string   `json:"subject_id"`
	Content          string   `json:"content"`
	Tags             []string `json:"tags"`
	Score            int      `json:"score"`
	CreatedAtSeconds int64    `json:"created_at_s"`
}

func toResponsePayload(record feedback.Response) responsePayload {
	tags := record.Tags()
	if tags == nil {
		tags = []string{}
	}
	return responsePayload{
		ResponseID:       record.ResponseID,
		SubjectID:        record.SubjectID,
		Content:          record.Content,
		Tags:             tags,
		Score:            record.Score,
		CreatedAtSeconds: record.CreatedAtSeconds,
	}
}

func (h *httpHandler) handleListResponses(c *gin.Context) {
	subjectID, err := feedback.NewSubjectID(c.Param("subjectID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject_id"})
		return
	}

	records, err := h.contentStore.List(c.Request.Context(), subjectID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}

	payloads := make([]responsePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toResponsePayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"responses": payloads})
}

// handleResponseLookup serves the self-service "my responses" view keyed by
// the volunteered display email. Deliberately outside the anonymity boundary.
func (h *httpHandler) handleResponseLookup(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	records, err := h.contentStore.ListByEmail(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}

	payloads := make([]responsePayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, toResponsePayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"responses": payloads})
}

type togglePayload struct {
	Liked bool  `json:"liked"`
	Count int64 `json:"count"`
}

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	postID, visitorID, ok := h.subjectAndVisitor(c, c.Param("postID"))
	if !ok {
		return
	}

	outcome, err := h.likeCounter.Toggle(c.Request.Context(), postID, visitorID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}

	h.realtime.Publish(RealtimeMessage{
		SubjectID: postID.String(),
		EventType: RealtimeEventLikesChanged,
		Count:     outcome.Count,
		Timestamp: time.Now().UTC(),
	})

	c.JSON(http.StatusOK, togglePayload{Liked: outcome.Liked, Count: outcome.Count})
}

type analysisPayload struct {
	Analysis   analysis.Analysis `json:"analysis"`
	ComputedAt int64             `json:"computed_at_s"`
	Stale      bool              `json:"stale"`
	Fallback   bool              `json:"fallback"`
}

func (h *httpHandler) handleReadAnalysis(c *gin.Context) {
	h.serveAnalysis(c, false)
}

// handleRefreshAnalysis is the explicit user-triggered re-analyze: it clears
// the fingerprint before the read-through so the summarizer always runs.
func (h *httpHandler) handleRefreshAnalysis(c *gin.Context) {
	h.serveAnalysis(c, true)
}

func (h *httpHandler) serveAnalysis(c *gin.Context, invalidate bool) {
	subjectID, err := feedback.NewSubjectID(c.Param("subjectID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject_id"})
		return
	}
	kind, err := analysis.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}

	records, err := h.contentStore.List(c.Request.Context(), subjectID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	inputs := make([]string, 0, len(records))
	for _, record := range records {
		inputs = append(inputs, record.Content)
	}

	if invalidate {
		if err := h.cache.Invalidate(c.Request.Context(), subjectID.String(), kind); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
			return
		}
	}

	var compute analysis.ComputeFunc
	if h.summarizer != nil {
		compute = h.summarizer.Summarize
	}

	result, err := h.cache.GetOrCompute(c.Request.Context(), subjectID.String(), kind, inputs, compute)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}

	c.JSON(http.StatusOK, analysisPayload{
		Analysis:   result.Payload,
		ComputedAt: result.ComputedAt.Unix(),
		Stale:      result.Stale,
		Fallback:   result.Fallback,
	})
}

// handleStream serves the subject's live feed as server-sent events. The
// subscription tears down when the client disconnects; heartbeats keep
// intermediaries from reaping idle connections.
func (h *httpHandler) handleStream(c *gin.Context) {
	subjectID, err := feedback.NewSubjectID(c.Param("subjectID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject_id"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), subjectID.String())
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			writeSSE(w, message.EventType, fmt.Sprintf(
				`{"subjectId":%q,"count":%d,"source":%q}`,
				message.SubjectID, message.Count, realtimeSourceBackend))
			return true
		case <-heartbeat.C:
			writeSSE(w, realtimeEventHeartbeat, `{}`)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func writeSSE(w io.Writer, eventType, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}

func (h *httpHandler) authorizeStaff(c *gin.Context) {
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
		h.logger.Warn("staff token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(staffSubjectContextKey, subject)
	c.Next()
}

// subjectAndVisitor parses the subject path segment and the visitor header.
// The visitor id only ever reaches the ledger and like counter from here.
func (h *httpHandler) subjectAndVisitor(c *gin.Context, rawSubject string) (feedback.SubjectID, feedback.VisitorID, bool) {
	subjectID, err := feedback.NewSubjectID(rawSubject)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject_id"})
		return "", "", false
	}
	visitorID, err := feedback.NewVisitorID(c.GetHeader(visitorIDHeader))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visitor_id"})
		return "", "", false
	}
	return subjectID, visitorID, true
}
