package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/auth"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/metrics"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	identityContextKey       = "project_space_identity"
	defaultHeartbeatInterval = 25 * time.Second

	errorCodeInvalidRequest         = "invalid_request"
	errorCodeAuthenticationRequired = "authentication_required"
	errorCodeInternal               = "internal_error"

	resetSuccessMessage = "Votes reset successfully"
)

var (
	errMissingVoteRepository   = errors.New("vote repository dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
)

// VoteRepository is the storage surface the HTTP handlers depend on.
type VoteRepository interface {
	RecordUpvote(ctx context.Context, projectID votes.ProjectID, identity votes.Identity) (votes.VoteRatio, error)
	RecordDownvote(ctx context.Context, projectID votes.ProjectID, identity votes.Identity) (votes.VoteRatio, error)
	GetVoteRatio(ctx context.Context, projectID votes.ProjectID, identity votes.Identity) (votes.VoteRatio, error)
	GetAllVotes(ctx context.Context) ([]votes.VoteRatio, error)
	ResetVotes(ctx context.Context, projectID votes.ProjectID) error
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps validated claims onto the canonical user reference.
type UserResolver interface {
	ResolveUserRef(claims auth.SessionClaims) (votes.UserRef, error)
}

type Dependencies struct {
	Votes             VoteRepository
	Sessions          SessionValidator
	Users             UserResolver
	Realtime          *RealtimeDispatcher
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Votes == nil {
		return nil, errMissingVoteRepository
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	// catalog project ids look like "default/component/name" and arrive percent-encoded
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	handler := &httpHandler{
		votes:             deps.Votes,
		sessions:          deps.Sessions,
		users:             deps.Users,
		realtime:          deps.Realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	router.GET("/health", handler.handleHealth)

	// the collection route must precede the parameterized one
	router.GET("/votes", handler.handleListVotes)

	identified := router.Group("/")
	identified.Use(handler.resolveIdentity)
	identified.GET("/votes/:projectId", handler.handleGetVoteRatio)
	identified.DELETE("/votes/:projectId", handler.handleResetVotes)
	identified.POST("/votes/:projectId/upvote", handler.requireIdentity, handler.handleUpvote)
	identified.POST("/votes/:projectId/downvote", handler.requireIdentity, handler.handleDownvote)

	if deps.Realtime != nil {
		router.GET("/events/votes", handler.handleVoteEvents)
	}

	return router, nil
}

func corsConfig(allowedOrigins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = allowedOrigins
	cfg.AllowCredentials = true
	return cfg
}

type httpHandler struct {
	votes             VoteRepository
	sessions          SessionValidator
	users             UserResolver
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

type errorPayload struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

type validationDetail struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type voteRatioPayload struct {
	ProjectID string  `json:"projectId"`
	Upvotes   int64   `json:"upvotes"`
	Downvotes int64   `json:"downvotes"`
	Ratio     float64 `json:"ratio"`
	Total     int64   `json:"total"`
	// UserVote is omitted for anonymous reads and null when the caller has not voted.
	UserVote json.RawMessage `json:"userVote,omitempty"`
}

type resetPayload struct {
	Message   string `json:"message"`
	ProjectID string `json:"projectId"`
}

var nullUserVote = json.RawMessage("null")

func newVoteRatioPayload(ratio votes.VoteRatio) voteRatioPayload {
	payload := voteRatioPayload{
		ProjectID: ratio.ProjectID,
		Upvotes:   ratio.Upvotes,
		Downvotes: ratio.Downvotes,
		Ratio:     ratio.Ratio,
		Total:     ratio.Total,
	}
	if !ratio.UserVoteResolved {
		return payload
	}
	if ratio.UserVote == "" {
		payload.UserVote = nullUserVote
		return payload
	}
	encoded, _ := json.Marshal(string(ratio.UserVote))
	payload.UserVote = encoded
	return payload
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListVotes(c *gin.Context) {
	ratios, err := h.votes.GetAllVotes(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := make([]voteRatioPayload, 0, len(ratios))
	for _, ratio := range ratios {
		ratio.UserVoteResolved = false
		response = append(response, newVoteRatioPayload(ratio))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetVoteRatio(c *gin.Context) {
	projectID, ok := h.bindProjectID(c)
	if !ok {
		return
	}
	ratio, err := h.votes.GetVoteRatio(c.Request.Context(), projectID, identityFromContext(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newVoteRatioPayload(ratio))
}

func (h *httpHandler) handleUpvote(c *gin.Context) {
	h.handleVote(c, h.votes.RecordUpvote)
}

func (h *httpHandler) handleDownvote(c *gin.Context) {
	h.handleVote(c, h.votes.RecordDownvote)
}

type recordFunc func(ctx context.Context, projectID votes.ProjectID, identity votes.Identity) (votes.VoteRatio, error)

func (h *httpHandler) handleVote(c *gin.Context, record recordFunc) {
	projectID, ok := h.bindProjectID(c)
	if !ok {
		return
	}
	ratio, err := record(c.Request.Context(), projectID, identityFromContext(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newVoteRatioPayload(ratio))
}

func (h *httpHandler) handleResetVotes(c *gin.Context) {
	projectID, ok := h.bindProjectID(c)
	if !ok {
		return
	}
	fields := []zap.Field{zap.String("project_id", projectID.String())}
	if userRef, ok := identityFromContext(c).UserRef(); ok {
		fields = append(fields, zap.String("user_ref", userRef.String()))
	}
	h.logger.Info("vote reset requested", fields...)

	if err := h.votes.ResetVotes(c.Request.Context(), projectID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resetPayload{Message: resetSuccessMessage, ProjectID: projectID.String()})
}

func (h *httpHandler) handleVoteEvents(c *gin.Context) {
	filter := ""
	if raw, present := c.GetQuery("projectId"); present {
		projectID, err := votes.NewProjectID(raw)
		if err != nil {
			respondValidation(c, "projectId", err)
			return
		}
		filter = projectID.String()
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, filter)
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload(time.Now()))
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message.Event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload(tick))
			return true
		}
	})
}

func heartbeatPayload(at time.Time) gin.H {
	return gin.H{"source": realtimeSourceBackend, "timestamp": at.UTC().Format(time.RFC3339)}
}

// resolveIdentity attaches the caller identity. Resolution failures are logged and the
// request continues anonymously.
func (h *httpHandler) resolveIdentity(c *gin.Context) {
	identity := votes.Anonymous()

	claims, err := h.sessions.ValidateRequest(c.Request)
	switch {
	case errors.Is(err, auth.ErrMissingSessionToken):
	case errors.Is(err, auth.ErrExpiredSessionToken):
		h.logger.Info("session validation failed", zap.Error(err))
	case err != nil:
		h.logger.Warn("session validation failed", zap.Error(err))
	default:
		userRef, resolveErr := h.resolveUserRef(claims)
		if resolveErr != nil {
			h.logger.Warn("user resolution failed", zap.Error(resolveErr))
			break
		}
		identity = votes.UserIdentity(userRef)
	}

	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) resolveUserRef(claims auth.SessionClaims) (votes.UserRef, error) {
	if h.users != nil {
		return h.users.ResolveUserRef(claims)
	}
	raw := claims.UserRef
	if strings.TrimSpace(raw) == "" {
		raw = claims.Subject
	}
	return votes.NewUserRef(raw)
}

func (h *httpHandler) requireIdentity(c *gin.Context) {
	if identityFromContext(c).IsAnonymous() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errorCodeAuthenticationRequired})
		return
	}
	c.Next()
}

func identityFromContext(c *gin.Context) votes.Identity {
	if value, ok := c.Get(identityContextKey); ok {
		if identity, ok := value.(votes.Identity); ok {
			return identity
		}
	}
	return votes.Anonymous()
}

func (h *httpHandler) bindProjectID(c *gin.Context) (votes.ProjectID, bool) {
	projectID, err := votes.NewProjectID(c.Param("projectId"))
	if err != nil {
		respondValidation(c, "projectId", err)
		return "", false
	}
	return projectID, true
}

func respondValidation(c *gin.Context, field string, err error) {
	reason := err.Error()
	if errors.Is(err, votes.ErrInvalidProjectID) {
		reason = strings.TrimPrefix(reason, votes.ErrInvalidProjectID.Error()+": ")
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, errorPayload{
		Error:   errorCodeInvalidRequest,
		Details: validationDetail{Field: field, Reason: reason},
	})
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, votes.ErrAuthenticationRequired):
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errorCodeAuthenticationRequired})
	case errors.Is(err, votes.ErrInvalidProjectID):
		respondValidation(c, "projectId", err)
	default:
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Error(err),
		}
		var repositoryErr *votes.RepositoryError
		if errors.As(err, &repositoryErr) {
			fields = append(fields, zap.String("code", repositoryErr.Code()))
		}
		h.logger.Error("vote request failed", fields...)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorPayload{Error: errorCodeInternal})
	}
}
