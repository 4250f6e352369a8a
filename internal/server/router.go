package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
	"github.com/arcadia-research/colloquy/backend/internal/collab"
	"github.com/arcadia-research/colloquy/backend/internal/history"
	"github.com/arcadia-research/colloquy/backend/internal/proposals"
	"github.com/arcadia-research/colloquy/backend/internal/storage"
)

const identityContextKey = "colloquy_identity"

var (
	errMissingAuthenticator = errors.New("token authenticator dependency required")
	errMissingCapabilities  = errors.New("capability resolver dependency required")
	errMissingManager       = errors.New("session manager dependency required")
	errMissingHistory       = errors.New("history service dependency required")
	errMissingProposals     = errors.New("proposal service dependency required")
	errMissingParticipants  = errors.New("participant directory dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenAuthenticator verifies a bearer credential and resolves the identity.
type TokenAuthenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

// CapabilityResolver resolves an identity's capability on a subject.
type CapabilityResolver interface {
	Resolve(ctx context.Context, identity auth.Identity, subjectID string) (auth.Capability, error)
}

// ParticipantDirectory records collaborator sightings and resolves display
// names for rendered version histories.
type ParticipantDirectory interface {
	RecordSighting(ctx context.Context, identity auth.Identity) error
	DisplayName(ctx context.Context, userID string) string
}

// ProposalService is the slice of the proposal service the router consumes.
type ProposalService interface {
	Exists(ctx context.Context, proposalID proposals.ProposalID) (bool, error)
	CreateDraft(ctx context.Context, proposalID proposals.ProposalID, baseContent json.RawMessage, authorID string) (proposals.Version, error)
	PromoteDraft(ctx context.Context, proposalID proposals.ProposalID, commitMessage, authorID string) (proposals.Version, error)
}

// HistoryService is the slice of the history engine the router consumes.
type HistoryService interface {
	ListVersions(ctx context.Context, subjectID string) ([]history.VersionRecord, error)
	GetVersion(ctx context.Context, subjectID string, versionNumber int64) (history.VersionRecord, error)
	Reconstruct(ctx context.Context, subjectID string, targetVersion int64) (map[string]json.RawMessage, error)
}

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	Authenticator TokenAuthenticator
	Capabilities  CapabilityResolver
	Manager       *collab.Manager
	History       HistoryService
	Proposals     ProposalService
	Participants  ParticipantDirectory
	Logger        *zap.Logger
	PingInterval  time.Duration
	IdleTimeout   time.Duration
}

// NewHTTPHandler builds the router for the version API, the draft-promotion
// API and the collaboration channel.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Capabilities == nil {
		return nil, errMissingCapabilities
	}
	if deps.Manager == nil {
		return nil, errMissingManager
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Proposals == nil {
		return nil, errMissingProposals
	}
	if deps.Participants == nil {
		return nil, errMissingParticipants
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		capabilities:  deps.Capabilities,
		manager:       deps.Manager,
		history:       deps.History,
		proposals:     deps.Proposals,
		participants:  deps.Participants,
		logger:        logger,
		pingInterval:  deps.PingInterval,
		idleTimeout:   deps.IdleTimeout,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/collab/:subjectID/:formID", handler.handleCollabChannel)
	protected.GET("/subjects/:subjectID/versions", handler.handleListVersions)
	protected.GET("/subjects/:subjectID/versions/:version", handler.handleGetVersion)
	protected.GET("/subjects/:subjectID/versions/:version/content", handler.handleReconstruct)
	protected.POST("/proposals/:proposalID/draft", handler.handleCreateDraft)
	protected.POST("/proposals/:proposalID/promote", handler.handlePromoteDraft)

	return router, nil
}

type httpHandler struct {
	authenticator TokenAuthenticator
	capabilities  CapabilityResolver
	manager       *collab.Manager
	history       HistoryService
	proposals     ProposalService
	participants  ParticipantDirectory
	logger        *zap.Logger
	pingInterval  time.Duration
	idleTimeout   time.Duration
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter for websocket clients that cannot set
// headers.
func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", errInvalidAuthorization
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token, nil
	}
	return "", errInvalidAuthorization
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := bearerToken(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	identity, err := h.authenticator.Authenticate(token)
	if err != nil {
		h.logger.Warn("bearer token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func requestIdentity(c *gin.Context) (auth.Identity, bool) {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok
}

// resolveCapability authorizes the request identity on the subject, requiring
// at least the provided capability check.
func (h *httpHandler) resolveCapability(c *gin.Context, subjectID string) (auth.Identity, auth.Capability, bool) {
	identity, ok := requestIdentity(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Identity{}, auth.CapabilityNone, false
	}
	capability, err := h.capabilities.Resolve(c.Request.Context(), identity, subjectID)
	if err != nil {
		h.respondError(c, err)
		return auth.Identity{}, auth.CapabilityNone, false
	}
	return identity, capability, true
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	subjectID := c.Param("subjectID")
	if !h.requireSubject(c, subjectID) {
		return
	}
	_, capability, ok := h.resolveCapability(c, subjectID)
	if !ok {
		return
	}
	if !capability.AllowsView() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	records, err := h.history.ListVersions(c.Request.Context(), subjectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subject_id": subjectID, "versions": h.versionViews(c.Request.Context(), records)})
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	subjectID := c.Param("subjectID")
	if !h.requireSubject(c, subjectID) {
		return
	}
	versionNumber, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || versionNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	_, capability, ok := h.resolveCapability(c, subjectID)
	if !ok {
		return
	}
	if !capability.AllowsView() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	record, err := h.history.GetVersion(c.Request.Context(), subjectID, versionNumber)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.versionView(c.Request.Context(), record))
}

func (h *httpHandler) handleReconstruct(c *gin.Context) {
	subjectID := c.Param("subjectID")
	if !h.requireSubject(c, subjectID) {
		return
	}
	versionNumber, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || versionNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version"})
		return
	}
	_, capability, ok := h.resolveCapability(c, subjectID)
	if !ok {
		return
	}
	if !capability.AllowsView() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	snapshot, err := h.history.Reconstruct(c.Request.Context(), subjectID, versionNumber)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subject_id":     subjectID,
		"version_number": versionNumber,
		"content":        snapshot,
	})
}

type createDraftPayload struct {
	BaseContent json.RawMessage `json:"base_content"`
}

func (h *httpHandler) handleCreateDraft(c *gin.Context) {
	proposalID, err := proposals.NewProposalID(c.Param("proposalID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_proposal_id"})
		return
	}
	identity, capability, ok := h.resolveCapability(c, proposalID.String())
	if !ok {
		return
	}
	if !capability.AllowsEdit() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var payload createDraftPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	version, err := h.proposals.CreateDraft(c.Request.Context(), proposalID, payload.BaseContent, identity.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal_id": proposalID.String(), "version": version.String()})
}

type promoteDraftPayload struct {
	CommitMessage string `json:"commit_message"`
}

func (h *httpHandler) handlePromoteDraft(c *gin.Context) {
	proposalID, err := proposals.NewProposalID(c.Param("proposalID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_proposal_id"})
		return
	}
	identity, capability, ok := h.resolveCapability(c, proposalID.String())
	if !ok {
		return
	}
	if !capability.AllowsEdit() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var payload promoteDraftPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	version, err := h.proposals.PromoteDraft(c.Request.Context(), proposalID, payload.CommitMessage, identity.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal_id": proposalID.String(), "version": version.String()})
}

// requireSubject refuses requests naming an unregistered subject.
func (h *httpHandler) requireSubject(c *gin.Context, subjectID string) bool {
	proposalID, err := proposals.NewProposalID(subjectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject_id"})
		return false
	}
	exists, err := h.proposals.Exists(c.Request.Context(), proposalID)
	if err != nil {
		h.respondError(c, err)
		return false
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return false
	}
	return true
}

// respondError maps the core error taxonomy to HTTP outcomes. Integrity
// rejections carry distinguishing reason codes rather than a generic
// failure.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, history.ErrDuplicateContent):
		c.JSON(http.StatusConflict, gin.H{"error": "no_changes_to_save"})
	case errors.Is(err, history.ErrContentReuse):
		c.JSON(http.StatusConflict, gin.H{"error": "flagged_for_review"})
	case errors.Is(err, history.ErrCorruptVersionLog):
		h.logger.Error("version log reconstruction refused", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "corrupt_version_log"})
	case errors.Is(err, history.ErrVersionNotFound),
		errors.Is(err, proposals.ErrProposalNotFound),
		errors.Is(err, proposals.ErrDraftNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, proposals.ErrDraftExists):
		c.JSON(http.StatusConflict, gin.H{"error": "draft_exists"})
	case errors.Is(err, proposals.ErrProposalRejected):
		c.JSON(http.StatusConflict, gin.H{"error": "proposal_rejected"})
	case errors.Is(err, collab.ErrCapabilityDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, collab.ErrManagerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
	case errors.Is(err, storage.ErrUnavailable):
		h.logger.Error("durable store unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence_unavailable"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

type versionViewModel struct {
	SubjectID     string `json:"subject_id"`
	VersionNumber int64  `json:"version_number"`
	ChangeKind    string `json:"change_kind"`
	AuthorID      string `json:"author_id"`
	AuthorName    string `json:"author_display_name"`
	Comment       string `json:"comment,omitempty"`
	CreatedAtS    int64  `json:"created_at_s"`
	DiffBytes     int64  `json:"diff_bytes"`
	WordDelta     int64  `json:"word_delta"`
}

func (h *httpHandler) versionView(ctx context.Context, record history.VersionRecord) versionViewModel {
	return versionViewModel{
		SubjectID:     record.SubjectID,
		VersionNumber: record.VersionNumber,
		ChangeKind:    record.ChangeKind,
		AuthorID:      record.AuthorID,
		AuthorName:    h.participants.DisplayName(ctx, record.AuthorID),
		Comment:       record.Comment,
		CreatedAtS:    record.CreatedAtS,
		DiffBytes:     record.DiffBytes,
		WordDelta:     record.WordDelta,
	}
}

func (h *httpHandler) versionViews(ctx context.Context, records []history.VersionRecord) []versionViewModel {
	views := make([]versionViewModel, 0, len(records))
	for _, record := range records {
		views = append(views, h.versionView(ctx, record))
	}
	return views
}
