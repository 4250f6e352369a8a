package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arcadia-research/colloquy/backend/internal/auth"
	"github.com/arcadia-research/colloquy/backend/internal/collab"
	"github.com/arcadia-research/colloquy/backend/internal/history"
	"github.com/arcadia-research/colloquy/backend/internal/participants"
	"github.com/arcadia-research/colloquy/backend/internal/proposals"
	"github.com/arcadia-research/colloquy/backend/internal/storage"
)

type routerFixture struct {
	handler      http.Handler
	authToken    string
	history      *history.Service
	proposals    *proposals.Service
	capabilities *auth.CapabilityResolver
	db           *gorm.DB
}

const fixtureToken = "portal-token"

type staticAuthenticator struct {
	token    string
	identity auth.Identity
}

func (a staticAuthenticator) Authenticate(token string) (auth.Identity, error) {
	if token != a.token {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return a.identity, nil
}

func openServerDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:server_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&storage.DocumentState{},
		&storage.LegacyDocument{},
		&history.VersionRecord{},
		&history.IntegrityRecord{},
		&proposals.Proposal{},
		&proposals.MajorVersion{},
		&proposals.DraftVersion{},
		&auth.SubjectGrant{},
		&participants.Participant{},
	)
	if err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	db := openServerDatabase(t)
	clock := func() time.Time { return time.Unix(1700000000, 0) }

	historyService, err := history.NewService(history.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected history service error: %v", err)
	}
	proposalService, err := proposals.NewService(proposals.ServiceConfig{Database: db, Recorder: historyService, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected proposal service error: %v", err)
	}
	participantService, err := participants.NewService(participants.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected participant service error: %v", err)
	}
	capabilities, err := auth.NewCapabilityResolver(auth.CapabilityResolverConfig{Database: db, CacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("unexpected resolver error: %v", err)
	}
	store, err := storage.NewGormAdapter(db, clock)
	if err != nil {
		t.Fatalf("unexpected adapter error: %v", err)
	}
	manager, err := collab.NewManager(collab.ManagerConfig{
		Store:    store,
		Recorder: historyService,
	})
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
	})

	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: staticAuthenticator{token: fixtureToken, identity: auth.Identity{UserID: "user-1", DisplayName: "Dana"}},
		Capabilities:  capabilities,
		Manager:       manager,
		History:       historyService,
		Proposals:     proposalService,
		Participants:  participantService,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}

	return &routerFixture{
		handler:      handler,
		authToken:    fixtureToken,
		history:      historyService,
		proposals:    proposalService,
		capabilities: capabilities,
		db:           db,
	}
}

func (f *routerFixture) seedProposal(t *testing.T, proposalID string, capability auth.Capability) {
	t.Helper()
	ctx := context.Background()
	id, err := proposals.NewProposalID(proposalID)
	if err != nil {
		t.Fatalf("unexpected proposal id error: %v", err)
	}
	if _, err := f.proposals.Create(ctx, id, proposals.StatusActive); err != nil {
		t.Fatalf("unexpected proposal create error: %v", err)
	}
	if capability != auth.CapabilityNone {
		if err := f.capabilities.Grant(ctx, proposalID, "user-1", capability, time.Unix(1700000000, 0)); err != nil {
			t.Fatalf("unexpected grant error: %v", err)
		}
	}
}

func (f *routerFixture) request(t *testing.T, method, path string, body []byte, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	if authorized {
		request.Header.Set("Authorization", "Bearer "+f.authToken)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthzIsPublic(t *testing.T) {
	fixture := newRouterFixture(t)

	response := fixture.request(t, http.MethodGet, "/healthz", nil, false)
	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", response.Code)
	}
}

func TestVersionRoutesRequireBearerToken(t *testing.T) {
	fixture := newRouterFixture(t)

	response := fixture.request(t, http.MethodGet, "/subjects/proposal-1/versions", nil, false)
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
}

func TestListVersionsRequiresViewCapability(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedProposal(t, "proposal-1", auth.CapabilityNone)

	response := fixture.request(t, http.MethodGet, "/subjects/proposal-1/versions", nil, true)
	if response.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without a grant, got %d", response.Code)
	}
}

func TestListVersionsReturnsHistoryWithAuthorNames(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedProposal(t, "proposal-1", auth.CapabilityView)

	ctx := context.Background()
	content := map[string]json.RawMessage{"title": json.RawMessage(`"X"`)}
	if _, err := fixture.history.CommitSnapshot(ctx, "proposal-1", content, "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	response := fixture.request(t, http.MethodGet, "/subjects/proposal-1/versions", nil, true)
	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body: %s", response.Code, response.Body.String())
	}

	var payload struct {
		SubjectID string `json:"subject_id"`
		Versions  []struct {
			VersionNumber int64  `json:"version_number"`
			ChangeKind    string `json:"change_kind"`
			AuthorName    string `json:"author_display_name"`
		} `json:"versions"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unreadable response: %v", err)
	}
	if len(payload.Versions) != 1 || payload.Versions[0].ChangeKind != "initial_create" {
		t.Fatalf("unexpected versions payload: %s", response.Body.String())
	}
	if payload.Versions[0].AuthorName != "user-1" {
		t.Fatalf("expected the user id fallback for an unseen author, got %q", payload.Versions[0].AuthorName)
	}
}

func TestReconstructEndpointReturnsContent(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedProposal(t, "proposal-1", auth.CapabilityView)

	ctx := context.Background()
	first := map[string]json.RawMessage{"title": json.RawMessage(`"X"`)}
	second := map[string]json.RawMessage{"title": json.RawMessage(`"Y"`), "body": json.RawMessage(`"Z"`)}
	if _, err := fixture.history.CommitSnapshot(ctx, "proposal-1", first, "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	if _, err := fixture.history.CommitSnapshot(ctx, "proposal-1", second, "user-1", ""); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}

	response := fixture.request(t, http.MethodGet, "/subjects/proposal-1/versions/2/content", nil, true)
	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body: %s", response.Code, response.Body.String())
	}

	var payload struct {
		VersionNumber int64                      `json:"version_number"`
		Content       map[string]json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unreadable response: %v", err)
	}
	if payload.VersionNumber != 2 {
		t.Fatalf("unexpected version number: %d", payload.VersionNumber)
	}
	if string(payload.Content["title"]) != `"Y"` || string(payload.Content["body"]) != `"Z"` {
		t.Fatalf("unexpected reconstructed content: %s", response.Body.String())
	}
}

func TestGetUnknownVersionReturnsNotFound(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedProposal(t, "proposal-1", auth.CapabilityView)

	response := fixture.request(t, http.MethodGet, "/subjects/proposal-1/versions/7", nil, true)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
}

func TestUnknownSubjectReturnsNotFound(t *testing.T) {
	fixture := newRouterFixture(t)

	response := fixture.request(t, http.MethodGet, "/subjects/proposal-missing/versions", nil, true)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered subject, got %d", response.Code)
	}
}

func TestDraftLifecycleOverHTTP(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedProposal(t, "proposal-1", auth.CapabilityEdit)

	create := fixture.request(t, http.MethodPost, "/proposals/proposal-1/draft", []byte(`{"base_content":{"title":"draft"}}`), true)
	if create.Code != http.StatusCreated {
		t.Fatalf("unexpected draft status: %d body: %s", create.Code, create.Body.String())
	}
	var draftPayload struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(create.Body.Bytes(), &draftPayload); err != nil {
		t.Fatalf("unreadable draft response: %v", err)
	}
	if draftPayload.Version != "0.1" {
		t.Fatalf("unexpected draft version: %s", draftPayload.Version)
	}

	duplicate := fixture.request(t, http.MethodPost, "/proposals/proposal-1/draft", []byte(`{}`), true)
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second draft, got %d", duplicate.Code)
	}

	promote := fixture.request(t, http.MethodPost, "/proposals/proposal-1/promote", []byte(`{"commit_message":"first submission"}`), true)
	if promote.Code != http.StatusOK {
		t.Fatalf("unexpected promote status: %d body: %s", promote.Code, promote.Body.String())
	}
	var promotePayload struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(promote.Body.Bytes(), &promotePayload); err != nil {
		t.Fatalf("unreadable promote response: %v", err)
	}
	if promotePayload.Version != "1" {
		t.Fatalf("unexpected promoted version: %s", promotePayload.Version)
	}

	empty := fixture.request(t, http.MethodPost, "/proposals/proposal-1/promote", []byte(`{}`), true)
	if empty.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no draft to promote, got %d", empty.Code)
	}
}

func TestDraftRoutesRequireEditCapability(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.seedProposal(t, "proposal-1", auth.CapabilityView)

	response := fixture.request(t, http.MethodPost, "/proposals/proposal-1/draft", []byte(`{}`), true)
	if response.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a viewer, got %d", response.Code)
	}
}

func TestErrorMappingDistinguishesIntegrityOutcomes(t *testing.T) {
	cases := []struct {
		err  error
		code int
		body string
	}{
		{err: history.ErrDuplicateContent, code: http.StatusConflict, body: "no_changes_to_save"},
		{err: history.ErrContentReuse, code: http.StatusConflict, body: "flagged_for_review"},
		{err: history.ErrCorruptVersionLog, code: http.StatusInternalServerError, body: "corrupt_version_log"},
		{err: storage.ErrUnavailable, code: http.StatusServiceUnavailable, body: "persistence_unavailable"},
		{err: proposals.ErrProposalRejected, code: http.StatusConflict, body: "proposal_rejected"},
		{err: collab.ErrCapabilityDenied, code: http.StatusForbidden, body: "forbidden"},
		{err: errors.New("anything else"), code: http.StatusInternalServerError, body: "internal_error"},
	}

	inner := &httpHandler{logger: zap.NewNop()}
	for _, testCase := range cases {
		recorder := httptest.NewRecorder()
		ginCtx, _ := gin.CreateTestContext(recorder)
		inner.respondError(ginCtx, fmt.Errorf("wrapped: %w", testCase.err))
		if recorder.Code != testCase.code {
			t.Fatalf("error %v: got status %d, want %d", testCase.err, recorder.Code, testCase.code)
		}
		if !bytes.Contains(recorder.Body.Bytes(), []byte(testCase.body)) {
			t.Fatalf("error %v: body %s missing %q", testCase.err, recorder.Body.String(), testCase.body)
		}
	}
}
