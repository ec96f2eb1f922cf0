package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/auth"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/events"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/metrics"
	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "project-space-auth"
	testCookieName    = "app_session"
)

var testDatabaseSequence atomic.Int64

type testHarness struct {
	handler    http.Handler
	repository *votes.Repository
	db         *gorm.DB
	issuer     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
	metrics    *metrics.Metrics
}

func newTestHarness(t *testing.T, logger *zap.Logger) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:server_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&votes.ProjectVote{}, &votes.UserVote{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	collectors := metrics.New("test")
	repository, err := votes.NewRepository(votes.RepositoryConfig{
		Database: db,
		Logger:   logger,
		Notifier: events.NewFanout(collectors, dispatcher),
	})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Votes:             repository,
		Sessions:          validator,
		Realtime:          dispatcher,
		Metrics:           collectors,
		Logger:            logger,
		AllowedOrigins:    []string{"https://portal.example.com"},
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testHarness{
		handler:    handler,
		repository: repository,
		db:         db,
		issuer:     issuer,
		dispatcher: dispatcher,
		metrics:    collectors,
	}
}

func (h *testHarness) token(t *testing.T, userRef string) string {
	t.Helper()
	token, _, err := h.issuer.IssueSessionToken(auth.SessionSubject{UserRef: userRef})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h *testHarness) do(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, http.NoBody)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, body io.Reader) T {
	t.Helper()
	var value T
	if err := json.NewDecoder(body).Decode(&value); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return value
}

func decodeObject(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	return decodeBody[map[string]interface{}](t, strings.NewReader(raw))
}
