package server

import (
	"net/http"
	"strings"
	"testing"

	"github.com/RedHatInsights/backstage-plugin-redhat-ai-project-space/internal/votes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestUpvoteRequiresIdentity(t *testing.T) {
	harness := newTestHarness(t, nil)

	recorder := harness.do(t, http.MethodPost, "/votes/project-a/upvote", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, recorder.Code)
	}
	body := decodeObject(t, recorder.Body.String())
	if body["error"] != errorCodeAuthenticationRequired {
		t.Fatalf("unexpected error body: %v", body)
	}

	var count int64
	harness.db.Model(&votes.UserVote{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no stored votes, got %d", count)
	}
}

func TestUpvoteRejectsInvalidTokenEvenThoughReadsSucceed(t *testing.T) {
	harness := newTestHarness(t, nil)

	if recorder := harness.do(t, http.MethodPost, "/votes/project-a/upvote", "not-a-token"); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized mutation, got %d", recorder.Code)
	}
	recorder := harness.do(t, http.MethodGet, "/votes/project-a", "not-a-token")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected anonymous read to succeed, got %d", recorder.Code)
	}
	if _, present := decodeObject(t, recorder.Body.String())["userVote"]; present {
		t.Fatalf("expected userVote to be omitted for an unresolved identity")
	}
}

func TestVoteLifecycleOverHTTP(t *testing.T) {
	harness := newTestHarness(t, nil)
	alice := harness.token(t, "user:default/alice")
	bob := harness.token(t, "user:default/bob")

	recorder := harness.do(t, http.MethodPost, "/votes/project-a/upvote", alice)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected upvote status %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeObject(t, recorder.Body.String())
	if body["projectId"] != "project-a" || body["upvotes"] != 1.0 || body["total"] != 1.0 || body["userVote"] != "upvote" {
		t.Fatalf("unexpected upvote body: %v", body)
	}

	// repeating the same vote changes nothing
	body = decodeObject(t, harness.do(t, http.MethodPost, "/votes/project-a/upvote", alice).Body.String())
	if body["upvotes"] != 1.0 {
		t.Fatalf("expected idempotent upvote, got %v", body)
	}

	body = decodeObject(t, harness.do(t, http.MethodPost, "/votes/project-a/downvote", bob).Body.String())
	if body["upvotes"] != 1.0 || body["downvotes"] != 1.0 || body["ratio"] != 0.5 || body["userVote"] != "downvote" {
		t.Fatalf("unexpected downvote body: %v", body)
	}

	body = decodeObject(t, harness.do(t, http.MethodPost, "/votes/project-a/upvote", bob).Body.String())
	if body["upvotes"] != 2.0 || body["downvotes"] != 0.0 {
		t.Fatalf("expected switched vote, got %v", body)
	}

	testCases := []struct {
		name      string
		token     string
		present   bool
		wantValue interface{}
	}{
		{name: "anonymous", token: "", present: false},
		{name: "voter", token: alice, present: true, wantValue: "upvote"},
		{name: "non-voter", token: harness.token(t, "user:default/carol"), present: true, wantValue: nil},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := harness.do(t, http.MethodGet, "/votes/project-a", testCase.token)
			if recorder.Code != http.StatusOK {
				t.Fatalf("unexpected status %d", recorder.Code)
			}
			body := decodeObject(t, recorder.Body.String())
			value, present := body["userVote"]
			if present != testCase.present {
				t.Fatalf("userVote presence: want %v got %v (%s)", testCase.present, present, recorder.Body.String())
			}
			if present && value != testCase.wantValue {
				t.Fatalf("userVote: want %v got %v", testCase.wantValue, value)
			}
		})
	}
}

func TestGetUnknownProjectReturnsZeroRatio(t *testing.T) {
	harness := newTestHarness(t, nil)

	recorder := harness.do(t, http.MethodGet, "/votes/never-voted", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	body := decodeObject(t, recorder.Body.String())
	if body["upvotes"] != 0.0 || body["downvotes"] != 0.0 || body["ratio"] != 0.0 || body["total"] != 0.0 {
		t.Fatalf("expected zeroed ratio, got %v", body)
	}
}

func TestListVotesOmitsUserVote(t *testing.T) {
	harness := newTestHarness(t, nil)

	recorder := harness.do(t, http.MethodGet, "/votes", "")
	if recorder.Code != http.StatusOK || strings.TrimSpace(recorder.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %d %q", recorder.Code, recorder.Body.String())
	}

	alice := harness.token(t, "user:default/alice")
	harness.do(t, http.MethodPost, "/votes/project-a/upvote", alice)
	harness.do(t, http.MethodPost, "/votes/project-b/downvote", alice)

	recorder = harness.do(t, http.MethodGet, "/votes", alice)
	list := decodeBody[[]map[string]interface{}](t, recorder.Body)
	if len(list) != 2 {
		t.Fatalf("expected two projects, got %d", len(list))
	}
	if list[0]["projectId"] != "project-b" {
		t.Fatalf("expected most recently updated project first, got %v", list[0]["projectId"])
	}
	for _, entry := range list {
		if _, present := entry["userVote"]; present {
			t.Fatalf("expected list entries without userVote, got %v", entry)
		}
	}
}

func TestResetVotesReportsProject(t *testing.T) {
	harness := newTestHarness(t, nil)
	alice := harness.token(t, "user:default/alice")
	harness.do(t, http.MethodPost, "/votes/project-a/upvote", alice)

	recorder := harness.do(t, http.MethodDelete, "/votes/project-a", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected reset status %d", recorder.Code)
	}
	body := decodeObject(t, recorder.Body.String())
	if body["message"] != resetSuccessMessage || body["projectId"] != "project-a" {
		t.Fatalf("unexpected reset body: %v", body)
	}

	body = decodeObject(t, harness.do(t, http.MethodGet, "/votes/project-a", alice).Body.String())
	if body["total"] != 0.0 || body["userVote"] != nil {
		t.Fatalf("expected cleared project after reset, got %v", body)
	}

	if recorder := harness.do(t, http.MethodDelete, "/votes/project-a", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected repeated reset to succeed, got %d", recorder.Code)
	}
}

func TestProjectIDValidation(t *testing.T) {
	harness := newTestHarness(t, nil)
	alice := harness.token(t, "user:default/alice")

	testCases := []struct {
		name   string
		method string
		path   string
	}{
		{name: "blank-read", method: http.MethodGet, path: "/votes/%20%20"},
		{name: "blank-upvote", method: http.MethodPost, path: "/votes/%20/upvote"},
		{name: "oversized-reset", method: http.MethodDelete, path: "/votes/" + strings.Repeat("p", 191)},
		{name: "blank-stream-filter", method: http.MethodGet, path: "/events/votes?projectId=%20"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := harness.do(t, testCase.method, testCase.path, alice)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, recorder.Code)
			}
			body := decodeObject(t, recorder.Body.String())
			if body["error"] != errorCodeInvalidRequest {
				t.Fatalf("unexpected error code: %v", body)
			}
			details, ok := body["details"].(map[string]interface{})
			if !ok || details["field"] != "projectId" || details["reason"] == "" {
				t.Fatalf("expected projectId detail, got %v", body["details"])
			}
		})
	}
}

func TestStoreFailureIsGeneric(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	harness := newTestHarness(t, zap.New(core))
	alice := harness.token(t, "user:default/alice")

	if err := harness.db.Migrator().DropTable(&votes.UserVote{}); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	recorder := harness.do(t, http.MethodPost, "/votes/project-a/upvote", alice)
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, recorder.Code)
	}
	body := decodeObject(t, recorder.Body.String())
	if body["error"] != errorCodeInternal || len(body) != 1 {
		t.Fatalf("expected bare internal error body, got %v", body)
	}

	entries := logs.FilterMessage("vote request failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request failure log, got %d", len(entries))
	}
	if code, _ := entries[0].ContextMap()["code"].(string); !strings.HasPrefix(code, "votes.record_upvote.") {
		t.Fatalf("expected repository code on log entry, got %v", entries[0].ContextMap())
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	harness := newTestHarness(t, nil)
	alice := harness.token(t, "user:default/alice")
	harness.do(t, http.MethodPost, "/votes/project-a/upvote", alice)

	if recorder := harness.do(t, http.MethodGet, "/health", ""); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected health status %d", recorder.Code)
	}

	recorder := harness.do(t, http.MethodGet, "/metrics", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `test_votes_changes_total{action="upvote",transition="created"} 1`) {
		t.Fatalf("expected vote change counter in exposition")
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingVoteRepository {
		t.Fatalf("expected missing repository error, got %v", err)
	}
	harness := newTestHarness(t, nil)
	if _, err := NewHTTPHandler(Dependencies{Votes: harness.repository}); err != errMissingSessionValidator {
		t.Fatalf("expected missing validator error, got %v", err)
	}
}

func TestVoteRoutesAcceptEncodedCatalogProjectIDs(t *testing.T) {
	harness := newTestHarness(t, nil)
	alice := harness.token(t, "user:default/alice")
	const encoded = "/votes/default%2Fcomponent%2Fmy-project"

	recorder := harness.do(t, http.MethodPost, encoded+"/upvote", alice)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected upvote status %d: %s", recorder.Code, recorder.Body.String())
	}
	body := decodeObject(t, recorder.Body.String())
	if body["projectId"] != "default/component/my-project" || body["upvotes"] != 1.0 {
		t.Fatalf("unexpected upvote body: %v", body)
	}

	body = decodeObject(t, harness.do(t, http.MethodGet, encoded, alice).Body.String())
	if body["projectId"] != "default/component/my-project" || body["userVote"] != "upvote" {
		t.Fatalf("unexpected read body: %v", body)
	}

	var stored votes.UserVote
	if err := harness.db.Where("project_id = ?", "default/component/my-project").Take(&stored).Error; err != nil {
		t.Fatalf("expected vote stored under the decoded id: %v", err)
	}

	recorder = harness.do(t, http.MethodDelete, encoded, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected reset status %d", recorder.Code)
	}
	if decodeObject(t, recorder.Body.String())["projectId"] != "default/component/my-project" {
		t.Fatalf("unexpected reset body: %s", recorder.Body.String())
	}
}
