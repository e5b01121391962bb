package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lodeworks/lodestone/internal/auth"
	"github.com/lodeworks/lodestone/internal/importer"
	"github.com/lodeworks/lodestone/internal/ingest"
	"github.com/lodeworks/lodestone/internal/normalize"
	"github.com/lodeworks/lodestone/internal/storage"
	"github.com/lodeworks/lodestone/internal/storage/filestore"
)

const testAdminKey = "router-test-admin-key"

func strPtr(value string) *string { return &value }

type testEnv struct {
	handler http.Handler
	driver  storage.Driver
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	driver, err := filestore.New(filestore.Config{
		Path: filepath.Join(t.TempDir(), "engine.json"),
	})
	if err != nil {
		t.Fatalf("unexpected driver error: %v", err)
	}
	if _, err := driver.Init(context.Background()); err != nil {
		t.Fatalf("unexpected init error: %v", err)
	}
	t.Cleanup(func() { _ = driver.Close() })

	manager, err := importer.NewManager(importer.ManagerConfig{
		Driver:     driver,
		Normalizer: normalize.New(),
		Ingestors: map[storage.SourceType]ingest.Ingestor{
			storage.SourceTypeURL: func(_ context.Context, _ string, _ ingest.ProgressFunc) (ingest.Result, error) {
				return ingest.Result{Title: "stub", ContentMarkdown: "stub"}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-signing-secret"),
		AdminKey:      testAdminKey,
		Issuer:        "lodestone",
		Audience:      "lodestone-admin",
	})

	handler, err := NewHTTPHandler(Dependencies{
		Driver:       driver,
		TokenManager: issuer,
		Importer:     manager,
	})
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return testEnv{handler: handler, driver: driver}
}

func (e testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("unexpected encode error: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func (e testEnv) issueToken(t *testing.T) string {
	t.Helper()
	recorder := e.do(t, http.MethodPost, "/auth/token", "", map[string]string{
		"admin_key": testAdminKey,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected token exchange to succeed, got %d: %s", recorder.Code, recorder.Body)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if payload.AccessToken == "" || payload.TokenType != "Bearer" {
		t.Fatalf("unexpected token payload %#v", payload)
	}
	return payload.AccessToken
}

func TestHealthEndpointIsPublic(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodGet, "/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodGet, "/documents", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	recorder = env.do(t, http.MethodGet, "/documents", "not-a-real-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged token, got %d", recorder.Code)
	}
}

func TestWrongAdminKeyIsRefused(t *testing.T) {
	env := newTestEnv(t)
	recorder := env.do(t, http.MethodPost, "/auth/token", "", map[string]string{
		"admin_key": "not-the-key",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong admin key, got %d", recorder.Code)
	}
}

func TestTokenExchangeAndDocumentListing(t *testing.T) {
	env := newTestEnv(t)
	token := env.issueToken(t)

	for i := 0; i < 3; i++ {
		if _, err := env.driver.UpsertDocument(context.Background(), storage.DocumentInput{
			DocID: fmt.Sprintf("doc-%d", i),
			Title: strPtr(fmt.Sprintf("Document %d", i)),
		}); err != nil {
			t.Fatalf("unexpected upsert error: %v", err)
		}
	}

	recorder := env.do(t, http.MethodGet, "/documents?limit=2", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body)
	}
	var payload struct {
		Documents []storage.Document `json:"documents"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(payload.Documents) != 2 {
		t.Fatalf("expected limit respected, got %d documents", len(payload.Documents))
	}
}

func TestMissingDocumentReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	token := env.issueToken(t)
	recorder := env.do(t, http.MethodGet, "/documents/doc-missing", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", recorder.Code, recorder.Body)
	}
}

func TestSetSavedAndSavedOnlyListing(t *testing.T) {
	env := newTestEnv(t)
	token := env.issueToken(t)
	ctx := context.Background()
	if _, err := env.driver.UpsertDocument(ctx, storage.DocumentInput{DocID: "doc-a"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if _, err := env.driver.UpsertDocument(ctx, storage.DocumentInput{DocID: "doc-b"}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	savedAt := int64(1700000000)
	recorder := env.do(t, http.MethodPost, "/documents/doc-b/saved", token, setSavedPayload{
		SavedAtSeconds: &savedAt,
	})
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body)
	}

	recorder = env.do(t, http.MethodGet, "/documents?saved_only=true", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body)
	}
	var payload struct {
		Documents []storage.Document `json:"documents"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(payload.Documents) != 1 || payload.Documents[0].DocID != "doc-b" {
		t.Fatalf("unexpected saved listing %#v", payload.Documents)
	}
}

func TestEnqueueImportIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	token := env.issueToken(t)

	recorder := env.do(t, http.MethodPost, "/imports", token, enqueuePayload{
		SourceType: string(storage.SourceTypeURL),
		SourceRef:  "https://example.com/article",
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body)
	}
	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if payload.JobID == "" {
		t.Fatalf("expected a job id")
	}

	recorder = env.do(t, http.MethodGet, "/imports/"+payload.JobID, token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body)
	}
}

func TestUnknownSourceTypeConflicts(t *testing.T) {
	env := newTestEnv(t)
	token := env.issueToken(t)
	recorder := env.do(t, http.MethodPost, "/imports", token, enqueuePayload{
		SourceType: "carrier-pigeon",
		SourceRef:  "coop-7",
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", recorder.Code, recorder.Body)
	}
}

func TestDeleteNonTerminalJobConflicts(t *testing.T) {
	env := newTestEnv(t)
	token := env.issueToken(t)

	recorder := env.do(t, http.MethodPost, "/imports", token, enqueuePayload{
		SourceType: string(storage.SourceTypeURL),
		SourceRef:  "https://example.com/article",
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body)
	}
	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}

	recorder = env.do(t, http.MethodDelete, "/imports/"+payload.JobID, token, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting a queued job, got %d: %s", recorder.Code, recorder.Body)
	}
}
