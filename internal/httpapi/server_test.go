package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tipmeet/tippresence/internal/presence"
	"github.com/tipmeet/tippresence/internal/storage"
)

func testServer(t *testing.T, users map[string]string) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := presence.New(store, logger)
	return New(engine, logger, users)
}

func decodeEnvelope(t *testing.T, body io.Reader) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return env
}

func TestHandlePutAndGet(t *testing.T) {
	s := testServer(t, nil)

	putReq := httptest.NewRequest(http.MethodPut, "/presence/alice",
		strings.NewReader(`{"presence":{"status":"online"},"expires":60,"priority":1}`))
	putRec := httptest.NewRecorder()
	s.ServeHTTP(putRec, putReq)

	env := decodeEnvelope(t, putRec.Body)
	if env.Status != "ok" {
		t.Fatalf("expected ok, got %+v", env)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/presence/alice", nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)

	if got := getRec.Header().Get("X-Presence-Status"); got != "online" {
		t.Errorf("expected X-Presence-Status=online, got %q", got)
	}
	env = decodeEnvelope(t, getRec.Body)
	if env.Status != "ok" {
		t.Fatalf("expected ok, got %+v", env)
	}
}

func TestHandleGetUnknownResourceReturnsOfflineSentinel(t *testing.T) {
	s := testServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/presence/ghost", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Presence-Status"); got != "offline" {
		t.Errorf("expected offline sentinel, got %q", got)
	}
}

func TestHandlePutRejectsBadExpiry(t *testing.T) {
	s := testServer(t, nil)
	req := httptest.NewRequest(http.MethodPut, "/presence/bob",
		strings.NewReader(`{"presence":{"status":"online"},"expires":99999}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec.Body)
	if env.Status != "failure" {
		t.Errorf("expected failure, got %+v", env)
	}
}

func TestHandlePutWithTagPathUsesGivenTag(t *testing.T) {
	s := testServer(t, nil)
	req := httptest.NewRequest(http.MethodPut, "/presence/carol/mytag",
		strings.NewReader(`{"presence":{"status":"online"},"expires":60}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec.Body)
	result, ok := env.Result.(map[string]any)
	if !ok || result["tag"] != "mytag" {
		t.Errorf("expected tag=mytag in result, got %+v", env.Result)
	}
}

func TestHandleRemoveNotFound(t *testing.T) {
	s := testServer(t, nil)
	req := httptest.NewRequest(http.MethodDelete, "/presence/dan/ghost", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec.Body)
	if env.Status != "failure" || env.Reason != "Not Found" {
		t.Errorf("expected Not Found failure, got %+v", env)
	}
}

func TestDumpRequiresAuthWhenUsersConfigured(t *testing.T) {
	s := testServer(t, map[string]string{"alice": "secret"})

	req := httptest.NewRequest(http.MethodGet, "/presence/", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Basic realm="tippresence"` {
		t.Errorf("unexpected WWW-Authenticate header: %q", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/presence/", nil)
	req2.SetBasicAuth("alice", "secret")
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid credentials, got %d", rec2.Code)
	}
}

func TestBulkPutAllOrFirstError(t *testing.T) {
	s := testServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/presence/",
		strings.NewReader(`{"erin":{"presence":{"status":"online"},"expires":60}}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	env := decodeEnvelope(t, rec.Body)
	if env.Status != "ok" {
		t.Fatalf("expected ok, got %+v", env)
	}

	badReq := httptest.NewRequest(http.MethodPost, "/presence/",
		strings.NewReader(`{"fred":{"presence":{"status":"online"},"expires":60},"gina":{"presence":{"status":"online"},"expires":99999}}`))
	badRec := httptest.NewRecorder()
	s.ServeHTTP(badRec, badReq)

	env = decodeEnvelope(t, badRec.Body)
	if env.Status != "failure" || !strings.HasPrefix(env.Reason, "gina: ") {
		t.Errorf("expected failure naming the first failing resource, got %+v", env)
	}
}
