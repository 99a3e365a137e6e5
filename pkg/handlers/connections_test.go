package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type stubTester struct {
	ok          bool
	tested      []uuid.UUID
	invalidated []uuid.UUID
	all         int
}

func (s *stubTester) TestConnection(ctx context.Context, orgID uuid.UUID) bool {
	s.tested = append(s.tested, orgID)
	return s.ok
}

func (s *stubTester) Invalidate(orgID uuid.UUID) { s.invalidated = append(s.invalidated, orgID) }

func (s *stubTester) InvalidateAll() { s.all++ }

func newConnectionsMux(tester *stubTester) *http.ServeMux {
	mux := http.NewServeMux()
	NewConnectionsHandler(tester, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

// localRequest comes from a loopback peer, as an operator on the host would.
func localRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:40312"
	return req
}

func TestConnectionsHandler_Test(t *testing.T) {
	tester := &stubTester{ok: true}
	mux := newConnectionsMux(tester)
	orgID := uuid.New()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localRequest(http.MethodPost, "/connections/"+orgID.String()+"/test"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var response ConnectionTestResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !response.Success || response.OrganizationID != orgID.String() {
		t.Errorf("unexpected response %+v", response)
	}
	if len(tester.tested) != 1 || tester.tested[0] != orgID {
		t.Errorf("expected one test for %s, got %v", orgID, tester.tested)
	}
}

func TestConnectionsHandler_Test_InvalidOrgID(t *testing.T) {
	tester := &stubTester{}
	mux := newConnectionsMux(tester)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localRequest(http.MethodPost, "/connections/not-a-uuid/test"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	if len(tester.tested) != 0 {
		t.Error("invalid id must not reach the factory")
	}
}

func TestConnectionsHandler_Invalidate(t *testing.T) {
	tester := &stubTester{}
	mux := newConnectionsMux(tester)
	orgID := uuid.New()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localRequest(http.MethodPost, "/connections/"+orgID.String()+"/invalidate"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if len(tester.invalidated) != 1 || tester.invalidated[0] != orgID {
		t.Errorf("expected invalidation of %s, got %v", orgID, tester.invalidated)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localRequest(http.MethodPost, "/connections/invalidate"))
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if tester.all != 1 {
		t.Errorf("expected one InvalidateAll, got %d", tester.all)
	}
}

func TestConnectionsHandler_RejectsGet(t *testing.T) {
	mux := newConnectionsMux(&stubTester{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connections/"+uuid.NewString()+"/test", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestConnectionsHandler_RejectsRemotePeers(t *testing.T) {
	tester := &stubTester{ok: true}
	mux := newConnectionsMux(tester)
	orgID := uuid.New()

	paths := []string{
		"/connections/" + orgID.String() + "/test",
		"/connections/" + orgID.String() + "/invalidate",
		"/connections/invalidate",
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "203.0.113.9:51234"
		// A forged forwarding header must not make the peer local.
		req.Header.Set("X-Forwarded-For", "127.0.0.1")

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusForbidden, rec.Code)
		}
	}
	if len(tester.tested) != 0 || len(tester.invalidated) != 0 || tester.all != 0 {
		t.Errorf("remote requests must not reach the factory: %+v", tester)
	}
}

func TestIsLoopbackPeer(t *testing.T) {
	tests := []struct {
		remoteAddr string
		expected   bool
	}{
		{"127.0.0.1:40312", true},
		{"[::1]:40312", true},
		{"127.0.0.1", true},
		{"10.0.0.5:40312", false},
		{"[2001:db8::1]:40312", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isLoopbackPeer(tt.remoteAddr); got != tt.expected {
			t.Errorf("isLoopbackPeer(%q) = %v, want %v", tt.remoteAddr, got, tt.expected)
		}
	}
}
