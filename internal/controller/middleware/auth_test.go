package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"vmplane/internal/auth"
	"vmplane/pkg/api"
)

// mockVerifier implements auth.Verifier for testing
type mockVerifier struct {
	id  auth.Identity
	err error
}

func (m *mockVerifier) Verify(ctx context.Context, bearer string) (auth.Identity, error) {
	return m.id, m.err
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return resp
}

func TestAuthenticate_MissingAuthHeader(t *testing.T) {
	handler := Authenticate(&mockVerifier{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if resp := decodeError(t, rr); resp.Code != api.CodeUnauthenticated {
		t.Errorf("got code %q, want %q", resp.Code, api.CodeUnauthenticated)
	}
}

func TestAuthenticate_InvalidAuthHeaderFormat(t *testing.T) {
	handler := Authenticate(&mockVerifier{}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "api-key-123"},
		{"wrong prefix", "Basic api-key-123"},
		{"too many parts", "Bearer key1 key2"},
		{"empty token", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestAuthenticate_VerifierError(t *testing.T) {
	handler := Authenticate(&mockVerifier{err: errors.New("database error")}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer valid-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestAuthenticate_UnknownToken(t *testing.T) {
	handler := Authenticate(&mockVerifier{err: auth.ErrUnauthenticated}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer invalid-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuthenticate_ValidToken(t *testing.T) {
	want := auth.Identity{UID: "alice", TenantID: "tenant-1", Roles: []string{auth.RoleOperator}}

	var got auth.Identity
	var ok bool
	handler := Authenticate(&mockVerifier{id: want}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer valid-api-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rr.Code, http.StatusOK)
	}
	if !ok {
		t.Fatal("identity missing from context")
	}
	if got.UID != "alice" || got.TenantID != "tenant-1" {
		t.Errorf("unexpected identity %+v", got)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		role  []string
		want  int
	}{
		{"operator allowed", []string{auth.RoleOperator}, []string{auth.RoleOperator}, http.StatusOK},
		{"agent forbidden on operator route", []string{auth.RoleAgent}, []string{auth.RoleOperator}, http.StatusForbidden},
		{"agent allowed on shared route", []string{auth.RoleAgent}, []string{auth.RoleOperator, auth.RoleAgent}, http.StatusOK},
		{"admin implies agent", []string{auth.RoleAdmin}, []string{auth.RoleAgent}, http.StatusOK},
		{"no roles is operator and agent", nil, []string{auth.RoleAgent}, http.StatusOK},
		{"no roles is not admin", nil, []string{auth.RoleAdmin}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequireRole(tt.role...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			ctx := NewContextWithIdentity(context.Background(), auth.Identity{UID: "u", TenantID: "t", Roles: tt.roles})
			req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Errorf("got status %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRequireRole_NoIdentity(t *testing.T) {
	handler := RequireRole(auth.RoleOperator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be called")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("got status %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestTenantIDFromContext_Empty(t *testing.T) {
	id, ok := TenantIDFromContext(context.Background())
	if ok {
		t.Error("expected ok to be false for empty context")
	}
	if id != "" {
		t.Errorf("expected empty tenant, got %q", id)
	}
}
