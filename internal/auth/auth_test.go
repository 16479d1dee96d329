package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateRequest(t *testing.T) {
	svc, err := NewService([]Token{
		{Name: "ops", Secret: "s3cret", Permissions: []string{PermissionOrdersRead}},
		{Secret: "admin-token"},
	})
	require.NoError(t, err)
	require.True(t, svc.Enabled())

	subject, err := svc.AuthenticateRequest("Bearer s3cret")
	require.NoError(t, err)
	require.Equal(t, "ops", subject.Name)
	require.True(t, subject.HasPermission(PermissionOrdersRead))
	require.False(t, subject.HasPermission(PermissionHire))

	admin, err := svc.AuthenticateRequest("bearer admin-token")
	require.NoError(t, err)
	require.Contains(t, admin.Name, "token-")
	require.True(t, admin.HasPermission(PermissionHire))

	_, err = svc.AuthenticateRequest("")
	require.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest("Basic abc")
	require.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest("Bearer nope")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewServiceRejectsBadTokens(t *testing.T) {
	if _, err := NewService([]Token{{Name: "empty"}}); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewService([]Token{{Secret: "a"}, {Secret: "a"}}); err == nil {
		t.Fatal("expected error for duplicate secret")
	}
	svc, err := NewService(nil)
	require.NoError(t, err)
	require.False(t, svc.Enabled())
}

func TestMiddleware(t *testing.T) {
	svc, err := NewService([]Token{
		{Name: "reader", Secret: "r", Permissions: []string{PermissionOrdersRead}},
		{Name: "writer", Secret: "w", Permissions: []string{PermissionOrdersRead, PermissionOrdersWrite}},
	})
	require.NoError(t, err)

	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionOrdersRead},
			http.MethodPost: {PermissionOrdersWrite},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		assert.NotNil(t, subject)
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		method string
		token  string
		status int
	}{
		{"missing token", http.MethodGet, "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "x", http.StatusUnauthorized},
		{"reader get", http.MethodGet, "r", http.StatusNoContent},
		{"reader post", http.MethodPost, "r", http.StatusForbidden},
		{"writer post", http.MethodPost, "w", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/v1/orders", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d", rec.Code, tc.status)
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(nil)
	require.NoError(t, err)
	called := false
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, SubjectFromContext(r.Context()))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, called)
}

func TestAuthorizeWrapsPermissionDenied(t *testing.T) {
	subject := &Subject{Name: "x", Permissions: []string{"a"}}
	err := subject.Authorize("a", "b")
	require.True(t, errors.Is(err, ErrPermissionDenied))
	require.NoError(t, subject.Authorize("a", ""))
}
