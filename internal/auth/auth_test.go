package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueAndVerify(t *testing.T) {
	token, err := IssueToken(testSecret, "integrations@getsign", []string{"421"}, time.Hour)
	require.NoError(t, err)

	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "integrations@getsign", claims.Subject)
	require.Equal(t, Issuer, claims.Issuer)
	require.True(t, claims.Allows("421"))
	require.False(t, claims.Allows("422"))
}

func TestClaimsAllowAllWithoutWorkers(t *testing.T) {
	c := &Claims{}
	require.True(t, c.Allows("anything"))
}

func TestWeakSecret(t *testing.T) {
	_, err := IssueToken([]byte("short"), "s", nil, time.Hour)
	require.ErrorIs(t, err, ErrWeakSecret)

	_, err = NewVerifier([]byte("short"))
	require.ErrorIs(t, err, ErrWeakSecret)
}

func TestVerify_Rejects(t *testing.T) {
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	sign := func(method jwt.SigningMethod, key any, claims jwt.Claims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	now := time.Now()

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "garbage",
			token: "not.a.token",
		},
		{
			name: "wrong secret",
			token: sign(jwt.SigningMethodHS256, []byte("ffffffffffffffffffffffffffffffff"), &Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject: "s", Issuer: Issuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			}}),
		},
		{
			name: "expired",
			token: sign(jwt.SigningMethodHS256, testSecret, &Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject: "s", Issuer: Issuer, ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
			}}),
		},
		{
			name: "no expiry",
			token: sign(jwt.SigningMethodHS256, testSecret, &Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject: "s", Issuer: Issuer,
			}}),
		},
		{
			name: "wrong issuer",
			token: sign(jwt.SigningMethodHS256, testSecret, &Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject: "s", Issuer: "someone-else", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			}}),
		},
		{
			name: "wrong algorithm",
			token: sign(jwt.SigningMethodHS512, testSecret, &Claims{RegisteredClaims: jwt.RegisteredClaims{
				Subject: "s", Issuer: Issuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			}}),
		},
		{
			name: "missing subject",
			token: sign(jwt.SigningMethodHS256, testSecret, &Claims{RegisteredClaims: jwt.RegisteredClaims{
				Issuer: Issuer, ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			}}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestMiddleware(t *testing.T) {
	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	token, err := IssueToken(testSecret, "integrations@getsign", nil, time.Hour)
	require.NoError(t, err)

	var seen *Claims
	handler := v.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer " + token, status: http.StatusNoContent},
		{name: "lowercase scheme", header: "bearer " + token, status: http.StatusNoContent},
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", status: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer nope", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodPost, "/signserver/process", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			require.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusNoContent {
				require.NotNil(t, seen)
				require.Equal(t, "integrations@getsign", seen.Subject)
			} else {
				require.Nil(t, seen)
				require.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}
