package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(subject, role string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
}

func expectStatus(t *testing.T, err error, status int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected HTTP %d error, got nil", status)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != status {
		t.Errorf("expected %d, got %d", status, httpErr.Code)
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("nurse-7", "nurse"), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var actor Actor
	handler := func(c echo.Context) error {
		actor = ActorFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}

	if err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.Subject != "nurse-7" || actor.Role != RoleNurse {
		t.Errorf("unexpected actor %+v", actor)
	}
}

func TestJWTMiddleware_RejectsBadTokens(t *testing.T) {
	expired := validClaims("user-1", "physician")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))

	noExpiry := validClaims("user-1", "physician")
	noExpiry.ExpiresAt = nil

	wrongIssuer := validClaims("user-1", "physician")
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name   string
		issuer string
		token  string
	}{
		{"expired", "", createTestToken(t, expired, testSigningKey)},
		{"no expiry", "", createTestToken(t, noExpiry, testSigningKey)},
		{"wrong key", "", createTestToken(t, validClaims("user-1", "physician"), []byte("another-key-another-key-another-key"))},
		{"wrong issuer", "triage-desk", createTestToken(t, wrongIssuer, testSigningKey)},
		{"missing role", "", createTestToken(t, validClaims("user-1", ""), testSigningKey)},
		{"missing subject", "", createTestToken(t, validClaims("", "nurse"), testSigningKey)},
		{"garbage", "", "not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: tt.issuer})(okHandler)(c)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims("user-1", "physician"))
	tokenStr, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err = JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var actor Actor
	handler := func(c echo.Context) error {
		actor = ActorFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}

	if err := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.Subject != "dev-user" {
		t.Errorf("expected dev-user, got %s", actor.Subject)
	}
	if actor.Role != RolePhysician {
		t.Errorf("expected physician, got %s", actor.Role)
	}
}

func TestDevAuthMiddleware_RoleHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(DevRoleHeader, "administrative")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var role Role
	handler := func(c echo.Context) error {
		role = RoleFromContext(c.Request().Context())
		return nil
	}

	if err := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if role != RoleAdministrative {
		t.Errorf("expected administrative, got %s", role)
	}
}

func TestDevAuthMiddleware_ValidatesPresentedToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}
