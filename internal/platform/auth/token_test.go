package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestIssueToken_RoundTripThroughMiddleware(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "triage-desk"}

	tokenStr, err := IssueToken(cfg, "dr-rossi", RolePhysician, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	var actor Actor
	err = JWTMiddleware(cfg)(func(c echo.Context) error {
		actor = ActorFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actor.Subject != "dr-rossi" || actor.Role != RolePhysician {
		t.Errorf("unexpected actor %+v", actor)
	}
}

func TestIssueToken_Validation(t *testing.T) {
	cfg := JWTConfig{SigningKey: testSigningKey}

	tests := []struct {
		name    string
		cfg     JWTConfig
		subject string
		role    Role
		ttl     time.Duration
	}{
		{"no key", JWTConfig{}, "u", RoleNurse, time.Hour},
		{"no subject", cfg, "", RoleNurse, time.Hour},
		{"unknown role", cfg, "u", Role("admin"), time.Hour},
		{"zero ttl", cfg, "u", RoleNurse, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := IssueToken(tt.cfg, tt.subject, tt.role, tt.ttl); err == nil {
				t.Error("expected error")
			}
		})
	}
}
