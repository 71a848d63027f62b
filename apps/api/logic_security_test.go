package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCORSMiddleware_AllowsConfiguredOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app := &App{cfg: &Config{Env: "development", PublicBaseURL: "https://civicpulse.example"}}

	router := gin.New()
	router.Use(app.corsMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []string{
		"https://civicpulse.example",
		devCORSOriginLocalhost,
		devCORSOriginLoopback,
	}

	for _, origin := range tests {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", origin)
		router.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
			t.Fatalf("expected allow origin %q, got %q", origin, got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Fatalf("expected credentials header true, got %q", got)
		}
	}
}

func TestCORSMiddleware_BlocksUnlistedOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app := &App{cfg: &Config{Env: "production", PublicBaseURL: "https://civicpulse.example"}}

	router := gin.New()
	router.Use(app.corsMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for _, origin := range []string{"https://evil.example", devCORSOriginLocalhost} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", origin)
		router.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("expected no allow-origin header for %q, got %q", origin, got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
			t.Fatalf("expected no credentials header, got %q", got)
		}
	}
}

func TestCORSMiddleware_PreflightShortCircuits(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app := &App{cfg: &Config{Env: "production", PublicBaseURL: "https://civicpulse.example"}}

	router := gin.New()
	router.Use(app.corsMiddleware())
	router.POST("/reports", func(c *gin.Context) {
		t.Fatal("handler must not run for preflight")
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/reports", nil)
	req.Header.Set("Origin", "https://civicpulse.example")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPruneRateLimiterState_RemovesExpiredBuckets(t *testing.T) {
	now := time.Now().UTC()
	stale := now.Add(-reportRateLimitWindow)
	recent := now.Add(-time.Minute)

	app := &App{
		rateBuckets: map[string]rateBucket{
			"stale":  {start: stale, count: 8},
			"recent": {start: recent, count: 2},
		},
		fingerprints: map[string]fingerprintBucket{
			"stale":  {start: stale, count: 4},
			"recent": {start: recent, count: 1},
		},
	}

	app.pruneRateLimiterState(now)

	if _, ok := app.rateBuckets["stale"]; ok {
		t.Fatal("expected stale rate bucket to be pruned")
	}
	if _, ok := app.fingerprints["stale"]; ok {
		t.Fatal("expected stale fingerprint bucket to be pruned")
	}
	if _, ok := app.rateBuckets["recent"]; !ok {
		t.Fatal("expected recent rate bucket to remain")
	}
	if _, ok := app.fingerprints["recent"]; !ok {
		t.Fatal("expected recent fingerprint bucket to remain")
	}
}

func TestCheckRateLimit_WindowResets(t *testing.T) {
	app := &App{rateBuckets: map[string]rateBucket{}}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.True(t, app.checkRateLimit("ip", 3, time.Minute, now))
	}
	assert.False(t, app.checkRateLimit("ip", 3, time.Minute, now.Add(10*time.Second)))
	assert.True(t, app.checkRateLimit("other", 3, time.Minute, now))
	assert.True(t, app.checkRateLimit("ip", 3, time.Minute, now.Add(time.Minute)))
}

func TestApplyFingerprintHeuristic_FlagsBursts(t *testing.T) {
	app := &App{fingerprints: map[string]fingerprintBucket{}}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i < fingerprintBurstThreshold; i++ {
		assert.False(t, app.applyFingerprintHeuristic("fp", now.Add(time.Duration(i)*time.Second)))
	}
	assert.True(t, app.applyFingerprintHeuristic("fp", now.Add(time.Minute)))
	assert.False(t, app.applyFingerprintHeuristic("fp", now.Add(reportRateLimitWindow+2*time.Minute)))
}

func TestOfficerSessionToken_RoundTripKeepsDepartment(t *testing.T) {
	app := &App{cfg: &Config{AppSigningSecret: "0123456789abcdef"}}
	departmentID := 4

	token, err := app.createOfficerSessionToken(OfficerSession{OfficerID: 12, Email: "roads@civicpulse.local", Role: roleOfficer, DepartmentID: &departmentID})
	require.NoError(t, err)

	session, err := app.verifyOfficerSessionToken(token)
	require.NoError(t, err)
	assert.Equal(t, 12, session.OfficerID)
	assert.Equal(t, roleOfficer, session.Role)
	require.NotNil(t, session.DepartmentID)
	assert.Equal(t, 4, *session.DepartmentID)
}

func TestVerifyOfficerSessionToken_RejectsOtherSecretAndUnknownRole(t *testing.T) {
	app := &App{cfg: &Config{AppSigningSecret: "0123456789abcdef"}}
	other := &App{cfg: &Config{AppSigningSecret: "fedcba9876543210"}}

	token, err := other.createOfficerSessionToken(OfficerSession{OfficerID: 1, Email: "a@b.c", Role: roleAdmin})
	require.NoError(t, err)
	_, err = app.verifyOfficerSessionToken(token)
	assert.Error(t, err)

	badRole, err := app.signClaims(jwt.MapClaims{
		"officer_id": 1,
		"email":      "a@b.c",
		"role":       "superuser",
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	_, err = app.verifyOfficerSessionToken(badRole)
	assert.Error(t, err)
}

func TestTrackingToken_RoundTripAndExpiry(t *testing.T) {
	app := &App{cfg: &Config{AppSigningSecret: "0123456789abcdef"}}

	token, err := app.createTrackingToken("A1B2C3D4", time.Hour)
	require.NoError(t, err)
	publicID, err := app.verifyTrackingToken(token)
	require.NoError(t, err)
	assert.Equal(t, "A1B2C3D4", publicID)

	expired, err := app.createTrackingToken("A1B2C3D4", -time.Hour)
	require.NoError(t, err)
	_, err = app.verifyTrackingToken(expired)
	assert.Error(t, err)
}

func TestVerifyUserSessionToken_InvalidUserIDClaimRejected(t *testing.T) {
	app := &App{cfg: &Config{AppSigningSecret: "0123456789abcdef"}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": map[string]any{"bad": "shape"},
		"email":   "user@example.com",
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	tokenString, err := token.SignedString([]byte(app.cfg.AppSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	_, verifyErr := app.verifyUserSessionToken(tokenString)
	if verifyErr == nil {
		t.Fatal("expected invalid user_id claim to be rejected")
	}
}

func TestIntClaim(t *testing.T) {
	claims := jwt.MapClaims{"a": float64(7), "b": "9", "c": 1.5, "d": float64(-1), "e": true}

	got, ok := intClaim(claims, "a")
	assert.True(t, ok)
	assert.Equal(t, 7, got)

	got, ok = intClaim(claims, "b")
	assert.True(t, ok)
	assert.Equal(t, 9, got)

	for _, key := range []string{"c", "d", "e", "missing"} {
		_, ok := intClaim(claims, key)
		assert.False(t, ok, key)
	}
}

func TestHashingHelpersAreStable(t *testing.T) {
	app := &App{cfg: &Config{AppSigningSecret: "0123456789abcdef"}}

	assert.Equal(t, hashMagicLinkToken("abc"), hashMagicLinkToken("abc"))
	assert.NotEqual(t, hashMagicLinkToken("abc"), hashMagicLinkToken("abd"))
	assert.Len(t, hashMagicLinkToken("abc"), 64)

	assert.Equal(t, app.deriveReporterHash("anon-1"), app.deriveReporterHash("anon-1"))
	assert.NotEqual(t, app.deriveReporterHash("anon-1"), app.deriveReporterHash("anon-2"))

	assert.Equal(t, buildFingerprint("1.2.3.4", "", ""), buildFingerprint("1.2.3.4", "na", "na"))

	publicID := generatePublicID()
	assert.Len(t, publicID, 8)
	assert.Regexp(t, `^[0-9A-F]{8}$`, publicID)
}

func TestBuildPublicURL(t *testing.T) {
	assert.Equal(t, "https://x.test/track/1", buildPublicURL("https://x.test/", "/track/1"))
	assert.Equal(t, "https://x.test/track/1", buildPublicURL("https://x.test", "track/1"))
}
