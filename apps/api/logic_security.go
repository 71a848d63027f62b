package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func buildPublicURL(baseURL, path string) string {
	if strings.HasPrefix(path, "/") {
		return strings.TrimRight(baseURL, "/") + path
	}
	return strings.TrimRight(baseURL, "/") + "/" + path
}

func (a *App) signClaims(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.AppSigningSecret))
}

func (a *App) parseClaims(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.AppSigningSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// intClaim accepts the float64 encoding/json produces and a numeric string.
func intClaim(claims jwt.MapClaims, key string) (int, bool) {
	switch val := claims[key].(type) {
	case float64:
		if val <= 0 || val != math.Trunc(val) {
			return 0, false
		}
		return int(val), true
	case string:
		id, err := strconv.Atoi(val)
		if err != nil || id <= 0 {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}

func (a *App) createTrackingToken(publicID string, expiresIn time.Duration) (string, error) {
	return a.signClaims(jwt.MapClaims{
		"public_id": publicID,
		"iat":       time.Now().Unix(),
		"exp":       time.Now().Add(expiresIn).Unix(),
	})
}

func (a *App) verifyTrackingToken(tokenString string) (string, error) {
	claims, err := a.parseClaims(tokenString)
	if err != nil {
		return "", err
	}
	publicID, ok := claims["public_id"].(string)
	if !ok || publicID == "" {
		return "", fmt.Errorf("missing public_id")
	}
	return publicID, nil
}

func (a *App) createOfficerSessionToken(session OfficerSession) (string, error) {
	claims := jwt.MapClaims{
		"officer_id": session.OfficerID,
		"email":      session.Email,
		"role":       session.Role,
		"iat":        time.Now().Unix(),
		"exp":        time.Now().Add(officerSessionDuration).Unix(),
	}
	if session.DepartmentID != nil {
		claims["department_id"] = *session.DepartmentID
	}
	return a.signClaims(claims)
}

func (a *App) verifyOfficerSessionToken(tokenString string) (*OfficerSession, error) {
	claims, err := a.parseClaims(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid session token")
	}

	officerID, ok := intClaim(claims, "officer_id")
	if !ok {
		return nil, fmt.Errorf("invalid officer_id claim")
	}
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	if email == "" || !containsString(officerRoles, role) {
		return nil, fmt.Errorf("invalid session payload")
	}
	session := &OfficerSession{OfficerID: officerID, Email: email, Role: role}
	if departmentID, ok := intClaim(claims, "department_id"); ok {
		session.DepartmentID = &departmentID
	}
	return session, nil
}

func (a *App) createUserSessionToken(session UserSession) (string, error) {
	return a.signClaims(jwt.MapClaims{
		"user_id": session.UserID,
		"email":   session.Email,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(userSessionDuration).Unix(),
	})
}

func (a *App) verifyUserSessionToken(tokenString string) (*UserSession, error) {
	claims, err := a.parseClaims(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid user session token")
	}
	userID, ok := intClaim(claims, "user_id")
	if !ok {
		return nil, fmt.Errorf("invalid user_id claim")
	}
	email, _ := claims["email"].(string)
	if email == "" {
		return nil, fmt.Errorf("invalid user session payload")
	}
	return &UserSession{UserID: userID, Email: email}, nil
}

func createMagicLinkToken() string {
	return uuid.NewString()
}

func hashMagicLinkToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func (a *App) deriveReporterHash(anonymousID string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", anonymousID, a.cfg.AppSigningSecret)))
	return hex.EncodeToString(h[:])
}

func generatePublicID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func anyMapToJSON(value map[string]any) []byte {
	encoded, _ := json.Marshal(value)
	return encoded
}

func jsonToAnyMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return map[string]any{}
	}
	return decoded
}

func (a *App) checkRateLimit(key string, maxRequests int, window time.Duration, now time.Time) bool {
	a.rateLimiterMu.Lock()
	defer a.rateLimiterMu.Unlock()

	bucket, ok := a.rateBuckets[key]
	if !ok || now.Sub(bucket.start) >= window {
		a.rateBuckets[key] = rateBucket{start: now, count: 1}
		return true
	}
	bucket.count++
	a.rateBuckets[key] = bucket
	return bucket.count <= maxRequests
}

// applyFingerprintHeuristic reports whether the fingerprint has submitted
// enough reports inside the window to be flagged for review.
func (a *App) applyFingerprintHeuristic(fingerprintHash string, now time.Time) bool {
	a.fingerprintMu.Lock()
	defer a.fingerprintMu.Unlock()

	bucket, ok := a.fingerprints[fingerprintHash]
	if !ok || now.Sub(bucket.start) > reportRateLimitWindow {
		a.fingerprints[fingerprintHash] = fingerprintBucket{start: now, count: 1}
		return false
	}
	bucket.count++
	a.fingerprints[fingerprintHash] = bucket
	return bucket.count >= fingerprintBurstThreshold
}

func (a *App) startRateLimiterCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				a.pruneRateLimiterState(now)
			}
		}
	}()
}

func (a *App) pruneRateLimiterState(now time.Time) {
	a.rateLimiterMu.Lock()
	for key, bucket := range a.rateBuckets {
		if now.Sub(bucket.start) >= reportRateLimitWindow {
			delete(a.rateBuckets, key)
		}
	}
	a.rateLimiterMu.Unlock()

	a.fingerprintMu.Lock()
	for key, bucket := range a.fingerprints {
		if now.Sub(bucket.start) >= reportRateLimitWindow {
			delete(a.fingerprints, key)
		}
	}
	a.fingerprintMu.Unlock()
}

func buildFingerprint(ip, userAgent, acceptLanguage string) string {
	normalized := fmt.Sprintf("%s|%s|%s", ip, valueOrDefaultString(userAgent, "na"), valueOrDefaultString(acceptLanguage, "na"))
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

func valueOrDefaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func (a *App) requireOfficerSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(officerCookieName)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Officer session required"})
			c.Abort()
			return
		}
		session, err := a.verifyOfficerSessionToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Officer session required"})
			c.Abort()
			return
		}
		c.Set("officerSession", *session)
		c.Next()
	}
}

func (a *App) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := getOfficerSession(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Officer session required"})
			c.Abort()
			return
		}
		if session.Role != role {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Insufficient role"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func getOfficerSession(c *gin.Context) (OfficerSession, error) {
	value, ok := c.Get("officerSession")
	if !ok {
		return OfficerSession{}, fmt.Errorf("missing session")
	}
	session, ok := value.(OfficerSession)
	if !ok {
		return OfficerSession{}, fmt.Errorf("invalid session")
	}
	return session, nil
}

// checkDepartmentScope rejects officers looking at reports outside their
// department. Admins and officers without a department see everything.
func checkDepartmentScope(session OfficerSession, reportDepartmentID *int) error {
	if session.Role == roleAdmin || session.DepartmentID == nil {
		return nil
	}
	if reportDepartmentID == nil || *reportDepartmentID != *session.DepartmentID {
		return &apiError{Status: http.StatusForbidden, Code: "forbidden", Message: "Report belongs to another department"}
	}
	return nil
}

func (a *App) requireUserSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(userCookieName)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "User session required"})
			c.Abort()
			return
		}
		session, err := a.verifyUserSessionToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "User session required"})
			c.Abort()
			return
		}
		c.Set("userSession", *session)
		c.Next()
	}
}

func getUserSession(c *gin.Context) (UserSession, error) {
	value, ok := c.Get("userSession")
	if !ok {
		return UserSession{}, fmt.Errorf("missing user session")
	}
	session, ok := value.(UserSession)
	if !ok {
		return UserSession{}, fmt.Errorf("invalid user session")
	}
	return session, nil
}
