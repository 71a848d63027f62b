package main

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func (a *App) requestMagicLinkHandler(c *gin.Context) {
	var payload struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": "Invalid request payload"})
		return
	}

	email := strings.ToLower(strings.TrimSpace(payload.Email))
	if email == "" || !strings.Contains(email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email", "message": "Valid email required"})
		return
	}

	if !a.checkRateLimit("magic:"+email, reportRateLimitRequests, reportRateLimitWindow, time.Now()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": "Too many requests, try again later"})
		return
	}

	ctx := c.Request.Context()
	user, err := a.findOrCreateUser(ctx, email)
	if err != nil {
		a.log.Error("failed to find/create user", "email", email, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to process request"})
		return
	}
	if !user.IsActive {
		// same response as success so account state is not disclosed
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	token := createMagicLinkToken()
	if err := a.storeMagicLinkToken(ctx, user.ID, hashMagicLinkToken(token), time.Now().UTC().Add(magicLinkTokenExpiry)); err != nil {
		a.log.Error("failed to store magic link token", "user_id", user.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to process request"})
		return
	}

	if err := a.sendMagicLinkEmail(ctx, email, buildPublicURL(a.cfg.PublicBaseURL, "/auth/verify?token="+token)); err != nil {
		a.log.Error("failed to send magic link email", "email", email, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to send email"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *App) verifyMagicLinkHandler(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_token", "message": "Token required"})
		return
	}

	ctx := c.Request.Context()
	userID, err := a.consumeMagicLinkToken(ctx, hashMagicLinkToken(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "message": "Invalid or expired token"})
			return
		}
		a.log.Error("failed to query magic link token", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to verify token"})
		return
	}

	user, err := a.getUserByID(ctx, userID)
	if err != nil || user == nil {
		a.log.Error("failed to get user after token verification", "user_id", userID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create session"})
		return
	}
	if !user.IsActive {
		c.JSON(http.StatusForbidden, gin.H{"error": "account_inactive", "message": "Account is inactive"})
		return
	}

	sessionToken, err := a.createUserSessionToken(UserSession{UserID: user.ID, Email: user.Email})
	if err != nil {
		a.log.Error("failed to create user session token", "user_id", user.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create session"})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(userCookieName, sessionToken, int(userSessionDuration.Seconds()), "/", "", a.isProduction(), true)

	claimed, err := a.claimReportsByEmail(ctx, user.ID, user.Email)
	if err != nil {
		a.log.Error("failed to claim reporter reports", "user_id", user.ID, "err", err)
	}

	c.JSON(http.StatusOK, gin.H{"userId": user.ID, "email": user.Email, "claimedReports": claimed})
}

func (a *App) userLogoutHandler(c *gin.Context) {
	c.SetCookie(userCookieName, "", -1, "/", "", a.isProduction(), true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *App) userSessionHandler(c *gin.Context) {
	token, err := c.Cookie(userCookieName)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "User session required"})
		return
	}
	session, err := a.verifyUserSessionToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "User session required"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *App) userReportsHandler(c *gin.Context) {
	session, err := getUserSession(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "User session required"})
		return
	}

	reports, err := a.listReportsByUserID(c.Request.Context(), session.UserID)
	if err != nil {
		a.log.Error("failed to list user reports", "user_id", session.UserID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load reports"})
		return
	}
	c.JSON(http.StatusOK, reports)
}
