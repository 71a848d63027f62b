package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	officerPhotoCacheMaxAgeSeconds = 3600
	officerMediaInternalPathPrefix = "/_protected_media/"
	maxStatusNoteLength            = 1000
)

func (a *App) officerLoginHandler(c *gin.Context) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid login payload"})
		return
	}

	if !a.checkRateLimit("login:"+c.ClientIP(), reportRateLimitRequests, reportRateLimitWindow, time.Now()) {
		writeAPIError(c, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many login attempts"})
		return
	}

	session, err := a.authenticateOfficer(c.Request.Context(), payload.Email, payload.Password)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if session == nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "invalid_credentials", Message: "Invalid credentials"})
		return
	}

	if err := a.startOfficerSession(c, *session); err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *App) officerLogoutHandler(c *gin.Context) {
	c.SetCookie(officerCookieName, "", -1, "/", "", a.isProduction(), true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (a *App) officerSessionHandler(c *gin.Context) {
	token, err := c.Cookie(officerCookieName)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Officer session required"})
		return
	}
	session, err := a.verifyOfficerSessionToken(token)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Officer session required"})
		return
	}
	c.JSON(http.StatusOK, session)
}

func (a *App) startOfficerSession(c *gin.Context, session OfficerSession) error {
	token, err := a.createOfficerSessionToken(session)
	if err != nil {
		return err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(officerCookieName, token, int(officerSessionDuration.Seconds()), "/", "", a.isProduction(), true)
	return nil
}

// reportFiltersFromQuery reads reportFilterKeys plus sort and flagged.
// Numeric ids that do not parse are ignored.
func reportFiltersFromQuery(c *gin.Context) map[string]any {
	filters := map[string]any{}
	for _, key := range reportFilterKeys {
		raw := strings.TrimSpace(c.Query(key))
		if raw == "" {
			continue
		}
		if strings.HasSuffix(key, "_id") {
			if id, err := strconv.Atoi(raw); err == nil && id > 0 {
				filters[key] = id
			}
			continue
		}
		filters[key] = raw
	}
	if sortBy := strings.TrimSpace(c.Query("sort")); sortBy != "" {
		if _, ok := reportSortOrders[sortBy]; ok {
			filters["sort"] = sortBy
		}
	}
	if flagged, err := strconv.ParseBool(c.Query("flagged")); err == nil {
		filters["flagged"] = flagged
	}
	return filters
}

// scopeFilters pins department-bound officers to their own department.
func scopeFilters(session OfficerSession, filters map[string]any) {
	if session.Role != roleAdmin && session.DepartmentID != nil {
		filters["department_id"] = *session.DepartmentID
	}
}

func (a *App) officerReportsHandler(c *gin.Context) {
	session, err := getOfficerSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Officer session required"})
		return
	}

	filters := reportFiltersFromQuery(c)
	scopeFilters(session, filters)
	page, pageSize := parsePage(c)

	result, err := a.listReportsPaginated(c.Request.Context(), filters, page, pageSize)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reports":    result.Reports,
		"pagination": buildPaginationMeta(result.TotalCount, result.CurrentPage, result.PageSize),
	})
}

// loadScopedDetails fetches a report and rejects it when it belongs to
// another department.
func (a *App) loadScopedDetails(c *gin.Context) (*ReportDetails, bool) {
	session, err := getOfficerSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Officer session required"})
		return nil, false
	}
	reportID, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return nil, false
	}
	details, err := a.loadReportDetails(c.Request.Context(), reportID)
	if err != nil {
		writeAPIError(c, err)
		return nil, false
	}
	if err := checkDepartmentScope(session, details.Report.DepartmentID); err != nil {
		writeAPIError(c, err)
		return nil, false
	}
	return details, true
}

func (a *App) officerReportDetailsHandler(c *gin.Context) {
	details, ok := a.loadScopedDetails(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, details)
}

func (a *App) officerReportEventsHandler(c *gin.Context) {
	details, ok := a.loadScopedDetails(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, details.Events)
}

func (a *App) getReportDetails(ctx context.Context, reportID int) (*ReportDetails, error) {
	report, err := a.getReportByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, &apiError{Status: http.StatusNotFound, Code: "report_not_found", Message: "Report not found"}
	}
	photos, err := a.listReportPhotos(ctx, reportID)
	if err != nil {
		return nil, err
	}
	events, err := a.listEvents(ctx, reportID)
	if err != nil {
		return nil, err
	}
	return &ReportDetails{
		Report: *report,
		Events: events,
		Photos: toReportPhotoViews(reportID, photos),
	}, nil
}

func (a *App) officerReportPhotoHandler(c *gin.Context) {
	session, err := getOfficerSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Officer session required"})
		return
	}
	reportID, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}
	photoID, err := parseIDParam(c, "photoID")
	if err != nil {
		writeAPIError(c, err)
		return
	}

	ctx := c.Request.Context()
	report, err := a.getReportByID(ctx, reportID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if report == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "report_not_found", Message: "Report not found"})
		return
	}
	if err := checkDepartmentScope(session, report.DepartmentID); err != nil {
		writeAPIError(c, err)
		return
	}

	photo, err := a.getReportPhotoByID(ctx, reportID, photoID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if photo == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "photo_not_found", Message: "Photo not found"})
		return
	}

	fullPath, err := a.resolveDataRootStoragePath(photo.StoragePath)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusInternalServerError, Code: "invalid_photo_path", Message: "Photo path is invalid"})
		return
	}

	c.Header("Content-Type", photo.MimeType)
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", photo.Filename))
	c.Header("Cache-Control", fmt.Sprintf("private, max-age=%d", officerPhotoCacheMaxAgeSeconds))
	if a.isProduction() {
		c.Header("X-Accel-Redirect", buildOfficerMediaInternalPath(photo.StoragePath))
		c.Status(http.StatusOK)
		return
	}

	contents, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "photo_not_found", Message: "Photo not found"})
			return
		}
		writeAPIError(c, err)
		return
	}
	c.Data(http.StatusOK, photo.MimeType, contents)
}

func (a *App) resolveDataRootStoragePath(storagePath string) (string, error) {
	cleanStoragePath := filepath.Clean(strings.TrimSpace(storagePath))
	if cleanStoragePath == "" || cleanStoragePath == "." || filepath.IsAbs(cleanStoragePath) {
		return "", fmt.Errorf("invalid storage path")
	}

	root := filepath.Clean(a.cfg.DataRoot)
	resolved := filepath.Clean(filepath.Join(root, cleanStoragePath))
	relative, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", err
	}
	if relative == ".." || strings.HasPrefix(relative, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("resolved path escapes data root")
	}
	return resolved, nil
}

func buildOfficerMediaInternalPath(relativeStoragePath string) string {
	normalized := filepath.ToSlash(filepath.Clean(strings.TrimSpace(relativeStoragePath)))
	return officerMediaInternalPathPrefix + strings.TrimPrefix(normalized, "/")
}

func (a *App) officerUpdateStatusHandler(c *gin.Context) {
	session, err := getOfficerSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Officer session required"})
		return
	}
	reportID, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}

	var payload struct {
		Status string `json:"status"`
		Note   string `json:"note"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid status payload"})
		return
	}
	payload.Status = strings.TrimSpace(payload.Status)
	if !containsString(reportStatuses, payload.Status) {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_status", Message: fmt.Sprintf("Unknown status: %s", payload.Status)})
		return
	}
	note := strings.TrimSpace(payload.Note)
	if len(note) > maxStatusNoteLength {
		note = note[:maxStatusNoteLength]
	}

	report, err := a.changeReportStatus(c.Request.Context(), reportID, payload.Status, note, session)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func canTransition(from, to string) bool {
	return containsString(statusTransitions[from], to)
}

func (a *App) updateReportStatus(ctx context.Context, reportID int, status, note string, session OfficerSession) (*Report, error) {
	report, err := a.getReportByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, &apiError{Status: http.StatusNotFound, Code: "report_not_found", Message: "Report not found"}
	}
	if err := checkDepartmentScope(session, report.DepartmentID); err != nil {
		return nil, err
	}
	if !canTransition(report.Status, status) {
		return nil, &apiError{Status: http.StatusConflict, Code: "invalid_transition", Message: fmt.Sprintf("Cannot move a report from %s to %s", report.Status, status)}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE reports
		SET status = $1,
			resolved_at = CASE
				WHEN $1 = 'Resolved' THEN NOW()
				WHEN $1 = 'In Progress' THEN NULL
				ELSE resolved_at
			END,
			updated_at = NOW()
		WHERE id = $2
	`, status, reportID); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	metadata := map[string]any{"from": report.Status, "to": status}
	if note != "" {
		metadata["note"] = note
	}
	if err := a.addEventTx(ctx, tx, reportID, "status_changed", "officer:"+session.Email, metadata); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return a.getReportByID(ctx, reportID)
}

func (a *App) officerAssignHandler(c *gin.Context) {
	session, err := getOfficerSession(c)
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "Officer session required"})
		return
	}
	reportID, err := parseIDParam(c, "id")
	if err != nil {
		writeAPIError(c, err)
		return
	}

	var payload struct {
		OfficerID *int `json:"officerId"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid assignment payload"})
			return
		}
	}
	officerID := session.OfficerID
	if payload.OfficerID != nil {
		officerID = *payload.OfficerID
	}
	if session.Role != roleAdmin && officerID != session.OfficerID {
		writeAPIError(c, &apiError{Status: http.StatusForbidden, Code: "forbidden", Message: "Officers can only assign reports to themselves"})
		return
	}

	report, err := a.assignReportFn(c.Request.Context(), reportID, officerID, session)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *App) assignReport(ctx context.Context, reportID, officerID int, session OfficerSession) (*Report, error) {
	report, err := a.getReportByID(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, &apiError{Status: http.StatusNotFound, Code: "report_not_found", Message: "Report not found"}
	}
	if err := checkDepartmentScope(session, report.DepartmentID); err != nil {
		return nil, err
	}
	if !canTransition(report.Status, statusAssigned) {
		return nil, &apiError{Status: http.StatusConflict, Code: "invalid_transition", Message: fmt.Sprintf("Cannot assign a report that is %s", report.Status)}
	}

	officer, err := a.storeGetOfficerByID(ctx, officerID)
	if err != nil {
		return nil, err
	}
	if officer == nil || !officer.IsActive {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_officer", Message: "Officer not found or inactive"}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE reports
		SET assigned_officer_id = $1,
			status = $2,
			department_id = COALESCE(department_id, $3),
			updated_at = NOW()
		WHERE id = $4
	`, officer.ID, statusAssigned, officer.DepartmentID, reportID); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := a.addEventTx(ctx, tx, reportID, "assigned", "officer:"+session.Email, map[string]any{
		"officer_id":    officer.ID,
		"officer_email": officer.Email,
		"from":          report.Status,
	}); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	updated, err := a.getReportByID(ctx, reportID)
	if err != nil {
		return nil, err
	}

	if officer.ID != session.OfficerID && updated != nil {
		go func(email string, r Report) {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundEmailTimeout)
			defer cancel()
			if err := a.sendAssignmentEmail(ctx, email, r); err != nil {
				a.log.Error("failed to send assignment email", "public_id", r.PublicID, "err", err)
			}
		}(officer.Email, *updated)
	}
	return updated, nil
}
