package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"civicpulse/libs/location"
)

const (
	backgroundGeocodeTimeout = 30 * time.Second
	backgroundEmailTimeout   = 15 * time.Second
	defaultSeverity          = "medium"
	sourceWeb                = "web"
	sourceMapSelection       = "map"
)

func (a *App) categoriesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, defaultCategories)
}

func isKnownCategory(code string) bool {
	for _, category := range defaultCategories {
		if category.Code == code {
			return true
		}
	}
	return false
}

func (a *App) ensureAnonymousReporterIdentity(c *gin.Context) (string, string) {
	anonymousID, err := c.Cookie(anonReporterCookieName)
	if err != nil || strings.TrimSpace(anonymousID) == "" {
		anonymousID = createMagicLinkToken()
		c.SetCookie(anonReporterCookieName, anonymousID, int(anonReporterCookieMaxAge.Seconds()), "/", "", a.isProduction(), true)
	}
	return anonymousID, a.deriveReporterHash(anonymousID)
}

func sanitizeAndValidatePhotos(photos []PhotoUpload) ([]PhotoUpload, error) {
	if len(photos) > maxPhotoCount {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_photo_count", Message: fmt.Sprintf("At most %d photos are allowed", maxPhotoCount)}
	}

	out := make([]PhotoUpload, 0, len(photos))
	for _, photo := range photos {
		if len(photo.Bytes) > maxUploadBytes {
			return nil, &apiError{Status: http.StatusBadRequest, Code: "photo_too_large", Message: "Photo exceeds upload size limit"}
		}
		if _, ok := allowedImageTypes[photo.MimeType]; !ok {
			return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_photo_type", Message: "Photo mime type is not supported"}
		}

		// re-encoding drops EXIF, including embedded GPS
		if photo.MimeType == "image/jpeg" {
			decoded, _, err := image.Decode(bytes.NewReader(photo.Bytes))
			if err == nil {
				buffer := bytes.NewBuffer(nil)
				if encodeErr := jpeg.Encode(buffer, decoded, &jpeg.Options{Quality: 88}); encodeErr == nil {
					photo.Bytes = buffer.Bytes()
				}
			}
		}
		out = append(out, photo)
	}
	return out, nil
}

func parseDataURLPhoto(dataURL string, fallbackName string) (PhotoUpload, error) {
	parts := strings.SplitN(dataURL, ",", 2)
	if len(parts) != 2 {
		return PhotoUpload{}, fmt.Errorf("invalid data URL")
	}
	meta := parts[0]
	if !strings.HasPrefix(meta, "data:image/") || !strings.Contains(meta, ";base64") {
		return PhotoUpload{}, fmt.Errorf("invalid data URL mime")
	}
	mimeType := strings.TrimPrefix(strings.SplitN(meta, ";", 2)[0], "data:")
	if _, ok := allowedImageTypes[mimeType]; !ok {
		return PhotoUpload{}, fmt.Errorf("unsupported mime type")
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return PhotoUpload{}, err
	}
	return PhotoUpload{Name: fallbackName, MimeType: mimeType, Bytes: decoded}, nil
}

func normalizeReporterEmail(raw string) *string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" || !strings.Contains(v, "@") {
		return nil
	}
	return &v
}

func optionalText(raw string) *string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	return &v
}

type reportLocationPayload struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Address string   `json:"address"`
}

// parseReportCreatePayload reads a JSON or multipart report. The boolean is
// false when the request carried no location.
func parseReportCreatePayload(c *gin.Context) (ReportCreatePayload, bool, error) {
	contentType := strings.ToLower(c.GetHeader("Content-Type"))
	payload := ReportCreatePayload{Source: sourceWeb}

	if strings.Contains(contentType, "application/json") {
		var body struct {
			Title         string                 `json:"title"`
			Description   string                 `json:"description"`
			Category      string                 `json:"category"`
			Severity      string                 `json:"severity"`
			Location      *reportLocationPayload `json:"location"`
			Photos        []string               `json:"photos"`
			ReporterEmail string                 `json:"reporter_email"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			return payload, false, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid JSON body"}
		}
		photos := make([]PhotoUpload, 0, len(body.Photos))
		for idx, raw := range body.Photos {
			photo, err := parseDataURLPhoto(raw, fmt.Sprintf("photo-%d.jpg", idx+1))
			if err != nil {
				return payload, false, &apiError{Status: http.StatusBadRequest, Code: "invalid_photo_data", Message: "Invalid photo payload"}
			}
			photos = append(photos, photo)
		}
		payload.Title = strings.TrimSpace(body.Title)
		payload.Description = optionalText(body.Description)
		payload.Category = strings.TrimSpace(body.Category)
		payload.Severity = strings.ToLower(strings.TrimSpace(body.Severity))
		payload.Photos = photos
		payload.ReporterEmail = normalizeReporterEmail(body.ReporterEmail)

		hasLocation := false
		if body.Location != nil && (body.Location.Lat != nil || body.Location.Lng != nil) {
			if body.Location.Lat == nil || body.Location.Lng == nil {
				return payload, false, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "lat and lng are required together"}
			}
			payload.Location = ReportLocation{Lat: *body.Location.Lat, Lng: *body.Location.Lng, Address: optionalText(body.Location.Address)}
			hasLocation = true
		}
		return payload, hasLocation, nil
	}

	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		return payload, false, &apiError{Status: http.StatusBadRequest, Code: "invalid_multipart", Message: "Invalid multipart form"}
	}

	hasLocation := false
	latRaw, lngRaw := strings.TrimSpace(c.PostForm("lat")), strings.TrimSpace(c.PostForm("lng"))
	if latRaw != "" || lngRaw != "" {
		lat, err := strconv.ParseFloat(latRaw, 64)
		if err != nil {
			return payload, false, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "Invalid latitude"}
		}
		lng, err := strconv.ParseFloat(lngRaw, 64)
		if err != nil {
			return payload, false, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "Invalid longitude"}
		}
		payload.Location = ReportLocation{Lat: lat, Lng: lng, Address: optionalText(c.PostForm("address"))}
		hasLocation = true
	}

	files := c.Request.MultipartForm.File["photos"]
	photos := make([]PhotoUpload, 0, len(files))
	for idx, fileHeader := range files {
		opened, err := fileHeader.Open()
		if err != nil {
			return payload, false, err
		}
		data, readErr := io.ReadAll(io.LimitReader(opened, maxUploadBytes+1))
		_ = opened.Close()
		if readErr != nil {
			return payload, false, readErr
		}
		if len(data) > maxUploadBytes {
			return payload, false, &apiError{Status: http.StatusBadRequest, Code: "photo_too_large", Message: "Photo exceeds upload size limit"}
		}

		mimeType := fileHeader.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		mimeType = strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
		if _, ok := allowedImageTypes[mimeType]; !ok {
			return payload, false, &apiError{Status: http.StatusBadRequest, Code: "invalid_photo_type", Message: "Photo mime type is not supported"}
		}

		name := strings.TrimSpace(fileHeader.Filename)
		if name == "" {
			name = fmt.Sprintf("photo-%d.jpg", idx+1)
		}
		photos = append(photos, PhotoUpload{Name: name, MimeType: mimeType, Bytes: data})
	}

	payload.Title = strings.TrimSpace(c.PostForm("title"))
	payload.Description = optionalText(c.PostForm("description"))
	payload.Category = strings.TrimSpace(c.PostForm("category"))
	payload.Severity = strings.ToLower(strings.TrimSpace(c.PostForm("severity")))
	payload.Photos = photos
	payload.ReporterEmail = normalizeReporterEmail(c.PostForm("reporter_email"))
	return payload, hasLocation, nil
}

// validateReportCreatePayload also fills in the default severity.
func validateReportCreatePayload(payload *ReportCreatePayload) error {
	titleLength := utf8.RuneCountInString(payload.Title)
	if titleLength < minTitleLength || titleLength > maxTitleLength {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_title", Message: fmt.Sprintf("Title must be %d to %d characters", minTitleLength, maxTitleLength)}
	}
	if payload.Description != nil && utf8.RuneCountInString(*payload.Description) > maxDescriptionLength {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_description", Message: "Description exceeds max length"}
	}
	if !isKnownCategory(payload.Category) {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_category", Message: fmt.Sprintf("Unknown category: %s", payload.Category)}
	}
	if payload.Severity == "" {
		payload.Severity = defaultSeverity
	}
	if !containsString(reportSeverities, payload.Severity) {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_severity", Message: "Severity must be low, medium, high or critical"}
	}
	if err := payload.Location.Point().Validate(); err != nil {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: err.Error()}
	}
	if len(payload.Photos) > maxPhotoCount {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_photo_count", Message: fmt.Sprintf("At most %d photos are allowed", maxPhotoCount)}
	}
	return nil
}

// createReportHandler files a report. Without an explicit location it falls
// back to the caller's map session selection and clears it on success.
func (a *App) createReportHandler(c *gin.Context) {
	payload, hasLocation, err := parseReportCreatePayload(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	session, selected, selectedAddress := a.sessionSelection(c)
	if !hasLocation {
		if selected == nil {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "location_required", Message: "Select a location on the map or provide lat and lng"})
			return
		}
		payload.Location = ReportLocation{Lat: selected.Lat, Lng: selected.Lng, Address: optionalText(selectedAddress)}
		payload.Source = sourceMapSelection
	}

	if err := validateReportCreatePayload(&payload); err != nil {
		writeAPIError(c, err)
		return
	}

	_, reporterHash := a.ensureAnonymousReporterIdentity(c)
	payload.IP = c.ClientIP()
	payload.FingerprintHash = buildFingerprint(c.ClientIP(), c.GetHeader("User-Agent"), c.GetHeader("Accept-Language"))
	payload.ReporterHash = reporterHash

	if token, cookieErr := c.Cookie(userCookieName); cookieErr == nil {
		if userSession, sessionErr := a.verifyUserSessionToken(token); sessionErr == nil {
			payload.UserID = &userSession.UserID
			if payload.ReporterEmail == nil {
				email := userSession.Email
				payload.ReporterEmail = &email
			}
		}
	}

	created, err := a.createReportFn(c.Request.Context(), payload)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	if session != nil && !hasLocation {
		session.store.ClearSelection()
	}

	if payload.Location.Address == nil && a.db != nil {
		go func(id int) {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundGeocodeTimeout)
			defer cancel()
			if err := a.geocodeReport(ctx, id); err != nil {
				a.log.Warn("background geocoding failed", "id", id, "err", err)
			}
		}(created.ID)
	}

	if payload.ReporterEmail != nil && a.mailer != nil {
		go func(email, publicID, title, trackingURL string) {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundEmailTimeout)
			defer cancel()
			if err := a.sendTrackingEmail(ctx, email, publicID, title, trackingURL); err != nil {
				a.log.Error("failed to send tracking email", "public_id", publicID, "err", err)
			}
		}(*payload.ReporterEmail, created.PublicID, payload.Title, created.TrackingURL)
	}

	c.JSON(http.StatusCreated, created)
}

func (a *App) createReport(ctx context.Context, payload ReportCreatePayload) (ReportCreateResponse, error) {
	now := time.Now().UTC()
	if !a.checkRateLimit("report:"+payload.IP, reportRateLimitRequests, reportRateLimitWindow, now) {
		return ReportCreateResponse{}, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many reports from this IP. Please retry later."}
	}

	photos, err := sanitizeAndValidatePhotos(payload.Photos)
	if err != nil {
		return ReportCreateResponse{}, err
	}

	departments, err := a.storeListDepartments(ctx)
	if err != nil {
		return ReportCreateResponse{}, err
	}
	regions, err := a.storeListRegions(ctx)
	if err != nil {
		return ReportCreateResponse{}, err
	}
	department := departmentForCategory(departments, payload.Category)
	region := resolveRegion(regions, payload.Location.Point())

	var departmentID, regionID *int
	if department != nil {
		departmentID = &department.ID
	}
	if region != nil {
		regionID = &region.ID
	}

	publicID, err := a.ensureUniquePublicID(ctx)
	if err != nil {
		return ReportCreateResponse{}, err
	}

	actor := "citizen_anonymous"
	if payload.UserID != nil {
		actor = "citizen_authenticated"
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return ReportCreateResponse{}, err
	}

	var reportID int
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO reports (
			public_id, title, description, category, severity, status,
			lat, lng, address, department_id, region_id,
			source, fingerprint_hash, reporter_hash, user_id, reporter_email
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16
		)
		RETURNING id
	`, publicID, payload.Title, payload.Description, payload.Category, payload.Severity, statusPending,
		payload.Location.Lat, payload.Location.Lng, payload.Location.Address, departmentID, regionID,
		payload.Source, payload.FingerprintHash, payload.ReporterHash, payload.UserID, payload.ReporterEmail).Scan(&reportID); err != nil {
		_ = tx.Rollback()
		return ReportCreateResponse{}, err
	}

	if err := a.saveReportPhotosTx(ctx, tx, reportID, photos); err != nil {
		_ = tx.Rollback()
		return ReportCreateResponse{}, err
	}

	if err := a.addEventTx(ctx, tx, reportID, "created", actor, map[string]any{
		"source":        payload.Source,
		"category":      payload.Category,
		"severity":      payload.Severity,
		"department_id": departmentID,
		"region_id":     regionID,
		"photo_count":   len(photos),
	}); err != nil {
		_ = tx.Rollback()
		return ReportCreateResponse{}, err
	}

	if err := tx.Commit(); err != nil {
		return ReportCreateResponse{}, err
	}

	report, err := a.getReportByID(ctx, reportID)
	if err != nil {
		return ReportCreateResponse{}, err
	}
	if report == nil {
		return ReportCreateResponse{}, fmt.Errorf("report not found after insert")
	}

	nearby, err := a.listReportsInBound(ctx, boundAround(report.Location.Point(), dedupeRadiusMeters), ` AND reports.category = $5`, report.Category)
	if err != nil {
		return ReportCreateResponse{}, err
	}
	dedupeIDs := findDuplicateCandidates(*report, nearby, now)
	if len(dedupeIDs) > 0 {
		_ = a.addEvent(ctx, report.ID, "duplicate_candidates", "system", map[string]any{"public_ids": dedupeIDs})
	}

	flagged := a.applyFingerprintHeuristic(payload.FingerprintHash, now)
	if flagged {
		if _, err := a.db.ExecContext(ctx, `UPDATE reports SET flagged_for_review = TRUE, updated_at = NOW() WHERE id = $1`, report.ID); err != nil {
			return ReportCreateResponse{}, err
		}
	}

	token, err := a.createTrackingToken(report.PublicID, trackingTokenDays*24*time.Hour)
	if err != nil {
		return ReportCreateResponse{}, err
	}

	reportsCreatedTotal.WithLabelValues(report.Category).Inc()

	if department != nil && department.ContactEmail != nil {
		go func(d Department, r Report) {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundEmailTimeout)
			defer cancel()
			if err := a.sendDepartmentEmail(ctx, d, r); err != nil {
				a.log.Error("failed to notify department", "department", d.Code, "public_id", r.PublicID, "err", err)
			}
		}(*department, *report)
	}

	return ReportCreateResponse{
		ID:               report.ID,
		PublicID:         report.PublicID,
		CreatedAt:        report.CreatedAt,
		Status:           report.Status,
		Location:         report.Location,
		DepartmentID:     report.DepartmentID,
		RegionID:         report.RegionID,
		TrackingURL:      buildPublicURL(a.cfg.PublicBaseURL, fmt.Sprintf("/track/%s?token=%s", report.PublicID, token)),
		DedupeCandidates: dedupeIDs,
		FlaggedForReview: flagged,
	}, nil
}

func (a *App) reportStatusHandler(c *gin.Context) {
	publicID := strings.ToUpper(strings.TrimSpace(c.Param("public_id")))
	token := trackingTokenFromRequest(c)
	report, err := a.getReportByPublicID(c.Request.Context(), publicID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if report == nil {
		writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "report_not_found", Message: "Report not found"})
		return
	}

	if token != "" {
		claimPublicID, tokenErr := a.verifyTrackingToken(token)
		if tokenErr != nil || claimPublicID != publicID {
			writeAPIError(c, &apiError{Status: http.StatusForbidden, Code: "token_mismatch", Message: "Tracking token does not match report id"})
			return
		}
	} else {
		sessionToken, cookieErr := c.Cookie(userCookieName)
		if cookieErr != nil {
			writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "User session required"})
			return
		}
		session, sessionErr := a.verifyUserSessionToken(sessionToken)
		if sessionErr != nil {
			writeAPIError(c, &apiError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: "User session required"})
			return
		}
		if report.UserID == nil || *report.UserID != session.UserID {
			writeAPIError(c, &apiError{Status: http.StatusNotFound, Code: "report_not_found", Message: "Report not found"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"publicId":    report.PublicID,
		"title":       report.Title,
		"category":    report.Category,
		"status":      report.Status,
		"statusColor": statusStyle(report.Status).Color,
		"createdAt":   report.CreatedAt,
		"updatedAt":   report.UpdatedAt,
		"resolvedAt":  report.ResolvedAt,
		"location":    report.Location,
	})
}

func trackingTokenFromRequest(c *gin.Context) string {
	if queryToken := strings.TrimSpace(c.Query("token")); queryToken != "" {
		return queryToken
	}

	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	const bearerPrefix = "Bearer "
	if len(authHeader) < len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

// nearbyReportsHandler lists reports around lat/lng, nearest first. radius
// is in kilometres and defaults to the configured nearby radius.
func (a *App) nearbyReportsHandler(c *gin.Context) {
	lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
	if latErr != nil || lngErr != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "lat and lng are required"})
		return
	}
	center := location.Point{Lat: lat, Lng: lng}
	if err := center.Validate(); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: err.Error()})
		return
	}

	radius := a.cfg.NearbyRadiusKm
	if raw := strings.TrimSpace(c.Query("radius")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed <= 0 || parsed > maxNearbyRadiusKm {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_radius", Message: fmt.Sprintf("radius must be > 0 and <= %v", maxNearbyRadiusKm)})
			return
		}
		radius = parsed
	}

	if a.findNearbyReports == nil {
		writeAPIError(c, &apiError{Status: http.StatusServiceUnavailable, Code: "nearby_unavailable", Message: "Nearby reports are not available"})
		return
	}
	reports, err := a.findNearbyReports(c.Request.Context(), center, radius)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if reports == nil {
		reports = []location.Report{}
	}
	c.JSON(http.StatusOK, reports)
}
