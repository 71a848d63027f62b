package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"civicpulse/libs/location"
)

const photoStorageNameRandomBytes = 16

func (a *App) saveReportPhotosTx(ctx context.Context, tx *sql.Tx, reportID int, photos []PhotoUpload) error {
	if len(photos) == 0 {
		return nil
	}
	reportDir := filepath.Join(a.cfg.DataRoot, "uploads", "reports", strconv.Itoa(reportID))
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return err
	}
	for _, photo := range photos {
		fileName, err := generatePhotoStorageFileName(extensionFromMime(photo.MimeType, photo.Name))
		if err != nil {
			return err
		}
		fullPath := filepath.Join(reportDir, fileName)
		relPath, err := filepath.Rel(a.cfg.DataRoot, fullPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(fullPath, photo.Bytes, 0o644); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO report_photos (report_id, storage_path, mime_type, filename, size_bytes)
			VALUES ($1, $2, $3, $4, $5)
		`, reportID, filepath.ToSlash(relPath), photo.MimeType, photo.Name, len(photo.Bytes)); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) listReportPhotos(ctx context.Context, reportID int) ([]ReportPhoto, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, report_id, storage_path, mime_type, filename, size_bytes, created_at
		FROM report_photos
		WHERE report_id = $1
		ORDER BY created_at ASC, id ASC
	`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	photos := make([]ReportPhoto, 0)
	for rows.Next() {
		var photo ReportPhoto
		var createdAt time.Time
		if err := rows.Scan(&photo.ID, &photo.ReportID, &photo.StoragePath, &photo.MimeType, &photo.Filename, &photo.SizeBytes, &createdAt); err != nil {
			return nil, err
		}
		photo.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		photos = append(photos, photo)
	}
	return photos, rows.Err()
}

func (a *App) getReportPhotoByID(ctx context.Context, reportID int, photoID int) (*ReportPhoto, error) {
	var photo ReportPhoto
	var createdAt time.Time
	err := a.db.QueryRowContext(ctx, `
		SELECT id, report_id, storage_path, mime_type, filename, size_bytes, created_at
		FROM report_photos
		WHERE id = $1 AND report_id = $2
	`, photoID, reportID).Scan(&photo.ID, &photo.ReportID, &photo.StoragePath, &photo.MimeType, &photo.Filename, &photo.SizeBytes, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	photo.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	return &photo, nil
}

func buildOfficerReportPhotoURL(reportID int, photoID int) string {
	return fmt.Sprintf("/api/v1/officer/reports/%d/photos/%d", reportID, photoID)
}

func toReportPhotoViews(reportID int, photos []ReportPhoto) []ReportPhotoView {
	views := make([]ReportPhotoView, 0, len(photos))
	for _, photo := range photos {
		views = append(views, ReportPhotoView{
			ID:        photo.ID,
			URL:       buildOfficerReportPhotoURL(reportID, photo.ID),
			MimeType:  photo.MimeType,
			Filename:  photo.Filename,
			SizeBytes: photo.SizeBytes,
			CreatedAt: photo.CreatedAt,
		})
	}
	return views
}

func extensionFromMime(mimeType string, fallbackName string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	extensions, _ := mime.ExtensionsByType(mimeType)
	if len(extensions) > 0 {
		return extensions[0]
	}
	ext := filepath.Ext(fallbackName)
	if ext == "" {
		return ".jpg"
	}
	return ext
}

func generatePhotoStorageFileName(ext string) (string, error) {
	buffer := make([]byte, photoStorageNameRandomBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer) + ext, nil
}

func (a *App) addEvent(ctx context.Context, reportID int, eventType, actor string, metadata map[string]any) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO report_events (report_id, type, actor, metadata)
		VALUES ($1, $2, $3, $4)
	`, reportID, eventType, actor, anyMapToJSON(metadata))
	return err
}

func (a *App) addEventTx(ctx context.Context, tx *sql.Tx, reportID int, eventType, actor string, metadata map[string]any) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO report_events (report_id, type, actor, metadata)
		VALUES ($1, $2, $3, $4)
	`, reportID, eventType, actor, anyMapToJSON(metadata))
	return err
}

func (a *App) listEvents(ctx context.Context, reportID int) ([]ReportEvent, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, report_id, type, actor, metadata, created_at
		FROM report_events
		WHERE report_id = $1
		ORDER BY created_at ASC, id ASC
	`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]ReportEvent, 0)
	for rows.Next() {
		var event ReportEvent
		var metadataRaw []byte
		var createdAt time.Time
		if err := rows.Scan(&event.ID, &event.ReportID, &event.Type, &event.Actor, &metadataRaw, &createdAt); err != nil {
			return nil, err
		}
		event.Metadata = jsonToAnyMap(metadataRaw)
		event.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		events = append(events, event)
	}
	return events, rows.Err()
}

const reportColumns = `
		reports.id,
		reports.public_id,
		reports.created_at,
		reports.updated_at,
		reports.title,
		reports.description,
		reports.category,
		reports.severity,
		reports.status,
		reports.lat,
		reports.lng,
		reports.address,
		reports.department_id,
		reports.region_id,
		reports.assigned_officer_id,
		reports.source,
		reports.fingerprint_hash,
		reports.reporter_hash,
		reports.flagged_for_review,
		reports.user_id,
		reports.resolved_at`

const reportSelect = `SELECT` + reportColumns + `
	FROM reports
`

type rowScanner interface {
	Scan(dest ...any) error
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	val := int(v.Int64)
	return &val
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	val := v.String
	return &val
}

// scanReport reads the reportColumns list, followed by any extra
// destinations a query appends (such as a window count).
func scanReport(scanner rowScanner, extra ...any) (Report, error) {
	var report Report
	var createdAt, updatedAt time.Time
	var description, address sql.NullString
	var departmentID, regionID, officerID, userID sql.NullInt64
	var resolvedAt sql.NullTime
	dest := []any{
		&report.ID,
		&report.PublicID,
		&createdAt,
		&updatedAt,
		&report.Title,
		&description,
		&report.Category,
		&report.Severity,
		&report.Status,
		&report.Location.Lat,
		&report.Location.Lng,
		&address,
		&departmentID,
		&regionID,
		&officerID,
		&report.Source,
		&report.FingerprintHash,
		&report.ReporterHash,
		&report.FlaggedForReview,
		&userID,
		&resolvedAt,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return Report{}, err
	}
	report.Description = nullStringPtr(description)
	report.Location.Address = nullStringPtr(address)
	report.DepartmentID = nullIntPtr(departmentID)
	report.RegionID = nullIntPtr(regionID)
	report.AssignedOfficerID = nullIntPtr(officerID)
	report.UserID = nullIntPtr(userID)
	if resolvedAt.Valid {
		val := resolvedAt.Time.UTC().Format(time.RFC3339)
		report.ResolvedAt = &val
	}
	report.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	report.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return report, nil
}

func (a *App) queryReports(ctx context.Context, query string, args ...any) ([]Report, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]Report, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

func (a *App) getReportByPublicID(ctx context.Context, publicID string) (*Report, error) {
	reports, err := a.queryReports(ctx, reportSelect+` WHERE reports.public_id = $1 LIMIT 1`, publicID)
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return &reports[0], nil
}

func (a *App) getReportByID(ctx context.Context, reportID int) (*Report, error) {
	reports, err := a.queryReports(ctx, reportSelect+` WHERE reports.id = $1 LIMIT 1`, reportID)
	if err != nil || len(reports) == 0 {
		return nil, err
	}
	return &reports[0], nil
}

func (a *App) listReports(ctx context.Context, filters map[string]any) ([]Report, error) {
	whereClause, args := buildReportFilters(filters)
	return a.queryReports(ctx, reportSelect+` WHERE 1=1`+whereClause+` ORDER BY reports.created_at DESC`, args...)
}

func (a *App) listReportsByUserID(ctx context.Context, userID int) ([]Report, error) {
	return a.queryReports(ctx, reportSelect+` WHERE reports.user_id = $1 ORDER BY reports.created_at DESC`, userID)
}

// listReportsInBound loads candidates inside a lat/lng box. Callers refine by
// true distance.
func (a *App) listReportsInBound(ctx context.Context, bound nearbyBox, extraWhere string, extraArgs ...any) ([]Report, error) {
	args := []any{bound.MinLat, bound.MaxLat, bound.MinLng, bound.MaxLng}
	args = append(args, extraArgs...)
	return a.queryReports(ctx, reportSelect+`
		WHERE reports.lat BETWEEN $1 AND $2
		AND `+bound.lngCondition("reports.lng", 3, 4)+extraWhere, args...)
}

func (a *App) storeFindNearbyReports(ctx context.Context, center location.Point, radiusKm float64) ([]location.Report, error) {
	if radiusKm <= 0 || radiusKm > maxNearbyRadiusKm {
		radiusKm = a.cfg.NearbyRadiusKm
	}
	candidates, err := a.listReportsInBound(ctx, boundAround(center, radiusKm*1000), "")
	if err != nil {
		return nil, err
	}
	nearby := filterWithinRadius(candidates, center, radiusKm*1000, maxNearbyReports)
	out := make([]location.Report, 0, len(nearby))
	for _, r := range nearby {
		out = append(out, r.MapReport())
	}
	return out, nil
}

func (a *App) updateReportAddress(ctx context.Context, reportID int, address string) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE reports SET address = $1, updated_at = NOW()
		WHERE id = $2 AND (address IS NULL OR address = '')
	`, address, reportID)
	return err
}

// geocodeReport fills in a missing address from the configured geocoder.
func (a *App) geocodeReport(ctx context.Context, reportID int) error {
	if a.geocoder == nil {
		return nil
	}
	report, err := a.getReportByID(ctx, reportID)
	if err != nil || report == nil {
		return err
	}
	if report.Location.Address != nil && strings.TrimSpace(*report.Location.Address) != "" {
		return nil
	}
	label, err := addressGeocoder{geocoder: a.geocoder}.ReverseGeocode(ctx, report.Location.Point())
	if err != nil {
		return err
	}
	if err := a.updateReportAddress(ctx, reportID, label); err != nil {
		return err
	}
	return a.addEvent(ctx, reportID, "address_resolved", "system", map[string]any{"address": label})
}

func (a *App) backfillAddresses(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id FROM reports
		WHERE address IS NULL OR address = ''
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return 0, err
	}
	ids := make([]int, 0)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	updated := 0
	for _, id := range ids {
		if err := a.geocodeReport(ctx, id); err != nil {
			a.log.Warn("backfill geocode failed", "report_id", id, "err", err)
			continue
		}
		updated++
	}
	return updated, nil
}

func (a *App) ensureUniquePublicID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		candidate := generatePublicID()
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM reports WHERE public_id = $1)`, candidate).Scan(&exists); err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique public id")
}

func parseIDParam(c *gin.Context, name string) (int, error) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		return 0, &apiError{Status: http.StatusBadRequest, Code: "invalid_id", Message: fmt.Sprintf("Invalid %s", name)}
	}
	return id, nil
}

func parsePage(c *gin.Context) (int, int) {
	page := parseAdminPage(c.Query("page"))
	pageSize, err := strconv.Atoi(strings.TrimSpace(c.Query("page_size")))
	if err != nil || pageSize < 1 {
		pageSize = adminDefaultPerPage
	}
	if pageSize > adminMaxPerPage {
		pageSize = adminMaxPerPage
	}
	return page, pageSize
}
