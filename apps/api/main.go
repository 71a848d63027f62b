package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"civicpulse/libs/location"
	"civicpulse/libs/mailer"
	"civicpulse/libs/mapview"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	maxPhotoCount              = 5
	maxUploadBytes             = 10 * 1024 * 1024
	minTitleLength             = 3
	maxTitleLength             = 120
	maxDescriptionLength       = 2000
	reportRateLimitRequests    = 8
	reportRateLimitWindow      = 5 * time.Minute
	fingerprintBurstThreshold  = 4
	rateLimiterCleanupInterval = time.Minute
	anonReporterCookieName     = "civicpulse_anon_id"
	anonReporterCookieMaxAge   = 180 * 24 * time.Hour
	officerCookieName          = "civicpulse_officer_session"
	officerSessionDuration     = 8 * time.Hour
	userCookieName             = "civicpulse_user_session"
	userSessionDuration        = 180 * 24 * time.Hour
	magicLinkTokenExpiry       = 15 * time.Minute
	trackingTokenDays          = 90
	dedupeRadiusMeters         = 25.0
	dedupeLookbackDays         = 30
	maxDedupeCandidates        = 5
	maxNearbyReports           = 100
	maxNearbyRadiusKm          = 50.0
	mapSessionCreateLimit      = 30
	mapSessionCreateWindow     = 10 * time.Minute
	devCORSOriginLocalhost     = "http://localhost:5173"
	devCORSOriginLoopback      = "http://127.0.0.1:5173"
	trustedProxyLoopbackIPv4   = "127.0.0.1"
	trustedProxyLoopbackIPv6   = "::1"
)

const (
	statusPending    = "Pending"
	statusAssigned   = "Assigned"
	statusInProgress = "In Progress"
	statusResolved   = "Resolved"
	statusClosed     = "Closed"
	statusRejected   = "Rejected"
	statusCancelled  = "Cancelled"
)

const (
	roleAdmin   = "admin"
	roleOfficer = "officer"
)

var (
	reportStatuses     = []string{statusPending, statusAssigned, statusInProgress, statusResolved, statusClosed, statusRejected, statusCancelled}
	openReportStatuses = []string{statusPending, statusAssigned, statusInProgress}
	officerRoles       = []string{roleAdmin, roleOfficer}
	reportSeverities   = []string{"low", "medium", "high", "critical"}
	allowedImageTypes  = map[string]struct{}{"image/jpeg": {}, "image/webp": {}}
	defaultCategories  = []Category{
		{Code: "pothole", Label: "Pothole", Department: "roads"},
		{Code: "streetlight", Label: "Broken streetlight", Department: "utilities"},
		{Code: "garbage", Label: "Garbage", Department: "sanitation"},
		{Code: "water_leak", Label: "Water leak", Department: "water"},
		{Code: "power_outage", Label: "Power outage", Department: "utilities"},
		{Code: "traffic_signal", Label: "Traffic signal", Department: "roads"},
		{Code: "graffiti", Label: "Graffiti", Department: "sanitation"},
		{Code: "other", Label: "Other", Department: ""},
	}
	statusTransitions = map[string][]string{
		statusPending:    {statusAssigned, statusRejected, statusCancelled},
		statusAssigned:   {statusAssigned, statusInProgress, statusRejected, statusCancelled},
		statusInProgress: {statusResolved},
		statusResolved:   {statusClosed, statusInProgress},
		statusClosed:     {},
		statusRejected:   {},
		statusCancelled:  {},
	}
)

// Category is a report category and the department code it routes to.
type Category struct {
	Code       string `json:"code"`
	Label      string `json:"label"`
	Department string `json:"department,omitempty"`
}

type Config struct {
	Addr                   string
	Env                    string
	LogLevel               string
	DatabaseURL            string
	DataRoot               string
	PublicBaseURL          string
	AppSigningSecret       string
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
	MapboxAccessToken      string
	GeocoderProvider       string
	NominatimBaseURL       string
	RedisURL               string
	GeocodeCacheTTL        time.Duration
	GeoIPDBPath            string
	MapDefaultCenter       location.Point
	MapDefaultZoom         int
	MapCloseZoom           int
	NearbyRadiusKm         float64
	MapSessionTTL          time.Duration
	ResendAPIKey           string
	MailerFromAddresses    map[string]string
}

type App struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	geocoder  Geocoder
	ipLocator ipLocator
	mailer    *mailer.Mailer
	maps      *mapSessionRegistry

	rateLimiterMu sync.Mutex
	rateBuckets   map[string]rateBucket

	fingerprintMu sync.Mutex
	fingerprints  map[string]fingerprintBucket

	// store hooks, replaced by fakes in handler tests
	createReportFn       func(ctx context.Context, payload ReportCreatePayload) (ReportCreateResponse, error)
	findNearbyReports    func(ctx context.Context, center location.Point, radiusKm float64) ([]location.Report, error)
	authenticateOfficer  func(ctx context.Context, email, password string) (*OfficerSession, error)
	listReportsPaginated func(ctx context.Context, filters map[string]any, page, pageSize int) (*PaginatedReports, error)
	loadReportDetails    func(ctx context.Context, reportID int) (*ReportDetails, error)
	changeReportStatus   func(ctx context.Context, reportID int, status, note string, session OfficerSession) (*Report, error)
	assignReportFn       func(ctx context.Context, reportID, officerID int, session OfficerSession) (*Report, error)

	listDepartments  func(ctx context.Context) ([]Department, error)
	createDepartment func(ctx context.Context, input DepartmentInput) (*Department, error)
	updateDepartment func(ctx context.Context, id int, input DepartmentInput) (*Department, error)
	deleteDepartment func(ctx context.Context, id int) error

	listRegions  func(ctx context.Context) ([]Region, error)
	createRegion func(ctx context.Context, input RegionInput) (*Region, error)
	updateRegion func(ctx context.Context, id int, input RegionInput) (*Region, error)
	deleteRegion func(ctx context.Context, id int) error

	listOfficers  func(ctx context.Context) ([]Officer, error)
	createOfficer func(ctx context.Context, input OfficerInput) (*Officer, error)
	updateOfficer func(ctx context.Context, id int, input OfficerInput) (*Officer, error)
	toggleOfficer func(ctx context.Context, id int) (bool, error)

	listCitizensPaginated func(ctx context.Context, filters map[string]any, page, pageSize int) (*PaginatedUsers, error)
	toggleCitizen         func(ctx context.Context, id int) (bool, error)

	computeAnalytics  func(ctx context.Context, filters map[string]any) (*Analytics, error)
	listExportReports func(ctx context.Context, filters map[string]any) ([]Report, error)
}

type rateBucket struct {
	start time.Time
	count int
}

type fingerprintBucket struct {
	start time.Time
	count int
}

type ReportLocation struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address *string `json:"address"`
}

func (l ReportLocation) Point() location.Point {
	return location.Point{Lat: l.Lat, Lng: l.Lng}
}

type Report struct {
	ID                int            `json:"id"`
	PublicID          string         `json:"publicId"`
	CreatedAt         string         `json:"createdAt"`
	UpdatedAt         string         `json:"updatedAt"`
	Title             string         `json:"title"`
	Description       *string        `json:"description"`
	Category          string         `json:"category"`
	Severity          string         `json:"severity"`
	Status            string         `json:"status"`
	Location          ReportLocation `json:"location"`
	DepartmentID      *int           `json:"departmentId"`
	RegionID          *int           `json:"regionId"`
	AssignedOfficerID *int           `json:"assignedOfficerId"`
	Source            string         `json:"source"`
	FingerprintHash   string         `json:"-"`
	ReporterHash      string         `json:"-"`
	FlaggedForReview  bool           `json:"flaggedForReview"`
	UserID            *int           `json:"userId,omitempty"`
	ResolvedAt        *string        `json:"resolvedAt,omitempty"`
}

// MapReport is the shape the map layer renders.
func (r Report) MapReport() location.Report {
	address := ""
	if r.Location.Address != nil {
		address = *r.Location.Address
	}
	return location.NewReport(r.PublicID, r.Title, r.Category, r.Status, r.Location.Point(), address)
}

type ReportPhoto struct {
	ID          int
	ReportID    int
	StoragePath string
	MimeType    string
	Filename    string
	SizeBytes   int64
	CreatedAt   string
}

type ReportPhotoView struct {
	ID        int    `json:"id"`
	URL       string `json:"url"`
	MimeType  string `json:"mime_type"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

type ReportEvent struct {
	ID        int            `json:"id"`
	ReportID  int            `json:"reportId"`
	CreatedAt string         `json:"createdAt"`
	Type      string         `json:"type"`
	Actor     string         `json:"actor"`
	Metadata  map[string]any `json:"metadata"`
}

type ReportDetails struct {
	Report Report            `json:"report"`
	Events []ReportEvent     `json:"events"`
	Photos []ReportPhotoView `json:"photos"`
}

type OfficerSession struct {
	OfficerID    int    `json:"officerId"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	DepartmentID *int   `json:"departmentId,omitempty"`
}

type User struct {
	ID          int     `json:"id"`
	Email       string  `json:"email"`
	DisplayName *string `json:"displayName"`
	IsActive    bool    `json:"isActive"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

type UserSession struct {
	UserID int    `json:"userId"`
	Email  string `json:"email"`
}

type PhotoUpload struct {
	Name     string
	MimeType string
	Bytes    []byte
}

type ReportCreatePayload struct {
	Title           string
	Description     *string
	Category        string
	Severity        string
	Location        ReportLocation
	Photos          []PhotoUpload
	Source          string
	IP              string
	FingerprintHash string
	ReporterHash    string
	ReporterEmail   *string
	UserID          *int
}

type ReportCreateResponse struct {
	ID               int            `json:"id"`
	PublicID         string         `json:"public_id"`
	CreatedAt        string         `json:"created_at"`
	Status           string         `json:"status"`
	Location         ReportLocation `json:"location"`
	DepartmentID     *int           `json:"department_id"`
	RegionID         *int           `json:"region_id"`
	TrackingURL      string         `json:"tracking_url"`
	DedupeCandidates []string       `json:"dedupe_candidates"`
	FlaggedForReview bool           `json:"flagged_for_review"`
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadDotEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig() (*Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		host := valueFromEnvKeys("PGHOST", "POSTGRES_HOST")
		if host == "" {
			host = "127.0.0.1"
		}
		port := valueFromEnvKeys("PGPORT", "POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		dbname := valueFromEnvKeys("PGDATABASE", "POSTGRES_DB")
		user := valueFromEnvKeys("PGUSER", "POSTGRES_USER")
		password := valueFromEnvKeys("PGPASSWORD", "POSTGRES_PASSWORD")
		sslmode := valueFromEnvKeys("PGSSLMODE", "POSTGRES_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		if dbname != "" && user != "" {
			databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
		}
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL or PG*/POSTGRES_* variables must be configured")
	}

	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if len(secret) < 16 {
		return nil, fmt.Errorf("APP_SIGNING_SECRET must be at least 16 characters")
	}

	publicBase := strings.TrimRight(valueOrDefault("PUBLIC_BASE_URL", "https://civicpulse.local"), "/")

	cfg := &Config{
		Addr:                   valueOrDefault("GIN_ADDR", ":8080"),
		Env:                    valueOrDefault("APP_ENV", "development"),
		LogLevel:               valueOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:            databaseURL,
		DataRoot:               valueOrDefault("DATA_ROOT", "/var/lib/civicpulse"),
		PublicBaseURL:          publicBase,
		AppSigningSecret:       secret,
		BootstrapAdminEmail:    strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_EMAIL")),
		BootstrapAdminPassword: strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")),
		MapboxAccessToken:      strings.TrimSpace(os.Getenv("MAPBOX_ACCESS_TOKEN")),
		GeocoderProvider:       strings.TrimSpace(os.Getenv("GEOCODER_PROVIDER")),
		NominatimBaseURL:       strings.TrimRight(valueOrDefault("NOMINATIM_BASE_URL", defaultNominatimBaseURL), "/"),
		RedisURL:               strings.TrimSpace(os.Getenv("REDIS_URL")),
		GeocodeCacheTTL:        time.Hour,
		GeoIPDBPath:            strings.TrimSpace(os.Getenv("GEOIP_DB_PATH")),
		MapDefaultCenter:       location.DefaultCenter,
		MapDefaultZoom:         location.DefaultZoom,
		MapCloseZoom:           location.DefaultCloseZoom,
		NearbyRadiusKm:         location.DefaultNearbyRadiusKm,
		MapSessionTTL:          2 * time.Hour,
		ResendAPIKey:           strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		MailerFromAddresses: map[string]string{
			"resend": valueOrDefault("MAILER_FROM_ADDRESS_RESEND", "noreply@mail.civicpulse.local"),
			"log":    valueOrDefault("MAILER_FROM_ADDRESS_LOG", "noreply@civicpulse.local"),
		},
	}

	switch cfg.GeocoderProvider {
	case "", "mapbox", "nominatim", "fallback":
	default:
		return nil, fmt.Errorf("GEOCODER_PROVIDER must be one of mapbox, nominatim, fallback")
	}

	var err error
	if cfg.GeocodeCacheTTL, err = durationFromEnv("GEOCODE_CACHE_TTL", cfg.GeocodeCacheTTL); err != nil {
		return nil, err
	}
	if cfg.MapSessionTTL, err = durationFromEnv("MAP_SESSION_TTL", cfg.MapSessionTTL); err != nil {
		return nil, err
	}

	lat, err := floatFromEnv("MAP_DEFAULT_LAT", cfg.MapDefaultCenter.Lat)
	if err != nil {
		return nil, err
	}
	lng, err := floatFromEnv("MAP_DEFAULT_LNG", cfg.MapDefaultCenter.Lng)
	if err != nil {
		return nil, err
	}
	cfg.MapDefaultCenter = location.Point{Lat: lat, Lng: lng}
	if err := cfg.MapDefaultCenter.Validate(); err != nil {
		return nil, fmt.Errorf("MAP_DEFAULT_LAT/MAP_DEFAULT_LNG: %w", err)
	}

	if cfg.MapDefaultZoom, err = intFromEnv("MAP_DEFAULT_ZOOM", cfg.MapDefaultZoom); err != nil {
		return nil, err
	}
	if cfg.MapCloseZoom, err = intFromEnv("MAP_CLOSE_ZOOM", cfg.MapCloseZoom); err != nil {
		return nil, err
	}
	if cfg.MapDefaultZoom < 1 || cfg.MapDefaultZoom > 22 || cfg.MapCloseZoom < 1 || cfg.MapCloseZoom > 22 {
		return nil, fmt.Errorf("MAP_DEFAULT_ZOOM and MAP_CLOSE_ZOOM must be between 1 and 22")
	}

	if cfg.NearbyRadiusKm, err = floatFromEnv("NEARBY_RADIUS_KM", cfg.NearbyRadiusKm); err != nil {
		return nil, err
	}
	if cfg.NearbyRadiusKm <= 0 || cfg.NearbyRadiusKm > maxNearbyRadiusKm {
		return nil, fmt.Errorf("NEARBY_RADIUS_KM must be > 0 and <= %v", maxNearbyRadiusKm)
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func valueFromEnvKeys(keys ...string) string {
	for _, key := range keys {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" {
			return value
		}
	}
	return ""
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration", key)
	}
	return parsed, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid number", key)
	}
	return parsed, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a whole number", key)
	}
	return parsed, nil
}

func (a *App) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile(filepath.ToSlash(filepath.Join("migrations", file)))
		if err != nil {
			return err
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		a.log.Info("applied migration", "file", file)
	}

	return nil
}

func (a *App) bootstrapAdmin(ctx context.Context) error {
	email := strings.ToLower(a.cfg.BootstrapAdminEmail)
	password := a.cfg.BootstrapAdminPassword
	if email == "" || password == "" {
		a.log.Info("bootstrap admin not configured")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO officers (email, name, password_hash, role, is_active)
		VALUES ($1, 'Administrator', $2, $3, TRUE)
		ON CONFLICT (email)
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role,
			is_active = TRUE,
			updated_at = NOW()
	`, email, string(hash), roleAdmin)
	if err != nil {
		return err
	}

	a.log.Info("bootstrap admin ensured", "email", email)
	return nil
}

func (a *App) router() *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies([]string{trustedProxyLoopbackIPv4, trustedProxyLoopbackIPv6}); err != nil {
		a.log.Warn("failed to set trusted proxies", "err", err)
	}
	r.Use(gin.Recovery())
	r.Use(a.loggingMiddleware())
	r.Use(a.corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metricsHandler()))

	api := r.Group("/api/v1")
	{
		api.GET("/categories", a.categoriesHandler)
		api.POST("/reports", a.createReportHandler)
		api.GET("/reports/nearby", a.nearbyReportsHandler)
		api.GET("/reports/:public_id/status", a.reportStatusHandler)

		maps := api.Group("/map")
		{
			maps.POST("/session", a.mapSessionCreateHandler)
			session := maps.Group("/session")
			session.Use(a.requireMapSession())
			{
				session.GET("", a.mapSessionStateHandler)
				session.DELETE("", a.mapSessionDeleteHandler)
				session.POST("/locate", a.mapSessionLocateHandler)
				session.POST("/click", a.mapSessionClickHandler)
				session.PUT("/selection", a.mapSessionSelectionHandler)
				session.PUT("/address", a.mapSessionAddressHandler)
				session.POST("/center-on-user", a.mapSessionCenterOnUserHandler)
				session.POST("/fly-to", a.mapSessionFlyToHandler)
				session.POST("/nearby/refresh", a.mapSessionRefreshNearbyHandler)
				session.GET("/markers", a.mapSessionMarkersHandler)
				session.GET("/ws", a.mapSocketHandler)
			}
		}

		auth := api.Group("/auth")
		{
			auth.POST("/request-magic-link", a.requestMagicLinkHandler)
			auth.GET("/verify", a.verifyMagicLinkHandler)
			auth.POST("/logout", a.userLogoutHandler)
			auth.GET("/session", a.userSessionHandler)
		}

		user := api.Group("/user")
		user.Use(a.requireUserSession())
		{
			user.GET("/reports", a.userReportsHandler)
		}

		officerAuth := api.Group("/officer/auth")
		{
			officerAuth.POST("/login", a.officerLoginHandler)
			officerAuth.POST("/logout", a.officerLogoutHandler)
			officerAuth.GET("/session", a.officerSessionHandler)
		}

		officer := api.Group("/officer")
		officer.Use(a.requireOfficerSession())
		{
			officer.GET("/reports", a.officerReportsHandler)
			officer.GET("/reports/:id", a.officerReportDetailsHandler)
			officer.GET("/reports/:id/events", a.officerReportEventsHandler)
			officer.GET("/reports/:id/photos/:photoID", a.officerReportPhotoHandler)
			officer.POST("/reports/:id/status", a.officerUpdateStatusHandler)
			officer.POST("/reports/:id/assign", a.officerAssignHandler)
		}

		admin := api.Group("/admin")
		admin.Use(a.requireOfficerSession(), a.requireRole(roleAdmin))
		{
			admin.GET("/departments", a.adminDepartmentsHandler)
			admin.POST("/departments", a.adminCreateDepartmentHandler)
			admin.PUT("/departments/:id", a.adminUpdateDepartmentHandler)
			admin.DELETE("/departments/:id", a.adminDeleteDepartmentHandler)

			admin.GET("/regions", a.adminRegionsHandler)
			admin.POST("/regions", a.adminCreateRegionHandler)
			admin.PUT("/regions/:id", a.adminUpdateRegionHandler)
			admin.DELETE("/regions/:id", a.adminDeleteRegionHandler)

			admin.GET("/officers", a.adminOfficersHandler)
			admin.POST("/officers", a.adminCreateOfficerHandler)
			admin.PUT("/officers/:id", a.adminUpdateOfficerHandler)
			admin.POST("/officers/:id/toggle", a.adminToggleOfficerHandler)

			admin.GET("/citizens", a.adminCitizensHandler)
			admin.POST("/citizens/:id/toggle", a.adminToggleCitizenHandler)

			admin.GET("/analytics", a.adminAnalyticsHandler)
			admin.GET("/exports", a.adminExportHandler)
		}
	}

	return r
}

func (a *App) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observeRequest(c.Request.Method, route, c.Writer.Status(), elapsed)
		a.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", elapsed.Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if a.isAllowedCORSOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *App) isAllowedCORSOrigin(origin string) bool {
	if origin == "" || a.cfg == nil {
		return false
	}
	if a.cfg.PublicBaseURL != "" && origin == a.cfg.PublicBaseURL {
		return true
	}
	if !strings.EqualFold(a.cfg.Env, "development") {
		return false
	}
	return origin == devCORSOriginLocalhost || origin == devCORSOriginLoopback
}

func (a *App) isProduction() bool {
	return a.cfg != nil && strings.EqualFold(a.cfg.Env, "production")
}

func writeAPIError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"error": apiErr.Code, "message": apiErr.Message})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}

// statusStyle keeps the report lifecycle and the map palette in one place.
func statusStyle(status string) mapview.MarkerStyle {
	return mapview.StyleForLabel(status)
}
