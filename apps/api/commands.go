package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"civicpulse/libs/mailer"
)

const (
	httpClientTimeout     = 10 * time.Second
	shutdownTimeout       = 15 * time.Second
	mapSessionSweepPeriod = time.Minute
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "civicpulse-api",
		Short:         "CivicPulse civic issue reporting API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().String("env-file", ".env", "Optional dotenv file loaded before reading configuration")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run migrations and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				return app.runMigrations(ctx)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load departments, regions and officers from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			seed, err := parseSeedFile(raw)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				if err := app.runMigrations(ctx); err != nil {
					return err
				}
				return app.applySeed(ctx, seed)
			})
		},
	})

	backfillCmd := &cobra.Command{
		Use:   "backfill-addresses",
		Short: "Reverse geocode reports that have no address",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				updated, err := app.backfillAddresses(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated %d reports\n", updated)
				return nil
			})
		},
	}
	backfillCmd.Flags().IntP("limit", "l", 100, "Maximum number of reports to geocode")
	root.AddCommand(backfillCmd)

	root.AddCommand(&cobra.Command{
		Use:   "digest",
		Short: "Email each department a summary of its open reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				sent, err := app.sendDepartmentDigests(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %d digests\n", sent)
				return nil
			})
		},
	})

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export reports as CSV, GeoJSON or PDF",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			outPath, _ := cmd.Flags().GetString("out")
			status, _ := cmd.Flags().GetString("status")
			category, _ := cmd.Flags().GetString("category")
			if !containsString(exportFormats, format) {
				return fmt.Errorf("format must be one of %s", strings.Join(exportFormats, ", "))
			}

			filters := map[string]any{}
			if status != "" {
				filters["status"] = status
			}
			if category != "" {
				filters["category"] = category
			}

			return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				var out io.Writer = cmd.OutOrStdout()
				if outPath != "" && outPath != "-" {
					f, err := os.Create(outPath)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				reports, err := app.listExportReports(ctx, filters)
				if err != nil {
					return err
				}
				return writeExport(out, format, reports, time.Now().UTC())
			})
		},
	}
	exportCmd.Flags().StringP("format", "f", "csv", "Export format: csv, geojson or pdf")
	exportCmd.Flags().StringP("out", "o", "-", "Output file, - for stdout")
	exportCmd.Flags().String("status", "", "Only export reports with this status")
	exportCmd.Flags().String("category", "", "Only export reports in this category")
	root.AddCommand(exportCmd)

	cobra.OnInitialize(func() {
		envFile, _ := root.PersistentFlags().GetString("env-file")
		if err := loadDotEnvFile(envFile); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	})

	return root
}

// withApp loads configuration, opens the database and runs fn. Used by the
// one-shot subcommands.
func withApp(ctx context.Context, fn func(ctx context.Context, app *App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	app, cleanup, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, app)
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	app, cleanup, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := app.runMigrations(ctx); err != nil {
		return err
	}
	if err := app.bootstrapAdmin(ctx); err != nil {
		return err
	}

	app.startRateLimiterCleanup(ctx, rateLimiterCleanupInterval)
	app.maps.startEviction(ctx, mapSessionSweepPeriod)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.maps.closeAll()
	return srv.Shutdown(shutdownCtx)
}

// newApp opens every backing service. Redis and the GeoIP database are
// optional; the returned cleanup closes whatever was opened.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*App, func(), error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("database unreachable: %w", err)
	}
	closers := []func() error{db.Close}

	httpClient := &http.Client{Timeout: httpClientTimeout}
	geocoder := newGeocoder(cfg, httpClient)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		rc := redis.NewClient(opts)
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, geocode cache disabled", "err", err)
			_ = rc.Close()
		} else {
			geocoder = &CachedGeocoder{Next: geocoder, Client: rc, TTL: cfg.GeocodeCacheTTL, Log: logger}
			closers = append(closers, rc.Close)
			logger.Info("geocode cache enabled", "ttl", cfg.GeocodeCacheTTL.String())
		}
	}

	var locator ipLocator
	if cfg.GeoIPDBPath != "" {
		geoIP, err := openGeoIPLocator(cfg.GeoIPDBPath)
		if err != nil {
			logger.Warn("geoip database unavailable", "path", cfg.GeoIPDBPath, "err", err)
		} else {
			locator = geoIP
			closers = append(closers, geoIP.Close)
		}
	}

	var mailProvider mailer.Provider
	if cfg.ResendAPIKey != "" {
		mailProvider = mailer.NewResendProvider(cfg.ResendAPIKey)
	} else {
		mailProvider = mailer.NewLogProvider(logger)
	}
	logger.Info("mailer initialized", "provider", mailProvider.Name())

	app := &App{
		cfg:          cfg,
		db:           db,
		log:          logger,
		geocoder:     geocoder,
		ipLocator:    locator,
		mailer:       mailer.New(mailProvider, cfg.MailerFromAddresses[mailProvider.Name()]),
		maps:         newMapSessionRegistry(logger, cfg.MapSessionTTL),
		rateBuckets:  make(map[string]rateBucket),
		fingerprints: make(map[string]fingerprintBucket),
	}
	app.wireStore()

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "err", err)
			}
		}
	}
	return app, cleanup, nil
}

// wireStore points the App hooks at the Postgres implementations.
func (a *App) wireStore() {
	a.createReportFn = a.createReport
	a.findNearbyReports = a.storeFindNearbyReports
	a.authenticateOfficer = a.storeAuthenticateOfficer
	a.listReportsPaginated = a.storeListReportsPaginated
	a.loadReportDetails = a.getReportDetails
	a.changeReportStatus = a.updateReportStatus
	a.assignReportFn = a.assignReport

	a.listDepartments = a.storeListDepartments
	a.createDepartment = a.storeCreateDepartment
	a.updateDepartment = a.storeUpdateDepartment
	a.deleteDepartment = a.storeDeleteDepartment

	a.listRegions = a.storeListRegions
	a.createRegion = a.storeCreateRegion
	a.updateRegion = a.storeUpdateRegion
	a.deleteRegion = a.storeDeleteRegion

	a.listOfficers = a.storeListOfficers
	a.createOfficer = a.storeCreateOfficer
	a.updateOfficer = a.storeUpdateOfficer
	a.toggleOfficer = a.storeToggleOfficer

	a.listCitizensPaginated = a.storeListUsersPaginated
	a.toggleCitizen = a.storeToggleUser

	a.computeAnalytics = a.storeComputeAnalytics
	a.listExportReports = a.listReports
}
