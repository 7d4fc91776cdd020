package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/ledger/internal/config"
	"github.com/clinic/ledger/internal/domain/ledger"
	"github.com/clinic/ledger/internal/platform/auth"
	"github.com/clinic/ledger/internal/platform/db"
	"github.com/clinic/ledger/internal/platform/events"
	"github.com/clinic/ledger/internal/platform/metrics"
	"github.com/clinic/ledger/internal/platform/middleware"
	"github.com/clinic/ledger/internal/platform/mongodb"
)

const (
	requestTimeout = 30 * time.Second
	maxBodySize    = "1M"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledger-server",
		Short: "Clinic billing ledger API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ledger API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			seed, _ := cmd.Flags().GetBool("seed")
			return runServer(migrate, seed)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending Postgres migrations before serving")
	cmd.Flags().Bool("seed", false, "Create the sample patients on startup")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ledger schema",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations (Postgres) or create indexes (MongoDB)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()

			switch cfg.StoreDriver {
			case config.DriverPostgres:
				pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
				if err != nil {
					return err
				}
				defer pool.Close()

				migrator, err := db.NewEmbeddedMigrator(pool)
				if err != nil {
					return err
				}
				count, err := migrator.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
			case config.DriverMongo:
				client, err := mongodb.Connect(ctx, cfg.MongoURI)
				if err != nil {
					return err
				}
				defer client.Disconnect(context.Background())

				if err := ledger.NewMongoStore(client.Database(cfg.MongoDatabase)).Migrate(ctx); err != nil {
					return err
				}
				fmt.Printf("Indexes ensured on database %s.\n", cfg.MongoDatabase)
			default:
				fmt.Printf("STORE_DRIVER=%s has no schema to migrate.\n", cfg.StoreDriver)
			}
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show Postgres migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("migrate status requires STORE_DRIVER=%s", config.DriverPostgres)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator, err := db.NewEmbeddedMigrator(pool)
			if err != nil {
				return err
			}
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the sample patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			svc := newService(cfg, st, logger, nil, nil)
			ids, err := svc.SeedSampleData(ctx)
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare patient totals with their treatments",
		RunE: func(cmd *cobra.Command, args []string) error {
			fix, _ := cmd.Flags().GetBool("fix")
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.close()

			drifted, err := newService(cfg, st, logger, nil, nil).ReconcileAll(ctx, fix)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Printf("%-36s %-14s %-14s %s\n", "PATIENT", "STORED", "COMPUTED", "FIXED")
			for _, d := range drifted {
				fmt.Printf("%-36s %-14s %-14s %t\n", d.PatientID,
					d.Stored.Outstanding.StringFixed(ledger.MoneyScale),
					d.Computed.Outstanding.StringFixed(ledger.MoneyScale), d.Fixed)
			}
			fmt.Printf("%d patient(s) drifted.\n", len(drifted))
			return nil
		},
	}
	cmd.Flags().Bool("fix", false, "Overwrite drifted totals with the computed values")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("sub", "front-desk", "Token subject")
	cmd.Flags().StringSlice("roles", []string{auth.RoleReception}, "Granted roles ("+rolesFlag()+")")
	cmd.Flags().Duration("ttl", 8*time.Hour, "Token lifetime")
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.Env), nil
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

// ledgerStore is what every storage driver provides.
type ledgerStore interface {
	ledger.TxRunner
	Patients() ledger.PatientRepository
	Treatments() ledger.TreatmentRepository
}

type openedStore struct {
	ledgerStore
	checks  []db.Check
	migrate func(ctx context.Context) (int, error)
	close   func()
}

func openStore(ctx context.Context, cfg *config.Config) (*openedStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		return &openedStore{
			ledgerStore: ledger.NewPGStore(pool, cfg.DBLockTimeout),
			checks:      []db.Check{db.PoolCheck(pool)},
			migrate: func(ctx context.Context) (int, error) {
				m, err := db.NewEmbeddedMigrator(pool)
				if err != nil {
					return 0, err
				}
				return m.Up(ctx)
			},
			close: pool.Close,
		}, nil

	case config.DriverMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		store := ledger.NewMongoStore(client.Database(cfg.MongoDatabase))
		return &openedStore{
			ledgerStore: store,
			checks:      []db.Check{mongodb.Check(client)},
			migrate: func(ctx context.Context) (int, error) {
				return 0, store.Migrate(ctx)
			},
			close: func() { _ = client.Disconnect(context.Background()) },
		}, nil

	case config.DriverMemory:
		return &openedStore{
			ledgerStore: ledger.NewMemoryStore(),
			migrate:     func(context.Context) (int, error) { return 0, nil },
			close:       func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func newService(cfg *config.Config, st ledgerStore, logger zerolog.Logger, m *metrics.Ledger, pub events.Publisher) *ledger.Service {
	opts := []ledger.Option{
		ledger.WithLogger(logger.With().Str("component", "ledger").Logger()),
		ledger.WithMaxAttempts(cfg.TxMaxAttempts),
		ledger.WithMetrics(m),
	}
	if pub != nil {
		opts = append(opts, ledger.WithPublisher(pub))
	}
	return ledger.NewService(st.Patients(), st.Treatments(), st, opts...)
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) events.Publisher {
	var pub events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing ledger events to kafka")
		pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	if len(cfg.WebhookURLs) > 0 {
		logger.Info().Int("endpoints", len(cfg.WebhookURLs)).Msg("delivering ledger events to webhooks")
		return events.Fanout{pub, events.NewWebhookPublisher(cfg.WebhookURLs, cfg.WebhookSecret)}
	}
	return pub
}

// newServer wires the middleware chain and routes.
func newServer(cfg *config.Config, svc *ledger.Service, logger zerolog.Logger, reg *prometheus.Registry, m *metrics.Ledger, checks []db.Check) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics(m))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestTimeout(requestTimeout, "/metrics", "/health"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", db.HealthHandler(checks...))
	e.GET("/metrics", metrics.Handler(reg))

	// Auth middleware
	authMW := auth.JWTMiddleware(jwtConfig(cfg))
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtConfig(cfg))
	}

	apiV1 := e.Group("/api/v1",
		authMW,
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		middleware.Audit(logger),
	)
	ledger.NewHandler(svc).RegisterRoutes(apiV1)

	return e
}

func runServer(migrate, seed bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		l := newLogger(os.Getenv("ENV"))
		l.Error().Err(err).Msg("invalid configuration")
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Error().Err(err).Str("timezone", cfg.Timezone).Msg("invalid timezone")
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer st.close()
	logger.Info().Str("driver", cfg.StoreDriver).Msg("store ready")

	if migrate || cfg.StoreDriver == config.DriverMongo {
		n, err := st.migrate(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("migration failed")
			return err
		}
		logger.Info().Int("applied", n).Msg("schema up to date")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pub := newPublisher(cfg, logger)
	defer pub.Close()

	svc := newService(cfg, st, logger, m, pub)
	defer svc.Close()
	if seed {
		ids, err := svc.SeedSampleData(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("seeding failed")
			return err
		}
		logger.Info().Int("patients", len(ids)).Msg("sample data created")
	}

	if cfg.ReminderEnabled {
		reminder := ledger.NewReminder(svc, pub, logger, loc, cfg.ReminderAt)
		if err := reminder.Start(); err != nil {
			return err
		}
		defer reminder.Stop()
	}

	e := newServer(cfg, svc, logger, reg, m, st.checks)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func rolesFlag() string {
	return strings.Join([]string{auth.RoleAdmin, auth.RoleBilling, auth.RoleReception}, ", ")
}
