package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-p2p-coordinator/internal/client"
	"github.com/pesio-ai/be-p2p-coordinator/internal/config"
	"github.com/pesio-ai/be-p2p-coordinator/internal/handler"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
	"github.com/pesio-ai/be-p2p-coordinator/internal/middleware"
	"github.com/pesio-ai/be-p2p-coordinator/internal/scheduler"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "p2p-coordinator",
		Short:         "Procure-to-pay coordination layer: event bus, audit, matching and approvals",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedMatrixCmd())
	rootCmd.AddCommand(replayDeadLettersCmd())
	rootCmd.AddCommand(purgeAuditCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers, NATS bridge and maintenance jobs",
		RunE:  runServe,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.StoreDriverPostgres {
				return fmt.Errorf("migrate requires STORE_DRIVER=%s", config.StoreDriverPostgres)
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}
			log.Info().Msg("Migrations applied")
			return nil
		},
	}
}

func seedMatrixCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed-matrix",
		Short: "Load approval matrix rules from a YAML file, skipping ids already stored",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.Workflow.MatrixFile
			}
			if file == "" {
				return fmt.Errorf("no matrix file: pass --file or set APPROVAL_MATRIX_FILE")
			}
			cfg.Workflow.MatrixFile = ""

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			added, err := a.seedMatrix(cmd.Context(), file)
			if err != nil {
				return err
			}
			log.Info().Str("file", file).Int("added", added).Msg("Approval matrix seeded")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "matrix YAML file (defaults to APPROVAL_MATRIX_FILE)")
	return cmd
}

func replayDeadLettersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay-dead-letters",
		Short: "Re-append audit records from the dead-letter log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			n, err := a.recorder.ReplayDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int("replayed", n).Msg("Dead-letter replay finished")
			return nil
		},
	}
}

func purgeAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-audit",
		Short: "Delete audit records past their retention date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			n, err := a.recorder.PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			log.Info().Int64("purged", n).Msg("Audit purge finished")
			return nil
		},
	}
}

// setup loads configuration and builds the logger.
func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Driver).
		Msg("Starting P2P coordinator")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Core: store, bus, audit, matching, workflow
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	// NATS bridge
	var (
		nc      *nats.Conn
		ingress *client.EventIngress
	)
	if cfg.NATS.Enabled {
		nc, err = client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			return err
		}
		defer nc.Close()

		notifier := client.NewNotificationPublisher(nc, cfg.NATS.NotifySubjectPrefix, log)
		if err := notifier.Register(a.bus); err != nil {
			return err
		}
		ingress = client.NewEventIngress(nc, cfg.NATS.IngressSubject, a.bus, log)
		if err := ingress.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS bridge started")
	}

	// Audit maintenance jobs
	sched, err := scheduler.New(a.recorder, scheduler.Schedules{
		ReplayDeadLetters: cfg.Audit.ReplaySchedule,
		PurgeExpired:      cfg.Audit.PurgeSchedule,
	}, log)
	if err != nil {
		return err
	}
	sched.Start()

	// HTTP
	httpHandler := handler.NewHTTPHandler(a.workflow, a.matching, a.recorder, a.bus, a.ping(), log)
	router := handler.NewRouter(httpHandler, handler.RouterConfig{
		AllowedOrigins: cfg.Server.CORSOrigins,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimitRPS,
			Burst:             cfg.Server.RateLimitBurst,
		},
		RequestTimeout: 30 * time.Second,
	}, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC
	grpcServer := handler.NewGRPCServer(cfg.Service.Name, log)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if ingress != nil {
			if err := ingress.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Event ingress drain failed")
			}
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.Shutdown()
		sched.Stop(shutdownCtx)
		return nil
	})

	err = g.Wait()

	// Drain the bus before the NATS connection goes so final notifications
	// still leave.
	a.close(context.Background())
	a.bus, a.db = nil, nil
	if nc != nil {
		if derr := nc.Drain(); derr != nil {
			log.Warn().Err(derr).Msg("NATS drain failed")
		}
	}

	log.Info().Msg("Server stopped")
	return err
}
