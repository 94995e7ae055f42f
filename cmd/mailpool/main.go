package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcrek/email-disposal-api/internal/api"
	"github.com/arcrek/email-disposal-api/internal/obs"
	"github.com/arcrek/email-disposal-api/internal/pool"
	"github.com/arcrek/email-disposal-api/internal/storage"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mailpool",
		Short: "Email pool dispenser",
		Long:  "mailpool dispenses unique email addresses from a shared SQLite-backed pool, leasing each one at most once at a time.",
	}
	rootCmd.PersistentFlags().String("db", getenv("MAILPOOL_DB", "./mailpool.db"), "sqlite database path")

	rootCmd.AddCommand(serveCmd(), loadCmd(), exportCmd(), unlockCmd(), statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")
			addr, _ := cmd.Flags().GetString("addr")
			logLevel, _ := cmd.Flags().GetString("log-level")
			acquireRPS, _ := cmd.Flags().GetFloat64("acquire-rps")
			acquireBurst, _ := cmd.Flags().GetInt("acquire-burst")
			monitorEvery, _ := cmd.Flags().GetDuration("monitor-interval")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger, err := obs.NewLogger(obs.ParseLevel(logLevel))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, err := storage.Open(ctx, storage.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("db open: %w", err)
			}
			defer db.Close()

			metrics := obs.NewMetrics()
			svc := pool.NewService(db.DB, logger, metrics)
			apiServer := api.NewServer(svc, api.Config{
				AcquireRate:  acquireRPS,
				AcquireBurst: acquireBurst,
				Logger:       logger,
			})
			mon := pool.NewMonitor(db.DB, logger, metrics, monitorEvery)

			mux := http.NewServeMux()
			mux.Handle("/", apiServer.Handler())
			mux.Handle("/metrics", promhttp.Handler())

			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				mon.Run(gctx)
				return nil
			})
			g.Go(func() error {
				logger.Info("mailpool up", zap.String("addr", addr), zap.String("db", dbPath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			logger.Info("mailpool stopped")
			return err
		},
	}
	cmd.Flags().String("addr", getenv("MAILPOOL_ADDR", ":8080"), "listen address")
	cmd.Flags().String("log-level", getenv("MAILPOOL_LOG_LEVEL", "info"), "log level (debug|info|warn|error)")
	cmd.Flags().Float64("acquire-rps", 0, "rate limit for /api/email in requests/sec (0 = unlimited)")
	cmd.Flags().Int("acquire-burst", 0, "burst for the acquire rate limit")
	cmd.Flags().Duration("monitor-interval", 10*time.Second, "pool gauge refresh interval")
	return cmd
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Ingest a newline-delimited address file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *pool.Service) error {
				count, err := svc.LoadFromFile(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("inserted %d emails\n", count)
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write all addresses, one per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, _ := cmd.Flags().GetString("out")
			return withService(cmd, func(ctx context.Context, svc *pool.Service) error {
				out := os.Stdout
				if outPath != "" {
					f, err := os.Create(outPath)
					if err != nil {
						return err
					}
					defer f.Close()
					out = f
				}
				count, err := svc.Export(ctx, out)
				if err != nil {
					return err
				}
				if outPath != "" {
					fmt.Printf("exported %d emails to %s\n", count, outPath)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringP("out", "o", "", "output file (default stdout)")
	return cmd
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Force-release every active lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *pool.Service) error {
				count, err := svc.ForceReleaseAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("released %d leases\n", count)
				return nil
			})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print pool counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *pool.Service) error {
				st, err := svc.Stats(ctx)
				if err != nil {
					return err
				}
				approx := ""
				if st.Approximate {
					approx = " (approximate)"
				}
				fmt.Printf("total: %d%s\nleased: %d\navailable: %d\n", st.Total, approx, st.Leased, st.Available)
				return nil
			})
		},
	}
}

func withService(cmd *cobra.Command, fn func(context.Context, *pool.Service) error) error {
	dbPath, _ := cmd.Flags().GetString("db")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, storage.Config{Path: dbPath})
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()

	return fn(ctx, pool.NewService(db.DB, nil, nil))
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
