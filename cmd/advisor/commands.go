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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/security-advisor/internal/db"
	"github.com/yourorg/security-advisor/internal/expiry"
	"github.com/yourorg/security-advisor/internal/httpapi"
)

func (rt *app) monitor() *expiry.Monitor {
	return expiry.New(rt.advisor.Governance(), rt.advisor.Events(), expiry.Options{
		Interval:      rt.cfg.ExpiryInterval,
		ThresholdDays: rt.cfg.ExpiryThresholdDays,
		RetryDelay:    rt.cfg.ExpiryRetryDelay,
		Disabled:      rt.cfg.IsDevelopment(),
		Metrics:       rt.metrics,
		Logger:        rt.log.Named("expiry"),
	})
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the risk acceptance expiry monitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr != "" {
				rt.cfg.HTTPAddr = addr
			}

			h := httpapi.NewHandlers(rt.advisor, rt.repo, rt.log.Named("http"))
			srv := &http.Server{
				Addr:              rt.cfg.HTTPAddr,
				Handler:           httpapi.NewRouter(h, rt.registry),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				rt.log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shctx)
			})
			g.Go(func() error {
				return rt.monitor().Run(gctx)
			})
			err = g.Wait()
			rt.log.Info("advisor stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides HTTP_ADDR")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.DatabaseURL == "" {
				return errors.New("migrate needs DATABASE_URL")
			}
			ctx := cmd.Context()
			store, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			log.Info("schema is up to date")
			return nil
		},
	}
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Re-ingest every archived analyzer payload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.advisor.Backfill(ctx)
			if !res.Success {
				return fmt.Errorf("backfill: %s", res.ErrorMessage)
			}
			s := res.Data
			rt.log.Info("backfill complete", zap.Int("payloads", s.Payloads), zap.Int("created", s.Created),
				zap.Int("existing", s.Existing), zap.Int("skipped", s.Skipped), zap.Int("failed", s.Failed))
			if s.Failed > 0 {
				return fmt.Errorf("backfill: %d of %d payloads failed", s.Failed, s.Payloads)
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one risk acceptance expiry sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if cmd.Flags().Changed("threshold-days") {
				rt.cfg.ExpiryThresholdDays = days
			}
			n, err := rt.monitor().Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			rt.log.Info("sweep complete", zap.Int("expiring", n))
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "threshold-days", 14, "flag acceptances expiring within this many days")
	return cmd
}
