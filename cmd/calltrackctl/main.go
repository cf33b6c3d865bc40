// Command calltrackctl runs call-tracker maintenance tasks: stale-call sweeps,
// the stale-call monitor, dashboard token issuance and schema migration.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-tracker/internal/audit"
	"call-tracker/internal/auth"
	"call-tracker/internal/calls"
	"call-tracker/internal/config"
	"call-tracker/internal/publisher"
	"call-tracker/internal/rbac"
	"call-tracker/internal/reconcile"
	"call-tracker/migrations"
	"call-tracker/pkg/logger"
	"call-tracker/pkg/retry"
	"call-tracker/pkg/utils"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "calltrackctl",
		Short:         "Call tracker maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("CONFIG_FILE", configPath)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")

	cmd.AddCommand(sweepCmd(), monitorCmd(), tokenCmd(), migrateCmd())
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Force-close calls open for one to two hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(r *reconcile.Reconciler) error {
				n := r.Sweep(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "updated %d stale calls\n", n)
				return nil
			})
		},
	}
}

func monitorCmd() *cobra.Command {
	var failOnStale bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Count calls still open more than two hours after start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReconciler(cmd.Context(), func(r *reconcile.Reconciler) error {
				n, err := r.Monitor(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d calls open beyond the sweep window\n", n)
				if failOnStale && n > 0 {
					return fmt.Errorf("%d stale calls", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&failOnStale, "fail", false, "Exit non-zero when any stale call is found")
	return cmd
}

func tokenCmd() *cobra.Command {
	var userID, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a dashboard access/refresh token pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !rbac.Known(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			m, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), userID, role)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pair)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to embed in the token")
	cmd.Flags().StringVar(&role, "role", rbac.RoleViewer, "Dashboard role")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(cfg config.Config, log *slog.Logger, db *sql.DB) error {
				scripts, err := migrations.All()
				if err != nil {
					return err
				}
				for _, s := range scripts {
					if err := utils.ExecScript(cmd.Context(), db, s.SQL); err != nil {
						return fmt.Errorf("%s: %w", s.Name, err)
					}
					log.Info("migration applied", "name", s.Name)
				}
				return nil
			})
		},
	}
}

func withDB(ctx context.Context, fn func(cfg config.Config, log *slog.Logger, db *sql.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PoolConfig{MaxOpenConns: 2})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(cfg, log, db)
}

func withReconciler(ctx context.Context, fn func(r *reconcile.Reconciler) error) error {
	return withDB(ctx, func(cfg config.Config, log *slog.Logger, db *sql.DB) error {
		notifier, closeNotifier, err := newNotifier(cfg, log)
		if err != nil {
			return err
		}
		defer closeNotifier()

		trail := audit.NewService(audit.NewPostgresRepo(db, cfg.DB.QueryTimeout))
		return fn(reconcilerFor(cfg, log, calls.NewPostgresRepo(db, cfg.DB.QueryTimeout), trail, notifier))
	})
}

// reconcilerFor builds the same reconciler the API runs, so CLI sweeps
// publish and audit exactly like GET /api/cron.
func reconcilerFor(cfg config.Config, log *slog.Logger, repo reconcile.Repository, trail *audit.Service, notifier *publisher.Notifier) *reconcile.Reconciler {
	return reconcile.New(repo,
		reconcile.WithLogger(logger.Component(log, "reconcile")),
		reconcile.WithAudit(trail),
		reconcile.WithNotifier(notifier),
		reconcile.WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.Reconcile.RetryAttempts,
			BaseDelay:   cfg.Reconcile.RetryBaseDelay,
		}),
	)
}

// dialMQTT is swapped out in tests.
var dialMQTT = func(opts publisher.MQTTOptions) (publisher.Publisher, error) {
	p, err := publisher.NewMQTTPublisher(opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// newNotifier connects to the broker when MQTT is configured. The returned
// close func is always safe to call.
func newNotifier(cfg config.Config, log *slog.Logger) (*publisher.Notifier, func(), error) {
	if !cfg.MQTTEnabled() {
		return nil, func() {}, nil
	}
	pub, err := dialMQTT(publisher.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID + "-ctl",
		QoS:      byte(cfg.MQTT.QoS),
		Log:      log,
	})
	if err != nil {
		return nil, nil, err
	}
	return publisher.NewNotifier(pub, cfg.MQTT.TopicPrefix), func() { _ = pub.Close() }, nil
}
