package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/entitylink/internal/config"
	"github.com/entitylink/internal/db"
	"github.com/entitylink/internal/logging"
	"github.com/entitylink/internal/store"
)

// app carries what every command needs. It is filled in before any
// subcommand runs.
type app struct {
	configPath string
	strict     bool

	cfg    *config.Config
	logger *zap.Logger
	conn   *db.Connection
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "linker",
		Short: "Entity to domain linker",
		Long: `Links crawled web domains to registered business entities by fuzzy name
matching, and reconciles entities, domains, page metadata and social links
into PostgreSQL.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&a.strict, "strict", false, "Exit non-zero when any chunk fails")

	rootCmd.AddCommand(a.createMigrateCmd())
	rootCmd.AddCommand(a.createPingCmd())
	rootCmd.AddCommand(a.createLoadCmd())
	rootCmd.AddCommand(a.createMatchCmd())
	rootCmd.AddCommand(a.createRunCmd())
	rootCmd.AddCommand(a.createServeCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if a.logger != nil {
			a.logger.Error("Command failed", zap.Error(err))
			a.close()
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger.With(zap.String("run_id", uuid.NewString()))
	return nil
}

// connect opens the database pool on first use.
func (a *app) connect(ctx context.Context) (*db.Connection, error) {
	if a.conn != nil {
		return a.conn, nil
	}
	conn, err := db.NewConnection(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.conn = conn
	return conn, nil
}

func (a *app) store(ctx context.Context) (*store.Store, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	return store.New(conn.DB, a.logger), nil
}

func (a *app) close() {
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
		a.conn = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) createMigrateCmd() *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := a.cfg.Database.ConnectionString()
			if down {
				return db.RollbackMigrations(dsn, a.logger)
			}
			return db.RunMigrations(dsn, a.logger)
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back every migration instead")
	return cmd
}

// createPingCmd creates a command to test database connectivity
func (a *app) createPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test database connectivity and show table counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Database connection successful!")
			fmt.Fprintf(out, "Entities loaded:      %d\n", stats.Entities)
			fmt.Fprintf(out, "Trading names loaded: %d\n", stats.TradingNames)
			fmt.Fprintf(out, "Domains loaded:       %d (%d with an owner)\n", stats.Domains, stats.OwnedDomains)
			fmt.Fprintf(out, "Metadata rows:        %d\n", stats.Metadata)
			fmt.Fprintf(out, "Social links:         %d\n", stats.SocialLinks)
			return nil
		},
	}
}
