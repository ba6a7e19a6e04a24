package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/logger"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// DB is the optional attendance mirror, opened by the commands that use it
	DB *store.Store
	// cfg is the resolved configuration shared by subcommands
	cfg *config.Config
	// appLog is the leveled logger shared by subcommands
	appLog *logger.Logger

	cfgFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "rollcall",
	Short: "Face-matching attendance recorder",
	Long: `rollcall watches a camera (or a video stream), matches every face against an
enrolled gallery and appends one row per person per cooldown window to an
attendance CSV. A copy of the CSV is kept up to date for a dashboard to read.`,
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyFlags(cmd, c)
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		l, err := logger.New(os.Stderr, os.Stderr, c.Log.File)
		if err != nil {
			return err
		}
		cfg, appLog = c, l
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// execute runs the selected command and releases shared resources whether or
// not it failed. Cobra skips post-run hooks after an error, so cleanup lives here.
func execute(ctx context.Context) error {
	defer closeResources()
	return rootCmd.ExecuteContext(ctx)
}

func closeResources() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
	if appLog != nil {
		appLog.Close()
		appLog = nil
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	d := config.Default()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file")
	pf.String("gallery", d.Gallery.Dir, "Directory of enrolled <name>_<id>.jpg reference images")
	pf.String("log", d.Log.Path, "Attendance CSV the recorder appends to")
	pf.String("publish", d.Log.PublishPath, "Copy of the attendance CSV kept up to date for the dashboard")
	pf.String("log-file", "", "Also write application logs to this file")
	pf.String("db", "", "PostgreSQL connection string for the attendance mirror (default: $DATABASE_URL or POSTGRES_*)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// openMirror connects the attendance mirror when one is configured. The CSV is
// the record of truth, so an unreachable database only disables mirroring.
func openMirror(ctx context.Context) *store.Store {
	if cfg.Database.URL == "" {
		return nil
	}
	s, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		appLog.Warning("Attendance mirror unavailable, continuing without it: %v", err)
		return nil
	}
	DB = s
	return s
}

// requireMirror is openMirror for commands that cannot work without the database.
func requireMirror(ctx context.Context) (*store.Store, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("no database configured (use --db, DATABASE_URL or POSTGRES_HOST)")
	}
	s, err := store.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return s, nil
}
