package cmd

import (
	"context"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the published attendance copy over HTTP",
	Long: `Serves the published copy for the dashboard:
  GET /attendance.csv    the CSV itself, never cached
  GET /api/attendance    the rows as JSON (?name= filters)
  GET /healthz`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("listen", config.Default().Server.Addr, "Address to listen on")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	srv := web.NewServer(cfg.Server.Addr, cfg.Log.PublishPath, appLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	appLog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
