package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/propagate"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Copy the attendance log to the published location",
	Long: `Refreshes the published copy once, or with --watch keeps refreshing it until
interrupted. Useful when the recorder runs with --no-publish or on another host
that shares the log.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPublish(cmd.Context(), mustGetBool(cmd, "watch"))
	},
}

func init() {
	publishCmd.Flags().BoolP("watch", "w", false, "Keep publishing every --interval until interrupted")
	publishCmd.Flags().Duration("interval", config.Default().Log.PublishInterval, "How often --watch refreshes the copy")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(ctx context.Context, watch bool) error {
	log, err := attendance.Open(cfg.Log.Path)
	if err != nil {
		utils.ShowError("Failed to open attendance log", err, nil)
		return err
	}
	p := propagate.New(log, cfg.Log.PublishPath, appLog)

	if watch {
		fmt.Fprintf(os.Stderr, "👀 Publishing %s to %s every %s. Press Ctrl+C to stop.\n",
			log.Path(), p.Dest(), cfg.Log.PublishInterval)
		p.Run(ctx, cfg.Log.PublishInterval)
		return nil
	}

	published, err := p.Beat(ctx)
	if err != nil {
		utils.ShowError("Failed to publish attendance", err, nil)
		return err
	}
	fp, _ := p.Last()
	if published {
		fmt.Printf("✅ Published %s (blake3 %s)\n", p.Dest(), fp.String()[:12])
	} else {
		fmt.Printf("✨ %s is already up to date (blake3 %s)\n", p.Dest(), fp.String()[:12])
	}
	return nil
}
