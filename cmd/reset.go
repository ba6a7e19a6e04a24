package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetLog       bool
	resetPublished bool
	resetMirror    bool
	resetYes       bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Start a fresh attendance record (log, published copy, mirror)",
	Long: `Archives the attendance log, removes the published copy and drops the mirror tables.
By default, it resets everything. Use flags to reset specific components. The
gallery is never touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		explicitMirror := resetMirror
		if !resetLog && !resetPublished && !resetMirror {
			resetLog = true
			resetPublished = true
			resetMirror = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetLog {
			if confirm(reader, fmt.Sprintf("⚠️  Archive %s and start a new attendance log?", cfg.Log.Path)) {
				archiveLog()
			}
		}

		if resetPublished {
			if confirm(reader, fmt.Sprintf("⚠️  Delete the published copy %s?", cfg.Log.PublishPath)) {
				fmt.Println("🗑️  Removing published copy...")
				removeFile(cfg.Log.PublishPath)
			}
		}

		if resetMirror {
			switch {
			case cfg.Database.URL == "" && !explicitMirror:
				// Nothing to reset
			case confirm(reader, "⚠️  Are you sure you want to DROP all attendance mirror tables?"):
				mirror, err := requireMirror(cmd.Context())
				if err != nil {
					utils.Die("Failed to connect to attendance mirror", err, nil)
				}
				fmt.Println("🗑️  Clearing Database...")
				if err := mirror.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		fmt.Println("✨ Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetLog, "attendance", false, "Archive the attendance log")
	resetCmd.Flags().BoolVar(&resetPublished, "published", false, "Delete the published copy")
	resetCmd.Flags().BoolVar(&resetMirror, "mirror", false, "Drop the PostgreSQL mirror tables")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func archiveLog() {
	log, err := attendance.Open(cfg.Log.Path)
	if err != nil {
		utils.Die("Failed to open attendance log", err, nil)
	}
	dest, err := log.Archive(time.Now())
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("ℹ️  No attendance log to archive.")
		return
	}
	if err != nil {
		utils.Die("Failed to archive attendance log", err, nil)
	}
	fmt.Printf("📦 Attendance log archived to %s\n", dest)
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
