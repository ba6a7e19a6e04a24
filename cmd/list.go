package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities in the gallery",
	Long: `Lists the reference images in gallery order, which is also the order the
matcher tries them in. --verify runs the face engine over every image and flags
the ones the recorder would skip.`,
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context(), mustGetBool(cmd, "verify"))
	},
}

func init() {
	listCmd.Flags().Bool("verify", false, "Encode every image and report those without a usable face")
	addEngineFlags(listCmd)
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context, verify bool) {
	candidates, err := gallery.Scan(cfg.Gallery.Dir)
	if err != nil {
		utils.Die("Failed to list gallery", err, nil)
	}

	if len(candidates) == 0 {
		fmt.Printf("No identities enrolled in %s.\n", cfg.Gallery.Dir)
		return
	}

	var skipped map[string]bool
	if verify {
		skipped = verifyGallery(ctx)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	header, rule := "#\tNAME\tSTUDENT ID\tFILE\tMODIFIED", "-\t----\t----------\t----\t--------"
	if verify {
		header, rule = header+"\tUSABLE", rule+"\t------"
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, rule)

	for i, c := range candidates {
		modified := "-"
		if info, err := os.Stat(c.File); err == nil {
			modified = info.ModTime().Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s", i+1, c.Identity.Name, c.Identity.StudentID, filepath.Base(c.File), modified)
		if verify {
			usable := "yes"
			if skipped[c.File] {
				usable = "NO"
			}
			fmt.Fprintf(w, "\t%s", usable)
		}
		fmt.Fprintln(w)
	}
	w.Flush()
}

// verifyGallery loads the gallery the way the recorder does and returns the skipped files.
func verifyGallery(ctx context.Context) map[string]bool {
	enc, err := newEncoder(ctx, cfg, false)
	if err != nil {
		utils.Die("Failed to start face engine", err, nil)
	}
	defer enc.Close()

	g, err := loadGallery(ctx, enc)
	if err != nil {
		utils.Die("Failed to load gallery", err, crashLogs(enc))
	}
	skipped := make(map[string]bool, len(g.Skipped))
	for _, f := range g.Skipped {
		skipped[f] = true
	}
	return skipped
}
