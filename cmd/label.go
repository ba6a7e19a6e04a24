package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <image> <name> <student_id>",
	Short: "Rename a reference image so it enrolls the given identity",
	Long: `Fixes the name or student ID of an enrolled person by renaming their reference
image. <image> may be a path or a file name inside the gallery directory.`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		runLabel(args[0], args[1], args[2])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(image, name, studentID string) {
	// 1. Resolve the image, falling back to the gallery directory
	path := image
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Join(cfg.Gallery.Dir, image)
	}

	// 2. Rename it
	target, err := gallery.Relabel(path, name, studentID)
	if err != nil {
		utils.Die("Failed to label image", err, nil)
	}

	id := gallery.ParseIdentity(target)
	fmt.Printf("✅ %s now enrolls %s\n", filepath.Base(target), id)
}
