package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

// identifyHistory is how many mirrored sightings identify prints for a match.
const identifyHistory = 10

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match the faces in a photo against the gallery",
	Long: `Runs the same matching the recorder uses on a single photo and shows, for every
face, the identity the recorder would log next to the closest enrolled face.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0])
	},
}

func init() {
	addMatchFlags(identifyCmd)
	addEngineFlags(identifyCmd)
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	enc, err := newEncoder(ctx, cfg, false)
	if err != nil {
		utils.ShowError("Failed to start face engine", err, nil)
		return err
	}
	defer enc.Close()

	g, err := loadGallery(ctx, enc)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, crashLogs(enc))
		return err
	}

	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	faces, err := enc.ProcessFrame(imgData)
	if err != nil {
		utils.ShowError("AI processing failed", err, crashLogs(enc))
		return err
	}

	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	// Largest face first
	sort.SliceStable(faces, func(i, j int) bool { return faces[i].Box.Area() > faces[j].Box.Area() })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX (T,R,B,L)\tMATCH\tCLOSEST\tDISTANCE")
	fmt.Fprintln(w, "----\t-------------\t-----\t-------\t--------")

	var matches []types.Identity
	for i, f := range faces {
		match := types.Unknown.Name
		if id, ok := matcher.Match(g, f.Descriptor, cfg.Match.Tolerance); ok {
			match = id.String()
			matches = append(matches, id)
		}
		closest, dist := "-", "-"
		if e, d, ok := matcher.Closest(g, f.Descriptor); ok {
			closest, dist = e.Identity.String(), fmt.Sprintf("%.3f", d)
		}
		b := f.Box
		fmt.Fprintf(w, "%d\t%d,%d,%d,%d\t%s\t%s\t%s\n", i+1, b.Top, b.Right, b.Bottom, b.Left, match, closest, dist)
	}
	w.Flush()

	if len(matches) > 0 {
		if mirror := openMirror(ctx); mirror != nil {
			printRecentSightings(ctx, mirror, matches)
		}
	}
	return nil
}

// printRecentSightings shows the latest mirrored events of each matched person.
func printRecentSightings(ctx context.Context, mirror *store.Store, ids []types.Identity) {
	for _, id := range ids {
		events, err := mirror.ListEvents(ctx, store.Filter{Name: id.Name})
		if err != nil {
			appLog.Warning("Failed to retrieve history for %s: %v", id.Name, err)
			return
		}
		fmt.Printf("\n🗄️  %s: %d recorded sightings\n", id, len(events))
		if len(events) > identifyHistory {
			events = events[len(events)-identifyHistory:]
		}
		for _, e := range events {
			fmt.Printf("   %s\n", e.Record()[2])
		}
	}
}
