package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/rollcall/internal/camera"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

type enrollOptions struct {
	Name  string
	ID    string
	Image string
	Force bool
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Add a reference photo of a person to the gallery",
	Long: `Takes a picture with the camera (or copies --image) and stores it in the gallery
as <name>_<student id>.jpg. Without --name and --id it prompts for each person until
you type exit.

A running recorder picks new faces up on SIGHUP or with --reload-every.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), enrollOptions{
			Name:  mustGetString(cmd, "name"),
			ID:    mustGetString(cmd, "id"),
			Image: mustGetString(cmd, "image"),
			Force: mustGetBool(cmd, "force"),
		})
	},
}

func init() {
	enrollCmd.Flags().String("name", "", "Name of the person (skips the prompt)")
	enrollCmd.Flags().String("id", "", "Student ID of the person (skips the prompt)")
	enrollCmd.Flags().String("image", "", "Use this photo instead of the camera")
	enrollCmd.Flags().Bool("force", false, "Replace an existing photo of the same person")
	addCameraFlags(enrollCmd)
	rootCmd.AddCommand(enrollCmd)
}

// enrollment saves reference photos into the gallery directory.
type enrollment struct {
	dir   string
	force bool
	// capture returns the image bytes and the file extension to store them under.
	capture func(ctx context.Context) ([]byte, string, error)
}

// add validates the identity, captures a photo and writes it. Names are
// checked before the camera fires.
func (e *enrollment) add(ctx context.Context, name, studentID string) (string, error) {
	filename, err := gallery.FileName(name, studentID)
	if err != nil {
		return "", err
	}
	data, ext, err := e.capture(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to capture image: %w", err)
	}

	path := filepath.Join(e.dir, strings.TrimSuffix(filename, ".jpg")+ext)
	if !e.force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("%s already exists (use --force to replace it)", path)
		}
	}
	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	return path, nil
}

func runEnroll(ctx context.Context, opts enrollOptions) error {
	if err := os.MkdirAll(cfg.Gallery.Dir, 0755); err != nil {
		utils.ShowError("Failed to create gallery directory", err, nil)
		return err
	}
	e := &enrollment{dir: cfg.Gallery.Dir, force: opts.Force}

	if opts.Image != "" {
		if !gallery.IsImage(opts.Image) {
			err := fmt.Errorf("%s is not a .jpg, .jpeg or .png file", opts.Image)
			utils.ShowError("Unsupported image", err, nil)
			return err
		}
		e.capture = func(context.Context) ([]byte, string, error) {
			data, err := os.ReadFile(opts.Image)
			return data, strings.ToLower(filepath.Ext(opts.Image)), err
		}
	} else {
		cam, err := camera.Open(cfg.Camera.Device, 1, false)
		if err != nil {
			utils.ShowError("Failed to open camera", err, nil)
			return err
		}
		defer func() {
			cam.Close()
			fmt.Fprintln(os.Stderr, "📷 Camera released.")
		}()
		e.capture = func(ctx context.Context) ([]byte, string, error) {
			data, err := cam.Still(ctx)
			return data, ".jpg", err
		}
	}

	if opts.Name != "" || opts.ID != "" {
		path, err := e.add(ctx, opts.Name, opts.ID)
		if err != nil {
			utils.ShowError("Enrollment failed", err, nil)
			return err
		}
		fmt.Printf("✅ Face saved as %s\n", path)
		return nil
	}
	return promptLoop(ctx, os.Stdin, os.Stdout, e)
}

// promptLoop runs the capture station: Enter takes a picture, exit quits.
// Bad input is reported and the loop carries on.
func promptLoop(ctx context.Context, in io.Reader, out io.Writer, e *enrollment) error {
	r := bufio.NewReader(in)
	fmt.Fprintln(out, "Press Enter to take a picture or type 'exit' to quit.")

	saved := 0
	for ctx.Err() == nil {
		fmt.Fprint(out, ">> ")
		cmd, err := readLine(r)
		if err != nil || strings.EqualFold(cmd, "exit") {
			break
		}

		fmt.Fprint(out, "Enter your name: ")
		name, _ := readLine(r)
		fmt.Fprint(out, "Enter your student ID: ")
		id, _ := readLine(r)
		if name == "" || id == "" {
			fmt.Fprintln(out, "⚠️  Name or ID cannot be empty!")
			continue
		}

		path, err := e.add(ctx, name, id)
		if err != nil {
			fmt.Fprintf(out, "❌ %v\n", err)
			continue
		}
		saved++
		fmt.Fprintf(out, "✅ Face saved as %s\n", filepath.Base(path))
	}

	if saved > 0 {
		fmt.Fprintf(out, "%d new face(s). Send SIGHUP to a running recorder to load them.\n", saved)
	}
	return nil
}

// readLine returns the next trimmed line. A final line without a newline is
// still returned; io.EOF is reported only once nothing is left.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if errors.Is(err, io.EOF) && line != "" {
		err = nil
	}
	return strings.TrimSpace(line), err
}
