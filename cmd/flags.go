package cmd

import (
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/spf13/cobra"
)

// mustGetBool gets a bool flag value or panics if the flag doesn't exist.
// This is appropriate for flags defined in init() - errors indicate programming bugs.
func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetInt gets an int flag value or panics if the flag doesn't exist.
func mustGetInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetString gets a string flag value or panics if the flag doesn't exist.
func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetFloat64 gets a float64 flag value or panics if the flag doesn't exist.
func mustGetFloat64(cmd *cobra.Command, name string) float64 {
	val, err := cmd.Flags().GetFloat64(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// mustGetDuration gets a duration flag value or panics if the flag doesn't exist.
func mustGetDuration(cmd *cobra.Command, name string) time.Duration {
	val, err := cmd.Flags().GetDuration(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

// changed reports whether the user set a flag that cmd actually defines.
func changed(cmd *cobra.Command, name string) bool {
	f := cmd.Flags().Lookup(name)
	return f != nil && f.Changed
}

// applyFlags lays explicitly set flags over the loaded configuration. Each
// command only registers the flags it cares about, the rest are skipped.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	if changed(cmd, "gallery") {
		c.Gallery.Dir = mustGetString(cmd, "gallery")
	}
	if changed(cmd, "log") {
		c.Log.Path = mustGetString(cmd, "log")
	}
	if changed(cmd, "publish") {
		c.Log.PublishPath = mustGetString(cmd, "publish")
	}
	if changed(cmd, "log-file") {
		c.Log.File = mustGetString(cmd, "log-file")
	}
	if changed(cmd, "db") {
		c.Database.URL = mustGetString(cmd, "db")
	}
	if changed(cmd, "interval") {
		c.Log.PublishInterval = mustGetDuration(cmd, "interval")
	}
	if changed(cmd, "tolerance") {
		c.Match.Tolerance = mustGetFloat64(cmd, "tolerance")
	}
	if changed(cmd, "cooldown") {
		c.Match.Cooldown = mustGetDuration(cmd, "cooldown")
	}
	if changed(cmd, "engine") {
		c.Engine.Name = mustGetString(cmd, "engine")
	}
	if changed(cmd, "model-dir") {
		c.Engine.ModelDir = mustGetString(cmd, "model-dir")
	}
	if changed(cmd, "python") {
		c.Engine.Python = mustGetString(cmd, "python")
	}
	if changed(cmd, "script") {
		c.Engine.Script = mustGetString(cmd, "script")
	}
	if changed(cmd, "worker-timeout") {
		c.Engine.Timeout = mustGetDuration(cmd, "worker-timeout")
	}
	if changed(cmd, "camera") {
		c.Camera.Device = mustGetString(cmd, "camera")
	}
	if changed(cmd, "scale") {
		c.Camera.Scale = mustGetInt(cmd, "scale")
	}
	if changed(cmd, "listen") {
		c.Server.Addr = mustGetString(cmd, "listen")
	}
}

func addMatchFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().Float64P("tolerance", "t", d.Match.Tolerance, "Maximum face distance accepted as a match (lower is stricter)")
}

func addEngineFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().String("engine", d.Engine.Name, "Face engine: python (face_recognition worker) or dlib (in-process)")
	cmd.Flags().String("model-dir", d.Engine.ModelDir, "Directory holding the dlib model files")
	cmd.Flags().String("python", d.Engine.Python, "Python interpreter for the worker")
	cmd.Flags().String("script", d.Engine.Script, "Path to the worker script")
	cmd.Flags().Duration("worker-timeout", d.Engine.Timeout, "Longest time the worker may take for one frame")
}

func addCameraFlags(cmd *cobra.Command) {
	d := config.Default()
	cmd.Flags().String("camera", d.Camera.Device, "Camera device index or capture URL")
	cmd.Flags().Int("scale", d.Camera.Scale, "Downscale factor applied to frames before detection")
}
