// Package config resolves rollcall settings from defaults, an optional YAML file
// and the environment. Command-line flags are applied on top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Gallery  GalleryConfig  `yaml:"gallery"`
	Log      LogConfig      `yaml:"log"`
	Match    MatchConfig    `yaml:"match"`
	Engine   EngineConfig   `yaml:"engine"`
	Camera   CameraConfig   `yaml:"camera"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
}

type GalleryConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	// Path is the attendance CSV; PublishPath is the copy the dashboard reads.
	Path            string        `yaml:"path"`
	PublishPath     string        `yaml:"publish_path"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	// File receives application logs in addition to stderr.
	File string `yaml:"file"`
}

type MatchConfig struct {
	Tolerance float64       `yaml:"tolerance"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type EngineConfig struct {
	Name     string        `yaml:"name"`
	ModelDir string        `yaml:"model_dir"`
	Python   string        `yaml:"python"`
	Script   string        `yaml:"script"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CameraConfig struct {
	Device string `yaml:"device"`
	Scale  int    `yaml:"scale"`
}

type DatabaseConfig struct {
	// URL is empty when the mirror is disabled.
	URL string `yaml:"url"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

const (
	EnginePython = "python"
	EngineDlib   = "dlib"
)

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	return &Config{
		Gallery: GalleryConfig{Dir: "faces"},
		Log: LogConfig{
			Path:            "attendance.csv",
			PublishPath:     "../frontend/public/attendance.csv",
			PublishInterval: time.Second,
		},
		Match: MatchConfig{Tolerance: 0.6, Cooldown: 5 * time.Second},
		Engine: EngineConfig{
			Name:     EnginePython,
			ModelDir: "models",
			Python:   "python3",
			Script:   "python/encoder.py",
			Timeout:  30 * time.Second,
		},
		Camera: CameraConfig{Device: "0", Scale: 4},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load layers an optional YAML file and then the environment over the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	envString("ROLLCALL_GALLERY_DIR", &c.Gallery.Dir)
	envString("ROLLCALL_LOG_PATH", &c.Log.Path)
	envString("ROLLCALL_PUBLISH_PATH", &c.Log.PublishPath)
	envString("ROLLCALL_LOG_FILE", &c.Log.File)
	envString("ROLLCALL_ENGINE", &c.Engine.Name)
	envString("ROLLCALL_MODEL_DIR", &c.Engine.ModelDir)
	envString("ROLLCALL_PYTHON", &c.Engine.Python)
	envString("ROLLCALL_SCRIPT", &c.Engine.Script)
	envString("ROLLCALL_CAMERA", &c.Camera.Device)
	envString("ROLLCALL_LISTEN", &c.Server.Addr)

	var errs []error
	errs = append(errs,
		envDuration("ROLLCALL_PUBLISH_INTERVAL", &c.Log.PublishInterval),
		envDuration("ROLLCALL_COOLDOWN", &c.Match.Cooldown),
		envDuration("ROLLCALL_WORKER_TIMEOUT", &c.Engine.Timeout),
		envFloat("ROLLCALL_TOLERANCE", &c.Match.Tolerance),
		envInt("ROLLCALL_SCALE", &c.Camera.Scale),
	)

	if url := databaseURLFromEnv(); url != "" {
		c.Database.URL = url
	}
	return errors.Join(errs...)
}

// databaseURLFromEnv prefers DATABASE_URL and falls back to composing one from POSTGRES_*.
func databaseURLFromEnv() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate rejects settings the recorder cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Gallery.Dir == "":
		return errors.New("gallery directory is empty")
	case c.Log.Path == "":
		return errors.New("attendance log path is empty")
	case c.Log.PublishInterval <= 0:
		return fmt.Errorf("publish interval must be positive, got %s", c.Log.PublishInterval)
	case c.Match.Tolerance <= 0:
		return fmt.Errorf("tolerance must be positive, got %g", c.Match.Tolerance)
	case c.Match.Cooldown < 0:
		return fmt.Errorf("cooldown cannot be negative, got %s", c.Match.Cooldown)
	case c.Camera.Scale < 1:
		return fmt.Errorf("scale must be at least 1, got %d", c.Camera.Scale)
	case c.Engine.Name != EnginePython && c.Engine.Name != EngineDlib:
		return fmt.Errorf("unknown engine %q (want %s or %s)", c.Engine.Name, EnginePython, EngineDlib)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
