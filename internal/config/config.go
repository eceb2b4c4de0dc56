// Package config loads run settings from a JSON file, a .env file, CQ_*
// environment variables and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"

	"cell-quantifier/internal/models"
)

const (
	EnvPrefix        = "CQ_"
	DefaultFile      = "cell-quantifier.json"
	DefaultModelsDir = "cell-quantifier-toolkit-models"
)

type Config struct {
	ProjectDir       string `json:"project_dir" validate:"required"`
	ModelsDir        string `json:"models_dir"`
	PixelClassifier  string `json:"pixel_classifier" validate:"required"`
	ObjectClassifier string `json:"object_classifier" validate:"required"`
	IlastikPath      string `json:"ilastik_path"`

	// Checkpoint artifact extension
	ArtifactExt string `json:"artifact_ext" validate:"oneof=tif tiff"`

	MinParticleSize          float64 `json:"min_particle_size" validate:"gte=0"`
	ExcludeEdges             bool    `json:"exclude_edges"`
	WatershedFraction        float64 `json:"watershed_fraction" validate:"gt=0,lt=1"`
	ClassifierTimeoutSeconds int     `json:"classifier_timeout_seconds" validate:"gte=0"`

	LogLevel    string `json:"log_level" validate:"oneof=debug info warn warning error"`
	LogFile     string `json:"log_file"`
	EventBuffer int    `json:"event_buffer" validate:"gte=1"`
}

func DefaultConfig() *Config {
	return &Config{
		ProjectDir:               ".",
		ModelsDir:                defaultModelsDir(),
		PixelClassifier:          "PIXEL_cFosDAB_TiffIO_Generic",
		ObjectClassifier:         "OBJECT_cFosDAB_TiffIO_Generic",
		IlastikPath:              "run_ilastik.sh",
		ArtifactExt:              "tif",
		MinParticleSize:          20,
		ExcludeEdges:             true,
		WatershedFraction:        0.5,
		ClassifierTimeoutSeconds: 0,
		LogLevel:                 "info",
		EventBuffer:              256,
	}
}

func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultModelsDir
	}
	return filepath.Join(home, DefaultModelsDir)
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := jsoniter.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := jsoniter.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ApplyEnv overlays values from envFile (if present) and then from the process
// environment. Keys are the JSON names upper-cased with the CQ_ prefix.
func (c *Config) ApplyEnv(envFile string) error {
	values := map[string]string{}
	if envFile != "" {
		fileValues, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read %s: %w", envFile, err)
		}
		for k, v := range fileValues {
			values[k] = v
		}
	}

	for _, f := range c.fields() {
		key := EnvPrefix + strings.ToUpper(f.name)
		v, ok := os.LookupEnv(key)
		if !ok {
			v, ok = values[key]
		}
		if !ok {
			continue
		}
		if err := f.set(v); err != nil {
			return models.NewValidationError(key, v, err.Error())
		}
	}
	return nil
}

// BindFlags registers one flag per field, defaulting to the current values,
// so parsing fs overrides whatever was loaded before.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ProjectDir, "project", c.ProjectDir, "project root directory")
	fs.StringVar(&c.ModelsDir, "models-dir", c.ModelsDir, "directory holding trained .ilp projects")
	fs.StringVar(&c.PixelClassifier, "pixel-classifier", c.PixelClassifier, "pixel classifier name or .ilp path")
	fs.StringVar(&c.ObjectClassifier, "object-classifier", c.ObjectClassifier, "object classifier name or .ilp path")
	fs.StringVar(&c.IlastikPath, "ilastik", c.IlastikPath, "ilastik launcher executable")
	fs.StringVar(&c.ArtifactExt, "artifact-ext", c.ArtifactExt, "checkpoint artifact extension")
	fs.Float64Var(&c.MinParticleSize, "min-size", c.MinParticleSize, "minimum object area in pixels")
	fs.BoolVar(&c.ExcludeEdges, "exclude-edges", c.ExcludeEdges, "drop objects touching the region edge")
	fs.Float64Var(&c.WatershedFraction, "watershed-fraction", c.WatershedFraction, "seed threshold as a fraction of peak distance")
	fs.IntVar(&c.ClassifierTimeoutSeconds, "classifier-timeout", c.ClassifierTimeoutSeconds, "seconds per classifier call, 0 for none")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "rotating log file path")
}

// Validate checks field constraints and reports the first violation.
func (c *Config) Validate() error {
	c.ArtifactExt = strings.TrimPrefix(strings.ToLower(c.ArtifactExt), ".")
	c.LogLevel = strings.ToLower(c.LogLevel)

	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return models.NewValidationError(fe.Field(), fe.Value(), fmt.Sprintf("must satisfy %s %s", fe.Tag(), fe.Param()))
	}
	return err
}

type field struct {
	name string
	set  func(string) error
}

func (c *Config) fields() []field {
	str := func(dst *string) func(string) error {
		return func(v string) error {
			*dst = v
			return nil
		}
	}
	num := func(dst *float64) func(string) error {
		return func(v string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return err
			}
			*dst = f
			return nil
		}
	}
	integer := func(dst *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*dst = n
			return nil
		}
	}
	boolean := func(dst *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*dst = b
			return nil
		}
	}

	return []field{
		{"project_dir", str(&c.ProjectDir)},
		{"models_dir", str(&c.ModelsDir)},
		{"pixel_classifier", str(&c.PixelClassifier)},
		{"object_classifier", str(&c.ObjectClassifier)},
		{"ilastik_path", str(&c.IlastikPath)},
		{"artifact_ext", str(&c.ArtifactExt)},
		{"min_particle_size", num(&c.MinParticleSize)},
		{"exclude_edges", boolean(&c.ExcludeEdges)},
		{"watershed_fraction", num(&c.WatershedFraction)},
		{"classifier_timeout_seconds", integer(&c.ClassifierTimeoutSeconds)},
		{"log_level", str(&c.LogLevel)},
		{"log_file", str(&c.LogFile)},
		{"event_buffer", integer(&c.EventBuffer)},
	}
}
