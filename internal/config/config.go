// Package config loads cellar settings.
//
// Values are layered lowest to highest: built-in defaults, the YAML config
// file, CELLAR_* environment variables, then command-line flags (applied by
// the caller). Paths left empty are derived from Root by Resolve.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved configuration.
type Config struct {
	// Root holds the cellar, opt and bin directories.
	Root string `yaml:"root"`

	// Cache holds downloaded archives and build logs. Defaults to <root>/cache.
	Cache string `yaml:"cache"`

	// DB is the SQLite receipt database. Defaults to <root>/cellar.db.
	DB string `yaml:"db"`

	// Recipes is the directory of CUE recipes. Defaults to <root>/recipes.
	Recipes string `yaml:"recipes"`

	// Jobs is the default build concurrency; 0 means the CPU count.
	Jobs int `yaml:"jobs"`

	Verify VerifyConfig `yaml:"verify"`
	Fetch  FetchConfig  `yaml:"fetch"`
	Patch  PatchConfig  `yaml:"patch"`
}

// VerifyConfig tunes smoke tests.
type VerifyConfig struct {
	// ReadLimit caps how many bytes of check output are parsed; 0 = all.
	ReadLimit int           `yaml:"read_limit"`
	Timeout   time.Duration `yaml:"timeout"`
}

// FetchConfig tunes downloads.
type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// PatchConfig tunes the patch applier.
type PatchConfig struct {
	MaxFuzz int `yaml:"max_fuzz"`
}

// Default returns the built-in configuration.
func Default() Config {
	root := "/usr/local/cellar"
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".cellar")
	}
	return Config{
		Root:   root,
		Verify: VerifyConfig{Timeout: 5 * time.Minute},
		Fetch:  FetchConfig{Timeout: 10 * time.Minute},
		Patch:  PatchConfig{MaxFuzz: 2},
	}
}

// DefaultPath is where the config file is looked for when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cellar", "config.yaml")
}

// Load builds a Config from defaults, the file at path and the environment.
//
// An explicit path (argument or CELLAR_CONFIG) must exist; the default
// location may be absent. getenv is usually os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		if p := getenv("CELLAR_CONFIG"); p != "" {
			path, explicit = p, true
		} else {
			path = DefaultPath()
		}
	}

	if path != "" {
		err := cfg.readFile(path)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	// Reject unknown keys so a typo like "max-fuzz" is not silently ignored.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	for name, dst := range map[string]*string{
		"CELLAR_ROOT":    &c.Root,
		"CELLAR_CACHE":   &c.Cache,
		"CELLAR_DB":      &c.DB,
		"CELLAR_RECIPES": &c.Recipes,
	} {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	if v := getenv("CELLAR_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CELLAR_JOBS: %w", err)
		}
		c.Jobs = n
	}
	return nil
}

// Resolve expands "~" and fills derived paths, then checks value ranges.
func (c *Config) Resolve() error {
	var err error
	if c.Root, err = expandHome(c.Root); err != nil {
		return err
	}
	if c.Root == "" {
		return errors.New("root is required")
	}
	derive := func(p *string, def string) error {
		if *p == "" {
			*p = filepath.Join(c.Root, def)
			return nil
		}
		*p, err = expandHome(*p)
		return err
	}
	if err := derive(&c.Cache, "cache"); err != nil {
		return err
	}
	if err := derive(&c.DB, "cellar.db"); err != nil {
		return err
	}
	if err := derive(&c.Recipes, "recipes"); err != nil {
		return err
	}

	switch {
	case c.Jobs < 0:
		return fmt.Errorf("jobs must be >= 0, got %d", c.Jobs)
	case c.Verify.ReadLimit < 0:
		return fmt.Errorf("verify.read_limit must be >= 0, got %d", c.Verify.ReadLimit)
	case c.Patch.MaxFuzz < 0:
		return fmt.Errorf("patch.max_fuzz must be >= 0, got %d", c.Patch.MaxFuzz)
	case c.Fetch.Timeout < 0 || c.Verify.Timeout < 0:
		return errors.New("timeouts must not be negative")
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
