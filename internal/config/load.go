package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/con-j-e/featsync/internal/globalconfig"
	"github.com/con-j-e/featsync/internal/utils/pathutils"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix selects the environment overrides: FEATSYNC_CACHE__ROOT sets
// cache.root.
const EnvPrefix = "FEATSYNC_"

// envKey maps FEATSYNC_EDIT__SETTLE_DELAY to edit.settle_delay.
func envKey(s string) string {
	key := strings.TrimPrefix(s, EnvPrefix)
	key = strings.ReplaceAll(key, "__", ".")
	return strings.ToLower(key)
}

// Load reads path, or the default location when path is empty. A missing
// default file is not an error; a missing explicit one is.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		def, err := globalconfig.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = def
	}
	path, err := pathutils.Expand(path)
	if err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	loaded := ""
	switch _, err := os.Stat(path); {
	case err == nil:
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
		loaded = path
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Path = loaded
	if err := cfg.finalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// finalize fills path defaults that depend on the environment.
func (c *Config) finalize() error {
	if c.Cache.Root == "" {
		state, err := globalconfig.StateDir()
		if err != nil {
			return err
		}
		c.Cache.Root = filepath.Join(state, "cache")
	}
	if c.Auth.CacheFile == "" && c.Auth.Mode == "portal" {
		state, err := globalconfig.StateDir()
		if err != nil {
			return err
		}
		c.Auth.CacheFile = filepath.Join(state, "token.json")
	}
	for _, p := range []*string{&c.Cache.Root, &c.Auth.CacheFile, &c.Metrics.Textfile, &c.HTTP.CAFile, &c.FieldMapsFile} {
		if *p == "" {
			continue
		}
		expanded, err := pathutils.Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}
