package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all client configuration.
type Config struct {
	// ServerOrigin is the host the client syncs against. Sessions are
	// stamped with it and listings are filtered by it; empty means the
	// client runs offline against whatever the store already holds.
	ServerOrigin string `json:"server_origin"`
	// PageLimit is the history page size requested per pull.
	PageLimit int    `json:"page_limit,omitempty"`
	DataDir   string `json:"data_dir"`
	DBPath    string `json:"-"`
	// AuthToken is the bearer credential a sync.Transport implementation
	// presents on history and incremental pulls; the embedded core never
	// reads it. Never written back to the config file by this package;
	// the user manages it.
	AuthToken string `json:"auth_token,omitempty"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".mirrorlog")
	return Config{
		PageLimit: 200,
		DataDir:   dataDir,
		DBPath:    filepath.Join(dataDir, "mirrorlog.db"),
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file, and env,
// without parsing CLI flags. Use this for subcommands that manage
// their own flag sets.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	cfg.loadEnv()
	cfg.DBPath = filepath.Join(cfg.DataDir, "mirrorlog.db")
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		ServerOrigin string `json:"server_origin"`
		PageLimit    int    `json:"page_limit"`
		AuthToken    string `json:"auth_token"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.ServerOrigin != "" {
		c.ServerOrigin = file.ServerOrigin
	}
	if file.PageLimit > 0 {
		c.PageLimit = file.PageLimit
	}
	if file.AuthToken != "" {
		c.AuthToken = file.AuthToken
	}
	return nil
}

// loadEnv applies environment overrides. Env wins over the config file
// because loadFile runs first.
func (c *Config) loadEnv() {
	if v := os.Getenv("MIRRORLOG_ORIGIN"); v != "" {
		c.ServerOrigin = v
	}
	if v := os.Getenv("MIRRORLOG_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("MIRRORLOG_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// RegisterCommonFlags registers the flags shared by every subcommand.
// The caller must call fs.Parse before passing fs to Load.
func RegisterCommonFlags(fs *flag.FlagSet) {
	fs.String("origin", "", "Server origin to sync against")
	fs.String("db", "", "Database path")
	fs.Int("page-limit", 200, "History page size per pull")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			cfg.ServerOrigin = f.Value.String()
		case "db":
			cfg.DBPath = f.Value.String()
		case "page-limit":
			// flag already validated the int; ignore parse error
			cfg.PageLimit, _ = strconv.Atoi(f.Value.String())
		}
	})
}

// SaveOrigin persists the server origin to the config file, preserving
// any unrecognized keys an older or newer build may have written.
func (c *Config) SaveOrigin(origin string) error {
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	existing := make(map[string]any)
	data, err := os.ReadFile(c.configPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf(
				"existing config is invalid, cannot update: %w",
				err,
			)
		}
	}

	existing["server_origin"] = origin
	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(c.configPath(), out, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	c.ServerOrigin = origin
	return nil
}
