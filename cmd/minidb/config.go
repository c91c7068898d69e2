// Optional JSONC config file support, so a data directory and WAL sync mode
// can live in a checked-in file instead of only environment variables.
//
// Grounded on calvinalkan-agent-task's config.go: global file under
// $XDG_CONFIG_HOME (or ~/.config), then a project file in the working
// directory, each layer overriding the previous one, parsed with
// tailscale/hujson so comments and trailing commas are tolerated. Dropped
// the teacher's CLI-override-path plumbing and editor field — minidb has no
// per-invocation config flag and no editor concept.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// fileConfig is the shape of both the global and project config files.
type fileConfig struct {
	DataDir string `json:"data_dir,omitempty"`
	WALSync string `json:"wal_sync,omitempty"`
}

const projectConfigName = ".minidb.json"

// loadFileConfig merges the global config file (if any) under the project
// config file (if any), project winning on conflicts. Either or both may be
// absent, in which case the zero value is returned for that layer.
func loadFileConfig(workDir string, environ []string) (fileConfig, error) {
	env := envMap(environ)

	var merged fileConfig

	if path := globalConfigPath(env); path != "" {
		cfg, loaded, err := readConfigFile(path)
		if err != nil {
			return fileConfig{}, err
		}
		if loaded {
			merged = mergeFileConfig(merged, cfg)
		}
	}

	projectPath := filepath.Join(workDir, projectConfigName)
	cfg, loaded, err := readConfigFile(projectPath)
	if err != nil {
		return fileConfig{}, err
	}
	if loaded {
		merged = mergeFileConfig(merged, cfg)
	}

	return merged, nil
}

func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "minidb", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "minidb", "config.json")
}

// readConfigFile reads and parses path as JSONC. A missing file is not an
// error: loaded is false and cfg is the zero value.
func readConfigFile(path string) (cfg fileConfig, loaded bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileConfig{}, false, nil
		}
		return fileConfig{}, false, fmt.Errorf("minidb: read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("minidb: invalid config %s: %w", path, err)
	}
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return fileConfig{}, false, fmt.Errorf("minidb: invalid config %s: %w", path, err)
	}
	return cfg, true, nil
}

func mergeFileConfig(base, overlay fileConfig) fileConfig {
	if overlay.DataDir != "" {
		base.DataDir = overlay.DataDir
	}
	if overlay.WALSync != "" {
		base.WALSync = overlay.WALSync
	}
	return base
}
