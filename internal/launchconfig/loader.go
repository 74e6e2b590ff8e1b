package launchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ctagard/codetrace/internal/errors"
)

const (
	// LaunchDirName is the directory holding the launch file.
	LaunchDirName = ".codetrace"
)

// LaunchFileNames are the accepted launch file names, in lookup order.
var LaunchFileNames = []string{"launch.json", "launch.yaml", "launch.yml"}

// LoadFromPath loads a launch file from an explicit path. YAML is used for
// .yaml and .yml files, JSON otherwise.
func LoadFromPath(path string) (*LaunchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch file: %w", err)
	}

	var lf LaunchFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &lf)
	default:
		err = DecodeJSON(data, &lf)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	return &lf, nil
}

// Discover searches for a .codetrace launch file starting from the given path
// and walking up the directory tree until found or reaching the root.
func Discover(startPath string) (string, error) {
	if startPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		startPath = cwd
	}

	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	// If startPath is a file, start from its directory
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		absPath = filepath.Dir(absPath)
	}

	current := absPath
	for {
		for _, name := range LaunchFileNames {
			launchPath := filepath.Join(current, LaunchDirName, name)
			if _, err := os.Stat(launchPath); err == nil {
				return launchPath, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			// Reached root
			break
		}
		current = parent
	}

	return "", fmt.Errorf("no %s/launch.{json,yaml} found in %s or parent directories", LaunchDirName, startPath)
}

// LoadAndDiscover combines discovery and loading.
func LoadAndDiscover(startPath string) (*LaunchFile, string, error) {
	path, err := Discover(startPath)
	if err != nil {
		return nil, "", err
	}

	lf, err := LoadFromPath(path)
	if err != nil {
		return nil, "", err
	}

	return lf, path, nil
}

// FindConfiguration finds a configuration by name.
func FindConfiguration(lf *LaunchFile, name string) (*Configuration, error) {
	for i := range lf.Configurations {
		if lf.Configurations[i].Name == name {
			return &lf.Configurations[i], nil
		}
	}
	return nil, errors.ConfigNotFound(name, ListConfigurationNames(lf))
}

// FindCompound finds a compound configuration by name.
func FindCompound(lf *LaunchFile, name string) (*CompoundConfig, error) {
	for i := range lf.Compounds {
		if lf.Compounds[i].Name == name {
			return &lf.Compounds[i], nil
		}
	}
	return nil, errors.ConfigNotFound(name, ListCompoundNames(lf))
}

// ListConfigurationNames returns a list of all configuration names.
func ListConfigurationNames(lf *LaunchFile) []string {
	names := make([]string, len(lf.Configurations))
	for i, cfg := range lf.Configurations {
		names[i] = cfg.Name
	}
	return names
}

// ListCompoundNames returns a list of all compound configuration names.
func ListCompoundNames(lf *LaunchFile) []string {
	names := make([]string, len(lf.Compounds))
	for i, compound := range lf.Compounds {
		names[i] = compound.Name
	}
	return names
}

// ConfigurationInfo provides summary information about a configuration.
type ConfigurationInfo struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Request  string `json:"request"`
	Program  string `json:"program,omitempty"`
}

// ListConfigurations returns summary information about all configurations.
func ListConfigurations(lf *LaunchFile) []ConfigurationInfo {
	infos := make([]ConfigurationInfo, len(lf.Configurations))
	for i := range lf.Configurations {
		cfg := &lf.Configurations[i]
		infos[i] = ConfigurationInfo{
			Name:     cfg.Name,
			Language: string(cfg.GetLanguage()),
			Request:  cfg.Request,
			Program:  cfg.Program,
		}
	}
	return infos
}

// CompoundInfo provides summary information about a compound configuration.
type CompoundInfo struct {
	Name           string   `json:"name"`
	Configurations []string `json:"configurations"`
	StopAll        bool     `json:"stopAll"`
}

// ListCompounds returns summary information about all compound configurations.
func ListCompounds(lf *LaunchFile) []CompoundInfo {
	infos := make([]CompoundInfo, len(lf.Compounds))
	for i, compound := range lf.Compounds {
		infos[i] = CompoundInfo{
			Name:           compound.Name,
			Configurations: compound.Configurations,
			StopAll:        compound.StopAll,
		}
	}
	return infos
}

// FindInput finds an input configuration by ID.
func FindInput(lf *LaunchFile, id string) (*InputConfig, error) {
	for i := range lf.Inputs {
		if lf.Inputs[i].ID == id {
			return &lf.Inputs[i], nil
		}
	}
	return nil, fmt.Errorf("input %q not found", id)
}

// GetWorkspaceFolder derives the workspace folder from the launch file path.
// The workspace folder is the parent of the .codetrace directory.
// Returns POSIX-style paths (forward slashes) for cross-platform consistency.
func GetWorkspaceFolder(launchPath string) string {
	return filepath.ToSlash(filepath.Dir(filepath.Dir(launchPath)))
}

// ValidateConfiguration performs basic validation on a configuration.
func ValidateConfiguration(cfg *Configuration) error {
	if cfg.Name == "" {
		return fmt.Errorf("configuration name is required")
	}
	if cfg.Request == "" {
		return fmt.Errorf("configuration request is required")
	}
	if _, ok := cfg.GetKind(); !ok {
		return fmt.Errorf("configuration request must be 'run', 'debug' or 'profile', got %q", cfg.Request)
	}
	switch {
	case cfg.Program == "" && cfg.Source == "":
		return fmt.Errorf("one of program or source is required")
	case cfg.Program != "" && cfg.Source != "":
		return fmt.Errorf("program and source are mutually exclusive")
	}
	if cfg.GetLanguage() == "" {
		return fmt.Errorf("language is required when it cannot be inferred from the program")
	}
	if cfg.Repeat < 0 {
		return fmt.Errorf("repeat must not be negative, got %d", cfg.Repeat)
	}
	for i, bp := range cfg.Breakpoints {
		if bp.Line <= 0 {
			return fmt.Errorf("breakpoints[%d]: line must be positive, got %d", i, bp.Line)
		}
	}
	if _, err := ParseActions(cfg.Actions); err != nil {
		return err
	}
	return nil
}

// ValidateLaunchFile performs validation on the entire launch file.
func ValidateLaunchFile(lf *LaunchFile) []error {
	var errs []error

	configNames := make(map[string]bool)
	for i := range lf.Configurations {
		cfg := &lf.Configurations[i]
		if err := ValidateConfiguration(cfg); err != nil {
			errs = append(errs, fmt.Errorf("configuration[%d]: %w", i, err))
		}
		if configNames[cfg.Name] {
			errs = append(errs, fmt.Errorf("configuration[%d]: duplicate name %q", i, cfg.Name))
		}
		configNames[cfg.Name] = true
	}

	// Validate compounds reference existing configurations
	for i, compound := range lf.Compounds {
		if compound.Name == "" {
			errs = append(errs, fmt.Errorf("compound[%d]: name is required", i))
		}
		for _, cfgName := range compound.Configurations {
			if !configNames[cfgName] {
				errs = append(errs, fmt.Errorf("compound %q references unknown configuration %q", compound.Name, cfgName))
			}
		}
	}

	for i, in := range lf.Inputs {
		if in.ID == "" {
			errs = append(errs, fmt.Errorf("input[%d]: id is required", i))
		}
	}

	return errs
}
