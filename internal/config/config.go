// Package config loads the operator configuration: which project and region
// the tool acts on, where the fleet spec YAML lives, and the network the
// infrastructure program provisions. The fleet's declared state itself is in
// the spec file, not here.
package config

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/oauth2/google"
)

// Config holds tool configuration loaded from statefleet.json.
type Config struct {
	ProjectID  string `json:"project_id"`
	Region     string `json:"region"`
	Zone       string `json:"zone"`
	SpecPath   string `json:"spec_path"`
	Network    string `json:"network"`
	Subnet     string `json:"subnet"`
	SubnetCIDR string `json:"subnet_cidr"`
	// Domain is the private DNS domain (trailing dot). Empty disables DNS.
	Domain     string `json:"domain"`
	DisableKMS bool   `json:"disable_kms"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "statefleet", "statefleet.json")
}

func configPathOrDefault(path string) string {
	if path != "" {
		return path
	}
	return defaultConfigPath()
}

// Load reads and validates config from file. Fails if the file is missing.
func Load(path string) (*Config, error) {
	path = configPathOrDefault(path)

	data, err := os.ReadFile(path) //nolint:gosec // path from known config dir
	if err != nil {
		return nil, fmt.Errorf("config not found: %s\nRun 'statefleet configure' first", path)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("config must include project_id")
	}
	return &cfg, nil
}

// LoadIfExists reads config from file if present. Returns nil when absent or
// unparseable, so configure can start from a clean slate.
func LoadIfExists(path string) *Config {
	path = configPathOrDefault(path)
	data, err := os.ReadFile(path) //nolint:gosec // path from known config dir
	if err != nil {
		return nil
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	return &cfg
}

// ApplyDefaults fills in default values for empty config fields.
func (c *Config) ApplyDefaults() {
	if c.Region == "" {
		if c.Zone != "" {
			parts := strings.Split(c.Zone, "-")
			if len(parts) >= 3 {
				c.Region = strings.Join(parts[:len(parts)-1], "-")
			}
		}
		if c.Region == "" {
			c.Region = "europe-west1"
		}
	}
	if c.Zone == "" {
		c.Zone = c.Region + "-b"
	}
	if c.SpecPath == "" {
		c.SpecPath = "fleet.yaml"
	}
	if c.Network == "" {
		c.Network = "statefleet"
	}
	if c.Subnet == "" {
		c.Subnet = "statefleet-subnet"
	}
	if c.SubnetCIDR == "" {
		c.SubnetCIDR = "10.20.0.0/24"
	}
}

// InferProjectID gets the GCP project ID from Application Default
// Credentials. For authorized_user credentials, ProjectID is empty so we
// fall back to quota_project_id from the raw credential JSON.
func InferProjectID() string {
	creds, err := google.FindDefaultCredentials(context.Background())
	if err != nil {
		return ""
	}
	if creds.ProjectID != "" {
		return creds.ProjectID
	}
	if creds.JSON != nil {
		var f struct {
			QuotaProjectID string `json:"quota_project_id"`
		}
		if json.Unmarshal(creds.JSON, &f) == nil && f.QuotaProjectID != "" {
			return f.QuotaProjectID
		}
	}
	return ""
}

// Save writes the config to the config file.
func (c *Config) Save(path string) error {
	path = configPathOrDefault(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}

// PromptString prompts the user for a string value with a default.
func PromptString(label, defaultVal string) string {
	reader := bufio.NewReader(os.Stdin)
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("  %s: ", label)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

// PromptInt prompts the user for an integer value with a default.
func PromptInt(label string, defaultVal int) int {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("  %s [%d]: ", label, defaultVal)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(input)
	if err != nil {
		return defaultVal
	}
	return val
}

// StateDir returns the local Pulumi state directory path.
func StateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "statefleet", "state"), nil
}
