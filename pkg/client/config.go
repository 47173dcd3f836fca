package client

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Connection ConnectionSection `toml:"connection"`
	Sync       SyncSection       `toml:"sync"`
	Local      LocalSection      `toml:"local"`
}

type ServerSection struct {
	BaseURL   string `toml:"base_url"`
	SocketURL string `toml:"socket_url"`
}

type ConnectionSection struct {
	AutoReconnect            bool `toml:"auto_reconnect"`
	ReconnectMaxDelaySeconds int  `toml:"reconnect_max_delay_seconds"`
	CallTimeoutMillis        int  `toml:"call_timeout_ms"`
}

type SyncSection struct {
	PageSize int `toml:"page_size"`
}

type LocalSection struct {
	StateDB string `toml:"state_db"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s (line %d)", e.Message, e.LineNumber)
	}
	return e.Message
}

// getXDGDataHome returns the XDG data directory
func getXDGDataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "share")
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	dataHome := getXDGDataHome()
	stateDB := filepath.Join(dataHome, "stagedoor", "state.db")

	return TOMLConfig{
		Server: ServerSection{
			BaseURL:   "https://api.stagedoor.events/v1",
			SocketURL: "wss://push.stagedoor.events/socket",
		},
		Connection: ConnectionSection{
			AutoReconnect:            true,
			ReconnectMaxDelaySeconds: 30,
			CallTimeoutMillis:        5000,
		},
		Sync: SyncSection{
			PageSize: 50,
		},
		Local: LocalSection{
			StateDB: stateDB,
		},
	}
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	// Expand ~ in path
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		lineNum := extractLineNumber(err.Error())
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    cleanErrorMessage(err.Error()),
			LineNumber: lineNum,
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    err.Error(),
			LineNumber: 0,
		}
	}

	return config, nil
}

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	re := regexp.MustCompile(`line (\d+)`)
	matches := re.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

// cleanErrorMessage removes redundant parts from error messages
func cleanErrorMessage(errMsg string) string {
	return strings.TrimPrefix(errMsg, "toml: ")
}

// validateConfig validates configuration values
func validateConfig(config *TOMLConfig) error {
	var errors []string

	if strings.TrimSpace(config.Server.BaseURL) == "" {
		errors = append(errors, "Server base URL cannot be empty")
	}
	if strings.TrimSpace(config.Server.SocketURL) == "" {
		errors = append(errors, "Socket URL cannot be empty")
	} else if !strings.HasPrefix(config.Server.SocketURL, "ws://") && !strings.HasPrefix(config.Server.SocketURL, "wss://") {
		errors = append(errors, fmt.Sprintf("Invalid socket URL scheme: %q (must be ws:// or wss://)", config.Server.SocketURL))
	}

	if config.Connection.ReconnectMaxDelaySeconds < 0 {
		errors = append(errors, "Reconnect max delay cannot be negative")
	}
	if config.Connection.CallTimeoutMillis < 0 {
		errors = append(errors, "Call timeout cannot be negative")
	}

	if config.Sync.PageSize < 1 || config.Sync.PageSize > 200 {
		errors = append(errors, fmt.Sprintf("Invalid page size: %d (must be 1-200)", config.Sync.PageSize))
	}

	if strings.TrimSpace(config.Local.StateDB) == "" {
		errors = append(errors, "State database path cannot be empty")
	}

	if len(errors) > 0 {
		return fmt.Errorf("Configuration validation failed:\n  • %s", strings.Join(errors, "\n  • "))
	}

	return nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# StageDoor Client Configuration
# This file was auto-generated with default values
# Edit as needed - changes take effect on next start

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// GetStateDBPath returns the state database path with ~ expanded
func (c *TOMLConfig) GetStateDBPath() (string, error) {
	path := c.Local.StateDB
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
