package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanshare"
	// PortModeAutomatic picks an available session port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured session port value.
	PortModeFixed = "fixed"
	// DefaultSessionPort is the TCP port used in fixed mode with no override.
	DefaultSessionPort = 9999
	// configFileName is the persisted configuration file.
	configFileName = "config.toml"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID    string `toml:"device_id"`
	DeviceName  string `toml:"device_name"`
	SubLan      string `toml:"sublan"`
	PortMode    string `toml:"port_mode"`
	SessionPort int    `toml:"session_port"`
	BeaconPort  int    `toml:"beacon_port"`
	DownloadDir string `toml:"download_dir"`
	Debug       bool   `toml:"debug"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANSHARE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.toml from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.toml to disk.
func Save(path string, cfg *DeviceConfig) error {
	var builder strings.Builder
	if err := toml.NewEncoder(&builder).Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directories and config file exist, then
// returns the config along with the resolved data directory so callers never
// resolve it a second time.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

// GenerateDeviceID derives a stable identity of the form "name#xxxx": a
// human-readable handle plus a short random suffix so two devices with the
// same name stay distinguishable.
func GenerateDeviceID(name string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return sanitizeHandle(name) + "#" + suffix
}

func sanitizeHandle(name string) string {
	handle := strings.TrimSpace(name)
	handle = strings.ReplaceAll(handle, "#", "")
	handle = strings.ReplaceAll(handle, " ", "-")
	if handle == "" {
		handle = "device"
	}
	return handle
}

func defaultConfig(dataDir string) *DeviceConfig {
	deviceName := "lanshare-device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &DeviceConfig{
		DeviceID:    GenerateDeviceID(deviceName),
		DeviceName:  deviceName,
		PortMode:    PortModeAutomatic,
		SessionPort: 0,
		BeaconPort:  0,
		DownloadDir: filepath.Join(dataDir, "downloads"),
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceName == "" {
		deviceName := "lanshare-device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = GenerateDeviceID(cfg.DeviceName)
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.SessionPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.SessionPort == 0 {
		cfg.SessionPort = DefaultSessionPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.SessionPort < 0 {
		cfg.SessionPort = 0
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
