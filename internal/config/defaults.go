package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keyboxd/
//   - Linux:   ~/.local/share/keyboxd/, or /var/lib/keyboxd/ for root
//   - Windows: %APPDATA%\keyboxd\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "keyboxd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "keyboxd")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "keyboxd")
	default:
		if os.Geteuid() == 0 {
			return "/var/lib/keyboxd"
		}
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "keyboxd")
		}
		return filepath.Join(homeDir(), ".local", "share", "keyboxd")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keyboxd/
//   - Linux:   ~/.config/keyboxd/, or /etc/keyboxd/ for root
//   - Windows: %APPDATA%\keyboxd\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return PlatformDataDir()
	default:
		if os.Geteuid() == 0 {
			return "/etc/keyboxd"
		}
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "keyboxd")
		}
		return filepath.Join(homeDir(), ".config", "keyboxd")
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "keyboxd")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "keyboxd", "logs")
		}
		return filepath.Join(PlatformDataDir(), "logs")
	default:
		if os.Geteuid() == 0 {
			return "/var/log/keyboxd"
		}
		return filepath.Join(PlatformDataDir(), "logs")
	}
}

// PlatformRuntimeDir returns the directory for the control socket.
//
// Platform paths:
//   - Linux:   /run/keyboxd/ for root, else $XDG_RUNTIME_DIR/keyboxd/ or /tmp/keyboxd-$UID/
//   - Others:  /tmp/keyboxd-$UID/
func PlatformRuntimeDir() string {
	if runtime.GOOS == "linux" {
		if os.Geteuid() == 0 {
			return "/run/keyboxd"
		}
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "keyboxd")
		}
	}
	return filepath.Join(os.TempDir(), "keyboxd-"+getUserID())
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

func getUserID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// DefaultPaths holds every default path for the current platform.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	LogDir     string
	RuntimeDir string

	ConfigFile string
	KeyboxFile string
	FlagsDB    string
	SocketPath string
	PIDFile    string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := DataDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  PlatformConfigDir(),
		LogDir:     PlatformLogDir(),
		RuntimeDir: runtimeDir,

		ConfigFile: ConfigPath(),
		KeyboxFile: filepath.Join(dataDir, KeyboxFileName),
		FlagsDB:    filepath.Join(dataDir, "flags.db"),
		SocketPath: filepath.Join(runtimeDir, "keyboxd.sock"),
		PIDFile:    filepath.Join(runtimeDir, "keyboxd.pid"),
	}
}

// SupportedConfigFormats lists accepted config file extensions.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory and then the config
// directory for keyboxd.{toml,json,yaml,yml}. Returns "" if none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "keyboxd."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
