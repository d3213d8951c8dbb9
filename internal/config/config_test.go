package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("KEYBOXD_DATA_DIR", "/var/lib/keyboxd-test")

	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Keybox.Path != "/var/lib/keyboxd-test/user_keybox.xml" {
		t.Errorf("keybox path = %s", cfg.Keybox.Path)
	}
	if cfg.Flags.SpoofEnabledKey != "persist.sys.pihooks.enable.key_attestation_spoof" {
		t.Errorf("spoof key = %s", cfg.Flags.SpoofEnabledKey)
	}
	if cfg.Flags.UseXMLKey != "persist.sys.pihooks.key_attestation_use_xml" {
		t.Errorf("use xml key = %s", cfg.Flags.UseXMLKey)
	}
	if cfg.Flags.Backend != "sqlite" {
		t.Errorf("flags backend = %s", cfg.Flags.Backend)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}

	mode, err := cfg.KeyboxFileMode()
	if err != nil || mode != 0600 {
		t.Errorf("KeyboxFileMode = %o, %v", mode, err)
	}
	if cfg.ReloadTimeout() != 10*time.Second {
		t.Errorf("ReloadTimeout = %v", cfg.ReloadTimeout())
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "keyboxd.toml") {
		t.Errorf("expected path ending with keyboxd.toml, got %s", path)
	}
}

func TestGetDefaultPaths(t *testing.T) {
	t.Setenv("KEYBOXD_DATA_DIR", t.TempDir())

	paths := GetDefaultPaths()
	if filepath.Base(paths.KeyboxFile) != KeyboxFileName {
		t.Errorf("keybox file = %s", paths.KeyboxFile)
	}
	if filepath.Base(paths.SocketPath) != "keyboxd.sock" {
		t.Errorf("socket path = %s", paths.SocketPath)
	}
	if strings.ContainsRune(paths.RuntimeDir, 0) {
		t.Errorf("runtime dir contains NUL: %q", paths.RuntimeDir)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("version = %d", cfg.Version)
	}
}

func TestLoadFormats(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"keyboxd.toml": `
version = 1
[keybox]
path = "/data/system/user_keybox.xml"
[flags]
backend = "propfile"
path = "/data/system/keyboxd.props"
`,
		"keyboxd.json": `{"version":1,"keybox":{"path":"/data/system/user_keybox.xml"},"flags":{"backend":"propfile","path":"/data/system/keyboxd.props"}}`,
		"keyboxd.yaml": `
version: 1
keybox:
  path: /data/system/user_keybox.xml
flags:
  backend: propfile
  path: /data/system/keyboxd.props
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Keybox.Path != "/data/system/user_keybox.xml" {
				t.Errorf("keybox path = %s", cfg.Keybox.Path)
			}
			if cfg.Flags.Backend != "propfile" {
				t.Errorf("flags backend = %s", cfg.Flags.Backend)
			}
			// Unset fields keep their defaults.
			if cfg.Keybox.MaxSizeBytes != 1<<20 {
				t.Errorf("max size = %d", cfg.Keybox.MaxSizeBytes)
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyboxd.toml")
	os.WriteFile(path, []byte("[keybox\npath = "), 0600)

	if _, err := Load(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KEYBOXD_KEYBOX_PATH", "/tmp/override.xml")
	t.Setenv("KEYBOXD_FLAGS_BACKEND", "memory")
	t.Setenv("KEYBOXD_LOG_LEVEL", "debug")
	t.Setenv("KEYBOXD_SOCKET_PATH", "/tmp/k.sock")
	t.Setenv("KEYBOXD_ATTESTATION_BUS", "session")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Keybox.Path != "/tmp/override.xml" {
		t.Errorf("keybox path = %s", cfg.Keybox.Path)
	}
	if cfg.Flags.Backend != "memory" {
		t.Errorf("flags backend = %s", cfg.Flags.Backend)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	if cfg.IPC.SocketPath != "/tmp/k.sock" {
		t.Errorf("socket = %s", cfg.IPC.SocketPath)
	}
	if cfg.Attestation.Bus != "session" {
		t.Errorf("bus = %s", cfg.Attestation.Bus)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"relative keybox path", func(c *Config) { c.Keybox.Path = "user_keybox.xml" }, "keybox.path"},
		{"keybox path traversal", func(c *Config) { c.Keybox.Path = "/data/system/../../etc/keybox.xml" }, "keybox.path"},
		{"zero max size", func(c *Config) { c.Keybox.MaxSizeBytes = 0 }, "keybox.max_size_bytes"},
		{"bad file mode", func(c *Config) { c.Keybox.FileMode = "rw-------" }, "keybox.file_mode"},
		{"unknown flags backend", func(c *Config) { c.Flags.Backend = "etcd" }, "flags.backend"},
		{"same flag keys", func(c *Config) { c.Flags.UseXMLKey = c.Flags.SpoofEnabledKey }, "flags.use_xml_key"},
		{"bad bus", func(c *Config) { c.Attestation.Bus = "tcp" }, "attestation.bus"},
		{"bad object path", func(c *Config) { c.Attestation.ObjectPath = "org/keyboxd" }, "attestation.object_path"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad ipc perms", func(c *Config) { c.IPC.Permissions = "999" }, "ipc.permissions"},
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error does not match ErrInvalidConfig: %v", err)
			}

			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("error is %T, want ValidationErrors", err)
			}
			found := false
			for _, f := range verrs.Fields() {
				if f == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("fields %v do not include %s", verrs.Fields(), tt.field)
			}
		})
	}
}

func TestAttestationNoneSkipsBusChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Attestation.Backend = "none"
	cfg.Attestation.Bus = ""
	cfg.Attestation.ObjectPath = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"keyboxd.toml", "keyboxd.json", "keyboxd.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			cfg := DefaultConfig()
			cfg.Keybox.Path = "/data/system/user_keybox.xml"
			cfg.IPC.WriteUIDs = []uint32{1000, 1001}

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Keybox.Path != cfg.Keybox.Path {
				t.Errorf("keybox path = %s", loaded.Keybox.Path)
			}
			if len(loaded.IPC.WriteUIDs) != 2 || loaded.IPC.WriteUIDs[1] != 1001 {
				t.Errorf("write uids = %v", loaded.IPC.WriteUIDs)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyboxd.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil || !created {
		t.Fatalf("first LoadOrCreate = %v, %v", created, err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil || created {
		t.Fatalf("second LoadOrCreate = %v, %v", created, err)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPC.WriteUIDs = []uint32{1000}

	clone := cfg.Clone()
	clone.IPC.WriteUIDs[0] = 2000
	clone.Keybox.Path = "/elsewhere"

	if cfg.IPC.WriteUIDs[0] != 1000 || cfg.Keybox.Path == "/elsewhere" {
		t.Error("Clone shares state with the original")
	}
}

func TestLoaderWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyboxd.toml")

	cfg := DefaultConfig()
	cfg.Logging.Level = "info"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var (
		mu      sync.Mutex
		changed = make(chan struct{}, 1)
		oldLvl  string
		newLvl  string
	)
	loader.OnChange(func(old, new *Config) {
		mu.Lock()
		oldLvl, newLvl = old.Logging.Level, new.Logging.Level
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer loader.Close()

	cfg.Logging.Level = "debug"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if oldLvl != "info" || newLvl != "debug" {
		t.Errorf("callback saw %s -> %s", oldLvl, newLvl)
	}
	if loader.Config().Logging.Level != "debug" {
		t.Errorf("loader config level = %s", loader.Config().Logging.Level)
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyboxd.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	if err := loader.Watch(); err != nil {
		t.Fatal(err)
	}
	defer loader.Close()

	if err := os.WriteFile(path, []byte("version = 1\n[logging]\nlevel = \"loud\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-loader.Errors():
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported for invalid config")
	}

	if loader.Config().Logging.Level != "info" {
		t.Errorf("invalid config was applied: %s", loader.Config().Logging.Level)
	}
}

func TestLoaderReloadSnapshotsCallbacks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyboxd.toml")
	cfg := DefaultConfig()
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}

	var calls []string
	loader.OnChange(func(old, new *Config) {
		calls = append(calls, "first")
		// Registering from inside a callback must not deadlock or run
		// the new callback during this reload.
		loader.OnChange(func(old, new *Config) {
			calls = append(calls, "late")
		})
	})
	loader.OnChange(func(old, new *Config) {
		calls = append(calls, "second")
	})

	cfg.Logging.Level = "debug"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}
	loader.reload()

	if strings.Join(calls, ",") != "first,second" {
		t.Errorf("callbacks = %v", calls)
	}
	if loader.Config().Logging.Level != "debug" {
		t.Errorf("level = %s", loader.Config().Logging.Level)
	}
}
