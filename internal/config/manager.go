package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "VISION_COORD"

// Manager owns the loaded configuration, watches the backing file for
// changes when hot reload is enabled, and notifies registered callbacks
// on every successful reload. Grounded on the reference service's
// ConfigManager (viper + fsnotify + debounced reload).
type Manager struct {
	mu     sync.RWMutex
	config *Config

	configPath      string
	updateCallbacks []func(*Config)

	watcher       *fsnotify.Watcher
	watcherActive int32
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewManager creates an empty, unloaded configuration manager.
func NewManager() *Manager {
	return &Manager{stopChan: make(chan struct{})}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.broker_host", "localhost")
	v.SetDefault("mqtt.broker_port", 1883)
	v.SetDefault("mqtt.topics", map[string]string{})

	v.SetDefault("storage.base_path", "./recordings")
	v.SetDefault("storage.max_file_size_mb", 0)
	v.SetDefault("storage.max_recording_duration_minutes", 0)
	v.SetDefault("storage.cleanup_older_than_days", 30)

	v.SetDefault("system.camera_check_interval_seconds", 10)
	v.SetDefault("system.log_level", "info")
	v.SetDefault("system.log_file", "")
	v.SetDefault("system.api_host", "0.0.0.0")
	v.SetDefault("system.api_port", 8000)
	v.SetDefault("system.enable_api", true)
	v.SetDefault("system.timezone", "UTC")
	v.SetDefault("system.auto_recording_enabled", true)
}

func cameraDefaults(cam *CameraConfig) {
	if cam.VideoFormat == "" {
		cam.VideoFormat = "mp4"
	}
	if cam.VideoCodec == "" {
		cam.VideoCodec = "mp4v"
	}
	if cam.VideoQuality == 0 {
		cam.VideoQuality = 90
	}
	if cam.BitDepth == 0 {
		cam.BitDepth = 8
	}
	if cam.AutoRecordingMaxRetries == 0 {
		cam.AutoRecordingMaxRetries = 3
	}
	if cam.AutoRecordingRetryDelaySeconds == 0 {
		cam.AutoRecordingRetryDelaySeconds = 5
	}
	if cam.PreviewFPS == 0 {
		cam.PreviewFPS = 10
	}
	if cam.PreviewQuality == 0 {
		cam.PreviewQuality = 70
	}
	if cam.WBRedGain == 0 {
		cam.WBRedGain = 1.0
	}
	if cam.WBGreenGain == 0 {
		cam.WBGreenGain = 1.0
	}
	if cam.WBBlueGain == 0 {
		cam.WBBlueGain = 1.0
	}
}

// Load reads the configuration file at path, applies defaults and
// environment overrides, validates the result, and stores it. It is
// safe to call again to reload.
func (m *Manager) Load(path string) error {
	if err := validateConfigFile(path); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(inferConfigType(path))
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}

	for i := range cfg.Cameras {
		cameraDefaults(&cfg.Cameras[i])
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.mu.Lock()
	m.config = &cfg
	m.configPath = path
	m.mu.Unlock()

	m.notifyUpdated(&cfg)

	if os.Getenv(envPrefix+"_ENABLE_HOT_RELOAD") == "true" {
		if err := m.startWatching(path); err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
	}
	return nil
}

func inferConfigType(path string) string {
	switch filepath.Ext(path) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

func validateConfigFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("config file is empty: %s", path)
	}
	return nil
}

// Get returns the currently loaded configuration. Callers receive the
// live pointer; they must not mutate it. Use Save to persist changes.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// AddUpdateCallback registers a function invoked after every successful
// Load or hot reload, on a background goroutine per callback with panic
// recovery.
func (m *Manager) AddUpdateCallback(cb func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCallbacks = append(m.updateCallbacks, cb)
}

func (m *Manager) notifyUpdated(cfg *Config) {
	m.mu.RLock()
	callbacks := make([]func(*Config), len(m.updateCallbacks))
	copy(callbacks, m.updateCallbacks)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb := cb
		go func() {
			defer func() { recover() }()
			cb(cfg)
		}()
	}
}

// Save writes the given configuration back to the manager's configured
// path via a fresh Viper instance, satisfying Config.load(save(c)) = c.
func (m *Manager) Save(cfg *Config) error {
	m.mu.RLock()
	path := m.configPath
	m.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no config path set; call Load first")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(inferConfigType(path))

	v.Set("mqtt", cfg.Bus)
	v.Set("storage", cfg.Storage)
	v.Set("system", cfg.System)
	v.Set("cameras", cfg.Cameras)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func (m *Manager) startWatching(path string) error {
	if !atomic.CompareAndSwapInt32(&m.watcherActive, 0, 1) {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		atomic.StoreInt32(&m.watcherActive, 0)
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		atomic.StoreInt32(&m.watcherActive, 0)
		return err
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchLoop(path)
	return nil
}

func (m *Manager) watchLoop(path string) {
	defer m.wg.Done()
	var debounce *time.Timer
	base := filepath.Base(path)

	for {
		select {
		case <-m.stopChan:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				if err := m.Load(path); err != nil {
					// Reload failures are non-fatal: the previous
					// configuration remains in effect.
					_ = err
				}
			})
		case _, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stop halts the file watcher, if running.
func (m *Manager) Stop() error {
	if atomic.CompareAndSwapInt32(&m.watcherActive, 1, 0) {
		close(m.stopChan)
		if m.watcher != nil {
			m.watcher.Close()
		}
		m.wg.Wait()
	}
	return nil
}
