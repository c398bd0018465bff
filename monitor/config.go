package monitor

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings in YAML (e.g. "30s", "2m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

type FileConfig struct {
	DB            string `yaml:"db"`
	PortalURL     string `yaml:"portal_url"`
	Year          int    `yaml:"year"`
	ApplicationID string `yaml:"application_id"`

	PollInterval Duration `yaml:"poll_interval"`

	// ListenAddr is where the websocket snapshot bridge serves UI clients.
	ListenAddr string `yaml:"listen_addr"`

	// When true, switching to a new application also restores all
	// permanently dismissed messages.
	RestoreDismissedOnNewApp bool `yaml:"restore_dismissed_on_new_app"`

	Debug bool `yaml:"debug"`
}

func DefaultConfig() *FileConfig {
	cfg := &FileConfig{}
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *FileConfig) applyDefaults() {
	if c.DB == "" {
		c.DB = "eae-monitor.db"
	}
	if c.Year == 0 {
		c.Year = time.Now().Year()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(30 * time.Second)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8931"
	}
}

func (c *FileConfig) Validate() error {
	if c.PortalURL == "" {
		return fmt.Errorf("portal_url is required")
	}
	return nil
}

// WatchConfig reloads the config file on change and hands the result to
// onChange, so the daemon can restart the poller with fresh settings.
// Events are debounced because editors and the portal browser extension
// both tend to write the file in several bursts. Returns a stop function.
func WatchConfig(path string, onChange func(*FileConfig)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save,
	// which drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var debounce <-chan time.Time
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce = time.After(200 * time.Millisecond)
			case <-debounce:
				debounce = nil
				cfg, err := LoadConfig(path)
				if err != nil {
					log.Printf("reload config: %v", err)
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watch: %v", err)
			}
		}
	}()
	return func() {
		close(done)
		watcher.Close()
	}, nil
}
