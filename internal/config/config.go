// Package config loads the gotq settings from a YAML file and the
// environment, and shares them with running jobs.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"
)

var logger = loggo.GetLogger("gotq.config")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOTQ_"

type (
	// Retry is the per-chunk retry budget.
	Retry struct {
		Attempts int           `yaml:"attempts"`
		Delay    time.Duration `yaml:"delay"`
	}

	// Settings is the application configuration.
	Settings struct {
		Server              string        `yaml:"server,omitempty"`
		Token               string        `yaml:"token,omitempty"`
		InstallDir          string        `yaml:"install_dir,omitempty"`
		MaxDownloadThreads  int           `yaml:"max_download_threads"`
		Retry               Retry         `yaml:"retry"`
		VerifyAfterDownload bool          `yaml:"verify_after_download"`
		StatsInterval       time.Duration `yaml:"stats_interval"`
		LogLevel            string        `yaml:"log_level,omitempty"`
		MetricsAddr         string        `yaml:"metrics_addr,omitempty"`
	}
)

// Default returns the settings used when nothing is configured.
func Default() Settings {
	return Settings{
		InstallDir:         defaultInstallDir(),
		MaxDownloadThreads: 4,
		Retry: Retry{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
		},
		VerifyAfterDownload: true,
		StatsInterval:       500 * time.Millisecond,
		LogLevel:            "<root>=INFO",
	}
}

func defaultInstallDir() string {

	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, "Games", "gotq")
	}

	return "gotq"
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Settings, error) {

	s := Default()

	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)

	if errors.Is(err, os.ErrNotExist) {
		logger.Debugf("no config at %s, using defaults", path)
		return s, nil
	}

	if err != nil {
		return s, errors.Annotatef(err, "reading config %s", path)
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, errors.Annotatef(err, "parsing config %s", path)
	}

	return s, errors.Trace(s.Validate())
}

// ApplyEnv overrides s with the GOTQ_* variables found by lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	str("SERVER", &s.Server)
	str("TOKEN", &s.Token)
	str("INSTALL_DIR", &s.InstallDir)
	str("LOG_LEVEL", &s.LogLevel)
	str("METRICS_ADDR", &s.MetricsAddr)

	if v, ok := lookup(EnvPrefix + "THREADS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.NotValidf("%sTHREADS %q", EnvPrefix, v)
		}
		s.MaxDownloadThreads = n
	}

	if v, ok := lookup(EnvPrefix + "RETRY_ATTEMPTS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.NotValidf("%sRETRY_ATTEMPTS %q", EnvPrefix, v)
		}
		s.Retry.Attempts = n
	}

	if v, ok := lookup(EnvPrefix + "VERIFY"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.NotValidf("%sVERIFY %q", EnvPrefix, v)
		}
		s.VerifyAfterDownload = b
	}

	return s.Validate()
}

// Merge copies the non-zero fields of over into s. Booleans cannot be told
// apart from unset and are left alone.
func (s *Settings) Merge(over Settings) {

	if over.Server != "" {
		s.Server = over.Server
	}

	if over.Token != "" {
		s.Token = over.Token
	}

	if over.InstallDir != "" {
		s.InstallDir = over.InstallDir
	}

	if over.MaxDownloadThreads != 0 {
		s.MaxDownloadThreads = over.MaxDownloadThreads
	}

	if over.Retry.Attempts != 0 {
		s.Retry.Attempts = over.Retry.Attempts
	}

	if over.Retry.Delay != 0 {
		s.Retry.Delay = over.Retry.Delay
	}

	if over.StatsInterval != 0 {
		s.StatsInterval = over.StatsInterval
	}

	if over.LogLevel != "" {
		s.LogLevel = over.LogLevel
	}

	if over.MetricsAddr != "" {
		s.MetricsAddr = over.MetricsAddr
	}
}

// Validate reports the first invalid field.
func (s Settings) Validate() error {

	switch {
	case s.MaxDownloadThreads < 1:
		return errors.NotValidf("max_download_threads %d", s.MaxDownloadThreads)
	case s.Retry.Attempts < 1:
		return errors.NotValidf("retry attempts %d", s.Retry.Attempts)
	case s.Retry.Delay <= 0:
		return errors.NotValidf("retry delay %s", s.Retry.Delay)
	case s.StatsInterval <= 0:
		return errors.NotValidf("stats_interval %s", s.StatsInterval)
	}

	return nil
}

// Store shares settings between the CLI and running jobs. Reads vastly
// outnumber writes.
type Store struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// NewStore returns a store holding s, saved to path on Save.
func NewStore(path string, s Settings) *Store {
	return &Store{path: path, settings: s}
}

// Get returns a copy of the settings.
func (st *Store) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.settings
}

// DownloadThreads returns the worker pool size of the next job.
func (st *Store) DownloadThreads() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.settings.MaxDownloadThreads
}

// Update applies fn to a copy and keeps it if it validates.
func (st *Store) Update(fn func(*Settings)) error {

	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.settings
	fn(&s)

	if err := s.Validate(); err != nil {
		return errors.Trace(err)
	}

	st.settings = s

	return nil
}

// Save writes the settings to the store path, replacing the previous file
// atomically.
func (st *Store) Save() error {

	st.mu.RLock()
	s, path := st.settings, st.path
	st.mu.RUnlock()

	if path == "" {
		return errors.NotValidf("empty config path")
	}

	data, err := yaml.Marshal(&s)

	if err != nil {
		return errors.Trace(err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Trace(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")

	if err != nil {
		return errors.Trace(err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Trace(err)
	}

	if err := tmp.Close(); err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(os.Rename(tmp.Name(), path))
}
