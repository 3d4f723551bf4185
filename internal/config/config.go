// Package config loads parleyd settings from defaults, an optional config
// file, PARLEY_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "PARLEY"

// Keys understood by Load.
const (
	KeyControlAddr  = "control_addr"
	KeyUploadAddr   = "upload_addr"
	KeyHTTPAddr     = "http_addr"
	KeyStorageDir   = "storage_dir"
	KeyDataDir      = "data_dir"
	KeyPersistence  = "persistence"
	KeyMaxClients   = "max_clients"
	KeyPollInterval = "poll_interval"
	KeyTransferWait = "transfer_wait"
	KeyAckTimeout   = "ack_timeout"
	KeyChunkSize    = "chunk_size"
	KeyRateLimit    = "rate_limit"
	KeyRateBurst    = "rate_burst"
	KeyHelpFile     = "help_file"
	KeyCreditsFile  = "credits_file"
	KeyMetrics      = "log.metrics_interval"
	KeyDebug        = "log.debug"
)

// Persistence backends.
const (
	PersistenceSQLite = "sqlite"
	PersistenceFile   = "file"
)

// Config is the resolved server configuration.
type Config struct {
	ControlAddr  string
	UploadAddr   string
	HTTPAddr     string
	StorageDir   string
	DataDir      string
	Persistence  string
	MaxClients   int
	PollInterval time.Duration
	TransferWait time.Duration
	AckTimeout   time.Duration
	ChunkSize    int
	RateLimit    float64
	RateBurst    int
	HelpFile     string
	CreditsFile  string
	// MetricsInterval is how often traffic counters are logged; zero
	// disables it.
	MetricsInterval time.Duration
	Debug           bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ControlAddr:  ":8888",
		UploadAddr:   ":9876",
		StorageDir:   "./uploads",
		DataDir:      "./data",
		Persistence:  PersistenceSQLite,
		MaxClients:   100,
		PollInterval: time.Second,
		TransferWait: 30 * time.Second,
		AckTimeout:   5 * time.Second,
		ChunkSize:    1024,
		RateLimit:    50,
		RateBurst:    100,
		HelpFile:     "help.txt",
		CreditsFile:  "credits.txt",

		MetricsInterval: time.Minute,
	}
}

// SetDefaults registers Default() on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyControlAddr, d.ControlAddr)
	v.SetDefault(KeyUploadAddr, d.UploadAddr)
	v.SetDefault(KeyHTTPAddr, d.HTTPAddr)
	v.SetDefault(KeyStorageDir, d.StorageDir)
	v.SetDefault(KeyDataDir, d.DataDir)
	v.SetDefault(KeyPersistence, d.Persistence)
	v.SetDefault(KeyMaxClients, d.MaxClients)
	v.SetDefault(KeyPollInterval, d.PollInterval)
	v.SetDefault(KeyTransferWait, d.TransferWait)
	v.SetDefault(KeyAckTimeout, d.AckTimeout)
	v.SetDefault(KeyChunkSize, d.ChunkSize)
	v.SetDefault(KeyRateLimit, d.RateLimit)
	v.SetDefault(KeyRateBurst, d.RateBurst)
	v.SetDefault(KeyHelpFile, d.HelpFile)
	v.SetDefault(KeyCreditsFile, d.CreditsFile)
	v.SetDefault(KeyMetrics, d.MetricsInterval)
	v.SetDefault(KeyDebug, d.Debug)
}

// RegisterFlags adds the server flags to fs. Flag names use dashes; Bind
// maps them onto the underscore keys.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("control-addr", d.ControlAddr, "UDP control-plane listen address")
	fs.String("upload-addr", d.UploadAddr, "TCP upload acceptor listen address")
	fs.String("http-addr", d.HTTPAddr, "status API listen address (empty disables it)")
	fs.String("storage-dir", d.StorageDir, "directory holding transferable files")
	fs.String("data-dir", d.DataDir, "directory holding the user/room snapshot")
	fs.String("persistence", d.Persistence, "snapshot backend: sqlite or file")
	fs.Int("max-clients", d.MaxClients, "maximum number of registered users")
	fs.Duration("poll-interval", d.PollInterval, "socket receive timeout")
	fs.Duration("transfer-wait", d.TransferWait, "how long a download waits for its peer")
	fs.Duration("ack-timeout", d.AckTimeout, "download handshake acknowledgement timeout")
	fs.Int("chunk-size", d.ChunkSize, "file streaming chunk size in bytes")
	fs.Float64("rate-limit", d.RateLimit, "datagrams per second per source address (0 disables)")
	fs.Int("rate-burst", d.RateBurst, "rate limiter burst")
	fs.String("help-file", d.HelpFile, "text returned by @help")
	fs.String("credits-file", d.CreditsFile, "text returned by @credits")
	fs.Duration("metrics-interval", d.MetricsInterval, "how often traffic counters are logged (0 disables)")
	fs.Bool("debug", d.Debug, "enable debug logging")
}

// Bind attaches every flag registered by RegisterFlags that is present in fs.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	pairs := map[string]string{
		KeyControlAddr:  "control-addr",
		KeyUploadAddr:   "upload-addr",
		KeyHTTPAddr:     "http-addr",
		KeyStorageDir:   "storage-dir",
		KeyDataDir:      "data-dir",
		KeyPersistence:  "persistence",
		KeyMaxClients:   "max-clients",
		KeyPollInterval: "poll-interval",
		KeyTransferWait: "transfer-wait",
		KeyAckTimeout:   "ack-timeout",
		KeyChunkSize:    "chunk-size",
		KeyRateLimit:    "rate-limit",
		KeyRateBurst:    "rate-burst",
		KeyHelpFile:     "help-file",
		KeyCreditsFile:  "credits-file",
		KeyMetrics:      "metrics-interval",
		KeyDebug:        "debug",
	}
	for key, name := range pairs {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment lookup set up.
// configFile, when non-empty, is read as well.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load resolves a Config from v and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		ControlAddr:  v.GetString(KeyControlAddr),
		UploadAddr:   v.GetString(KeyUploadAddr),
		HTTPAddr:     v.GetString(KeyHTTPAddr),
		StorageDir:   v.GetString(KeyStorageDir),
		DataDir:      v.GetString(KeyDataDir),
		Persistence:  strings.ToLower(v.GetString(KeyPersistence)),
		MaxClients:   v.GetInt(KeyMaxClients),
		PollInterval: v.GetDuration(KeyPollInterval),
		TransferWait: v.GetDuration(KeyTransferWait),
		AckTimeout:   v.GetDuration(KeyAckTimeout),
		ChunkSize:    v.GetInt(KeyChunkSize),
		RateLimit:    v.GetFloat64(KeyRateLimit),
		RateBurst:    v.GetInt(KeyRateBurst),
		HelpFile:     v.GetString(KeyHelpFile),
		CreditsFile:  v.GetString(KeyCreditsFile),
		Debug:        v.GetBool(KeyDebug),

		MetricsInterval: v.GetDuration(KeyMetrics),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DatabaseFile is the SQLite snapshot's name inside DataDir.
const DatabaseFile = "parley.db"

// DatabasePath is where the SQLite backend keeps its database.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFile)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.ControlAddr == "" {
		errs = append(errs, errors.New("control_addr must be set"))
	}
	if c.UploadAddr == "" {
		errs = append(errs, errors.New("upload_addr must be set"))
	}
	if c.StorageDir == "" {
		errs = append(errs, errors.New("storage_dir must be set"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if c.Persistence != PersistenceSQLite && c.Persistence != PersistenceFile {
		errs = append(errs, fmt.Errorf("persistence must be %q or %q, got %q", PersistenceSQLite, PersistenceFile, c.Persistence))
	}
	if c.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("max_clients must be positive, got %d", c.MaxClients))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.TransferWait < c.PollInterval {
		errs = append(errs, fmt.Errorf("transfer_wait %s is shorter than poll_interval %s", c.TransferWait, c.PollInterval))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ack_timeout must be positive, got %s", c.AckTimeout))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative, got %v", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("rate_burst must be positive when rate_limit is set, got %d", c.RateBurst))
	}
	if c.MetricsInterval < 0 {
		errs = append(errs, fmt.Errorf("log.metrics_interval must not be negative, got %s", c.MetricsInterval))
	}
	return errors.Join(errs...)
}
