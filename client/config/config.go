// Package config loads the client configuration.
//
// Values are layered: built-in defaults, then the YAML file, then ROOMSYNC_*
// environment variables (a .env file is loaded first when present), then
// explicitly set command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adwski/roomsync/client/coordinator"
	"github.com/adwski/roomsync/protocol"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"

	envPrefix = "ROOMSYNC_"
)

var (
	ErrInvalid  = errors.New("invalid configuration")
	ErrReadFile = errors.New("failed to read config file")
	ErrEmpty    = errors.New("config file is empty")
)

type (
	Config struct {
		UserID        string `yaml:"user_id"`
		Transport     string `yaml:"transport"`
		ServerURL     string `yaml:"server_url"`
		NATSURL       string `yaml:"nats_url"`
		SubjectPrefix string `yaml:"subject_prefix"`
		APIListenAddr string `yaml:"api_listen_addr"`
		LogLevel      string `yaml:"log_level"`
		DebugDump     bool   `yaml:"debug_dump"`

		Player  Player             `yaml:"player"`
		Session Session            `yaml:"session"`
		Sync    coordinator.Config `yaml:"sync"`

		// Path is the YAML file the configuration was read from, if any.
		Path string `yaml:"-"`
	}

	Player struct {
		Binary    string   `yaml:"binary"`
		SocketDir string   `yaml:"socket_dir"`
		Args      []string `yaml:"args"`
	}

	Session struct {
		JoinTimeout    time.Duration `yaml:"join_timeout"`
		LeaveTimeout   time.Duration `yaml:"leave_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		ProbeInterval  time.Duration `yaml:"probe_interval"`
		ProbeTimeout   time.Duration `yaml:"probe_timeout"`
		ReportInterval time.Duration `yaml:"report_interval"`
		RetryBackoff   time.Duration `yaml:"retry_backoff"`
	}
)

func Default() Config {
	return Config{
		Transport:     TransportWebsocket,
		ServerURL:     "http://localhost:8888",
		NATSURL:       "nats://localhost:4222",
		SubjectPrefix: protocol.DefaultSubjectPrefix,
		APIListenAddr: "127.0.0.1:8090",
		LogLevel:      "info",
		Player:        Player{Binary: "mpv"},
		Session: Session{
			JoinTimeout:    5 * time.Second,
			LeaveTimeout:   5 * time.Second,
			RequestTimeout: 5 * time.Second,
			ProbeInterval:  3 * time.Second,
			ProbeTimeout:   2 * time.Second,
			ReportInterval: time.Second,
			RetryBackoff:   500 * time.Millisecond,
		},
		Sync: coordinator.DefaultConfig(),
	}
}

// Load parses args with fs and builds the layered configuration.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	def := Default()
	var (
		path      = fs.StringP("config", "c", "", "path to YAML config file")
		envFile   = fs.String("env-file", ".env", "dotenv file loaded into the environment")
		userID    = fs.StringP("user-id", "u", "", "local user id")
		transport = fs.StringP("transport", "t", def.Transport, "channel transport: websocket or nats")
		serverURL = fs.StringP("server", "s", def.ServerURL, "room server websocket base url")
		natsURL   = fs.String("nats-url", def.NATSURL, "nats server url")
		apiAddr   = fs.StringP("api-listen-addr", "a", def.APIListenAddr, "observer api listen address")
		logLevel  = fs.StringP("log-level", "l", def.LogLevel, "log level")
		mpv       = fs.String("mpv", def.Player.Binary, "mpv binary")
		debugDump = fs.Bool("debug-dump", false, "dump every snapshot at trace level")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := loadEnvFile(*envFile); err != nil {
		return nil, err
	}

	cfg := def
	if *path == "" {
		*path = os.Getenv(envPrefix + "CONFIG")
	}
	if *path != "" {
		if err := readFile(*path, &cfg); err != nil {
			return nil, err
		}
		cfg.Path = *path
	}

	applyEnv(&cfg)

	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("user-id", &cfg.UserID, *userID)
	set("transport", &cfg.Transport, *transport)
	set("server", &cfg.ServerURL, *serverURL)
	set("nats-url", &cfg.NATSURL, *natsURL)
	set("api-listen-addr", &cfg.APIListenAddr, *apiAddr)
	set("log-level", &cfg.LogLevel, *logLevel)
	set("mpv", &cfg.Player.Binary, *mpv)
	if fs.Changed("debug-dump") {
		cfg.DebugDump = *debugDump
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	switch c.Transport {
	case TransportWebsocket:
		if c.ServerURL == "" {
			return fmt.Errorf("%w: server url is required", ErrInvalid)
		}
	case TransportNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("%w: nats url is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	if err := c.Sync.Validate(); err != nil {
		return errors.Join(ErrInvalid, err)
	}
	return nil
}

func loadEnvFile(name string) error {
	if name == "" {
		return nil
	}
	if err := godotenv.Load(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", name, err)
	}
	return nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Join(ErrReadFile, err)
	}
	return decode(data, cfg)
}

func decode(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Join(ErrReadFile, err)
	}
	return nil
}

// ReadSync reads the sync tolerances from the YAML file at path. Missing
// keys keep their defaults; an empty file is an error since it is usually
// caught halfway through a write.
func ReadSync(path string) (coordinator.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return coordinator.Config{}, errors.Join(ErrReadFile, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return coordinator.Config{}, ErrEmpty
	}
	cfg := Default()
	if err = decode(data, &cfg); err != nil {
		return coordinator.Config{}, err
	}
	if err := cfg.Sync.Validate(); err != nil {
		return coordinator.Config{}, err
	}
	return cfg.Sync, nil
}

func applyEnv(cfg *Config) {
	for key, dst := range map[string]*string{
		"USER_ID":         &cfg.UserID,
		"TRANSPORT":       &cfg.Transport,
		"SERVER_URL":      &cfg.ServerURL,
		"NATS_URL":        &cfg.NATSURL,
		"SUBJECT_PREFIX":  &cfg.SubjectPrefix,
		"API_LISTEN_ADDR": &cfg.APIListenAddr,
		"LOG_LEVEL":       &cfg.LogLevel,
		"MPV_BINARY":      &cfg.Player.Binary,
	} {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
}
