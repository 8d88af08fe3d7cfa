// Package config loads the YAML configuration shared by the server and client commands.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/z3rotig4r/ckks_linear/channel"
	"github.com/z3rotig4r/ckks_linear/features"
	"github.com/z3rotig4r/ckks_linear/fixedpoint"
	"github.com/z3rotig4r/ckks_linear/model"
	"github.com/z3rotig4r/ckks_linear/params"
)

// DefaultPath is read when CKKS_CONFIG is unset.
const DefaultPath = "ckks.yaml"

// EnvPath names the environment variable overriding DefaultPath.
const EnvPath = "CKKS_CONFIG"

const (
	BackendFile  = "file"
	BackendRedis = "redis"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Crypto  Crypto  `yaml:"crypto"`
	Channel Channel `yaml:"channel"`
	Server  Server  `yaml:"server"`
	Client  Client  `yaml:"client"`
}

type Crypto struct {
	Params          params.Descriptor `yaml:"params"`
	FixedPointScale int64             `yaml:"fixed_point_scale"`
}

type Channel struct {
	Backend      string        `yaml:"backend"`
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Redis        Redis         `yaml:"redis"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Server struct {
	WeightsPath string `yaml:"weights_path"`
	BiasPath    string `yaml:"bias_path"`
	// ModelDSN selects the MySQL model source when set.
	ModelDSN      string        `yaml:"model_dsn"`
	ModelName     string        `yaml:"model_name"`
	KeyRetryDelay time.Duration `yaml:"key_retry_delay"`
	// HTTPAddr enables the ops endpoints when set.
	HTTPAddr string `yaml:"http_addr"`
}

type Client struct {
	InputPath  string `yaml:"input_path"`
	ResultPath string `yaml:"result_path"`
	// Features is the number of values a request must carry.
	Features int `yaml:"features"`
	// Ranges, when set, min-max normalizes raw input before publishing.
	Ranges         []features.Range `yaml:"ranges"`
	Timeout        time.Duration    `yaml:"timeout"`
	KeySettle      time.Duration    `yaml:"key_settle"`
	ResponseSettle time.Duration    `yaml:"response_settle"`
}

// Default returns the reference deployment: a file channel in ./Shared_Channel and the
// four-feature model next to the server binary.
func Default() *Config {
	return &Config{
		Crypto: Crypto{
			Params:          params.Default(),
			FixedPointScale: fixedpoint.DefaultScale,
		},
		Channel: Channel{
			Backend:      BackendFile,
			Dir:          "Shared_Channel",
			PollInterval: channel.DefaultPollInterval,
			Redis: Redis{
				Addr:   "localhost:6379",
				Prefix: "ckks:",
			},
		},
		Server: Server{
			WeightsPath:   "weights.txt",
			BiasPath:      "bias.txt",
			ModelName:     "default",
			KeyRetryDelay: time.Second,
		},
		Client: Client{
			InputPath:      "raw_data.txt",
			ResultPath:     "result.txt",
			Features:       4,
			Timeout:        2 * time.Minute,
			KeySettle:      500 * time.Millisecond,
			ResponseSettle: 200 * time.Millisecond,
		},
	}
}

// Path returns $CKKS_CONFIG or DefaultPath.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over Default. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values Load cannot fix by defaulting.
func (c *Config) Validate() error {
	switch c.Channel.Backend {
	case BackendFile:
		if c.Channel.Dir == "" {
			return fmt.Errorf("%w: channel.dir is empty", ErrInvalidConfig)
		}
	case BackendRedis:
		if c.Channel.Redis.Addr == "" {
			return fmt.Errorf("%w: channel.redis.addr is empty", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: channel.backend %q", ErrInvalidConfig, c.Channel.Backend)
	}

	if c.Crypto.FixedPointScale <= 0 {
		return fmt.Errorf("%w: crypto.fixed_point_scale %d", ErrInvalidConfig, c.Crypto.FixedPointScale)
	}
	if c.Client.Features <= 0 {
		return fmt.Errorf("%w: client.features %d", ErrInvalidConfig, c.Client.Features)
	}
	if n := len(c.Client.Ranges); n != 0 && n != c.Client.Features {
		return fmt.Errorf("%w: %d client.ranges for %d features", ErrInvalidConfig, n, c.Client.Features)
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("%w: client.timeout %v", ErrInvalidConfig, c.Client.Timeout)
	}
	return nil
}

// Open connects the configured channel store.
func (c Channel) Open() (channel.Store, error) {
	if c.Backend == BackendRedis {
		s, err := channel.NewRedisStore(channel.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	s, err := channel.NewFileStore(c.Dir)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ModelSource returns the MySQL source when a DSN is configured and the file source
// otherwise. The returned close function is never nil.
func (s Server) ModelSource(ctx context.Context) (model.Source, func() error, error) {
	if s.ModelDSN == "" {
		return &model.FileSource{WeightsPath: s.WeightsPath, BiasPath: s.BiasPath}, func() error { return nil }, nil
	}

	db, err := model.OpenMySQL(ctx, s.ModelDSN)
	if err != nil {
		return nil, nil, err
	}
	return &model.SQLSource{DB: db, Model: s.ModelName}, db.Close, nil
}
