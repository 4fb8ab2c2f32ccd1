package config

import (
	"bishop_service/internal/core"
	"bishop_service/internal/forecast"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BISHOP"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Overpass OverpassConfig `mapstructure:"overpass"`
	Samples  SamplesConfig  `mapstructure:"samples"`
	Model    ModelConfig    `mapstructure:"model"`
	Training TrainingConfig `mapstructure:"training"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PostgresConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// OverpassConfig enables nearby-place annotation when URL is set.
type OverpassConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RadiusMeters float64       `mapstructure:"radius_meters"`
	Limit        int           `mapstructure:"limit"`
}

type SamplesConfig struct {
	RecentWindow time.Duration `mapstructure:"recent_window"`
}

type ModelConfig struct {
	SequenceLength int     `mapstructure:"sequence_length"`
	LSTMUnits      []int   `mapstructure:"lstm_units"`
	DenseUnits     []int   `mapstructure:"dense_units"`
	Dropout        float64 `mapstructure:"dropout"`
	Activation     string  `mapstructure:"activation"`
	// Timezone is the IANA zone calendar features are computed in.
	Timezone string `mapstructure:"timezone"`
}

type TrainingConfig struct {
	Epochs            int           `mapstructure:"epochs"`
	BatchSize         int           `mapstructure:"batch_size"`
	LearningRate      float64       `mapstructure:"learning_rate"`
	ValidationSplit   float64       `mapstructure:"validation_split"`
	TestSplit         float64       `mapstructure:"test_split"`
	SplitMode         string        `mapstructure:"split_mode"`
	PadPolicy         string        `mapstructure:"pad_policy"`
	EarlyStopPatience int           `mapstructure:"early_stop_patience"`
	ReduceLRPatience  int           `mapstructure:"reduce_lr_patience"`
	ReduceLRFactor    float64       `mapstructure:"reduce_lr_factor"`
	MinLearningRate   float64       `mapstructure:"min_learning_rate"`
	Concurrency       int           `mapstructure:"concurrency"`
	Seed              int64         `mapstructure:"seed"`
	FetchLimit        int           `mapstructure:"fetch_limit"`
	MinSamples        int           `mapstructure:"min_samples"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Interval          time.Duration `mapstructure:"interval"`
	OnStart           bool          `mapstructure:"on_start"`
}

type StoreConfig struct {
	// Backend is postgres, file or none.
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.ensure_schema", true)

	v.SetDefault("overpass.url", "")
	v.SetDefault("overpass.timeout", 5*time.Second)
	v.SetDefault("overpass.radius_meters", 250.0)
	v.SetDefault("overpass.limit", 5)

	v.SetDefault("samples.recent_window", time.Hour)

	var topology = forecast.DefaultTopology()
	v.SetDefault("model.sequence_length", 144)
	v.SetDefault("model.lstm_units", topology.LSTMUnits)
	v.SetDefault("model.dense_units", topology.DenseUnits)
	v.SetDefault("model.dropout", topology.Dropout)
	v.SetDefault("model.activation", topology.Activation)
	v.SetDefault("model.timezone", "UTC")

	var train = forecast.DefaultTrainConfig()
	v.SetDefault("training.epochs", train.Epochs)
	v.SetDefault("training.batch_size", train.BatchSize)
	v.SetDefault("training.learning_rate", train.LearningRate)
	v.SetDefault("training.validation_split", train.ValidationSplit)
	v.SetDefault("training.test_split", 0.2)
	v.SetDefault("training.split_mode", string(core.SplitChronological))
	v.SetDefault("training.pad_policy", string(core.PadReplicate))
	v.SetDefault("training.early_stop_patience", train.EarlyStopPatience)
	v.SetDefault("training.reduce_lr_patience", train.ReduceLRPatience)
	v.SetDefault("training.reduce_lr_factor", train.ReduceLRFactor)
	v.SetDefault("training.min_learning_rate", train.MinLearningRate)
	v.SetDefault("training.concurrency", 0)
	v.SetDefault("training.seed", train.Seed)
	v.SetDefault("training.fetch_limit", 10000)
	v.SetDefault("training.min_samples", 1)
	v.SetDefault("training.timeout", 30*time.Minute)
	v.SetDefault("training.interval", 0)
	v.SetDefault("training.on_start", false)

	v.SetDefault("store.backend", "postgres")
	v.SetDefault("store.path", "data/model.json")

	v.SetDefault("log.level", "info")
}

// Load reads defaults, then the optional YAML file at path, then BISHOP_*
// environment variables (server.addr is BISHOP_SERVER_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// deployment names used before the prefix existed
	if err := v.BindEnv("postgres.url", "BISHOP_POSTGRES_URL", "POSTGRES_URL"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("overpass.url", "BISHOP_OVERPASS_URL", "OVERPASS_URL"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.mode must be debug, release or test, got %q", c.Server.Mode))
	}
	if c.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres.url is required"))
	}
	if c.Model.SequenceLength <= 0 {
		errs = append(errs, fmt.Errorf("model.sequence_length must be positive, got %d", c.Model.SequenceLength))
	}
	if _, err := time.LoadLocation(c.Model.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("model.timezone: %w", err))
	}
	if err := c.topology().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if c.Training.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs))
	}
	if c.Training.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("training.batch_size must be positive, got %d", c.Training.BatchSize))
	}
	if c.Training.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("training.learning_rate must be positive, got %v", c.Training.LearningRate))
	}
	if c.Training.ValidationSplit < 0 || c.Training.ValidationSplit >= 1 {
		errs = append(errs, fmt.Errorf("training.validation_split must be in [0,1), got %v", c.Training.ValidationSplit))
	}
	if c.Training.TestSplit < 0 || c.Training.TestSplit >= 1 {
		errs = append(errs, fmt.Errorf("training.test_split must be in [0,1), got %v", c.Training.TestSplit))
	}
	if c.Training.ReduceLRFactor <= 0 || c.Training.ReduceLRFactor >= 1 {
		errs = append(errs, fmt.Errorf("training.reduce_lr_factor must be in (0,1), got %v", c.Training.ReduceLRFactor))
	}
	if _, err := core.ParseSplitMode(c.Training.SplitMode); err != nil {
		errs = append(errs, fmt.Errorf("training.split_mode: %w", err))
	}
	if _, err := core.ParsePadPolicy(c.Training.PadPolicy); err != nil {
		errs = append(errs, fmt.Errorf("training.pad_policy: %w", err))
	}
	if c.Training.FetchLimit <= 0 {
		errs = append(errs, fmt.Errorf("training.fetch_limit must be positive, got %d", c.Training.FetchLimit))
	}
	if c.Training.Interval < 0 {
		errs = append(errs, fmt.Errorf("training.interval must not be negative, got %s", c.Training.Interval))
	}
	switch c.Store.Backend {
	case "postgres", "none":
	case "file":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be postgres, file or none, got %q", c.Store.Backend))
	}
	return errors.Join(errs...)
}

func (c *Config) topology() forecast.Topology {
	return forecast.Topology{
		Inputs:     core.FeatureColumns,
		Outputs:    core.TargetColumns,
		LSTMUnits:  c.Model.LSTMUnits,
		DenseUnits: c.Model.DenseUnits,
		Dropout:    c.Model.Dropout,
		Activation: c.Model.Activation,
	}
}

func (c *Config) ForecasterConfig() (core.ForecasterConfig, error) {
	location, err := time.LoadLocation(c.Model.Timezone)
	if err != nil {
		return core.ForecasterConfig{}, fmt.Errorf("model.timezone: %w", err)
	}
	splitMode, err := core.ParseSplitMode(c.Training.SplitMode)
	if err != nil {
		return core.ForecasterConfig{}, err
	}
	padPolicy, err := core.ParsePadPolicy(c.Training.PadPolicy)
	if err != nil {
		return core.ForecasterConfig{}, err
	}

	var train = forecast.DefaultTrainConfig()
	train.Epochs = c.Training.Epochs
	train.BatchSize = c.Training.BatchSize
	train.LearningRate = c.Training.LearningRate
	train.ValidationSplit = c.Training.ValidationSplit
	train.EarlyStopPatience = c.Training.EarlyStopPatience
	train.ReduceLRPatience = c.Training.ReduceLRPatience
	train.ReduceLRFactor = c.Training.ReduceLRFactor
	train.MinLearningRate = c.Training.MinLearningRate
	train.Concurrency = c.Training.Concurrency
	train.Seed = c.Training.Seed

	return core.ForecasterConfig{
		SequenceLength: c.Model.SequenceLength,
		TestSplit:      c.Training.TestSplit,
		SplitMode:      splitMode,
		PadPolicy:      padPolicy,
		Seed:           c.Training.Seed,
		Location:       location,
		Topology:       c.topology(),
		Train:          train,
	}, nil
}

func (c *Config) ServiceConfig() core.ServiceConfig {
	return core.ServiceConfig{
		FetchLimit:        c.Training.FetchLimit,
		MinSamples:        c.Training.MinSamples,
		TrainTimeout:      c.Training.Timeout,
		RecentWindow:      c.Samples.RecentWindow,
		PlaceRadiusMeters: c.Overpass.RadiusMeters,
		PlaceLimit:        c.Overpass.Limit,
	}
}
