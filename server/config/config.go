package config

import (
	"io/ioutil"
	"strings"
	"time"

	"github.com/mrasu/ddblock/server/locks"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxTransactionRetries = 3
	DefaultRetryBackoff          = 5 * time.Millisecond
)

type Config struct {
	LogLevel              string               `yaml:"log_level"`
	UpgradeGraceRetries   int                  `yaml:"upgrade_grace_retries"`
	ClientReuseBound      int                  `yaml:"client_reuse_bound"`
	DeadlockResolution    string               `yaml:"deadlock_resolution"`
	MaxTransactionRetries int                  `yaml:"max_transaction_retries"`
	RetryBackoff          time.Duration        `yaml:"retry_backoff"`
	ResourceTypes         []ResourceTypeConfig `yaml:"resource_types"`
}

type ResourceTypeConfig struct {
	Name string     `yaml:"name"`
	Wait WaitConfig `yaml:"wait"`
}

// WaitConfig selects a locks.WaitStrategy. Fields a strategy doesn't use are
// ignored.
type WaitConfig struct {
	Strategy        string        `yaml:"strategy"`
	SpinIterations  int           `yaml:"spin_iterations"`
	Step            time.Duration `yaml:"step"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Default returns the graph-store resource types, each waiting with the
// default incremental backoff.
func Default() *Config {
	names := []string{"NODE", "RELATIONSHIP", "SCHEMA", "LABEL", "INDEX_ENTRY"}
	types := make([]ResourceTypeConfig, len(names))
	for i, name := range names {
		types[i] = ResourceTypeConfig{Name: name, Wait: defaultWait()}
	}

	return &Config{
		LogLevel:              zerolog.InfoLevel.String(),
		UpgradeGraceRetries:   locks.DefaultUpgradeGraceRetries,
		ClientReuseBound:      locks.DefaultClientReuseBound,
		DeadlockResolution:    "abort_young",
		MaxTransactionRetries: DefaultMaxTransactionRetries,
		RetryBackoff:          DefaultRetryBackoff,
		ResourceTypes:         types,
	}
}

func defaultWait() WaitConfig {
	b := locks.DefaultIncrementalBackoff()
	return WaitConfig{
		Strategy:       "incremental",
		SpinIterations: b.SpinIterations,
		Step:           b.Step,
		MaxInterval:    b.MaxInterval,
	}
}

func Load(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config: %s", path)
	}
	return Parse(b)
}

// Parse reads YAML on top of Default. A resource_types list replaces the
// default list as a whole.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if len(c.ResourceTypes) == 0 {
		return errors.New("no resource_types")
	}
	if c.UpgradeGraceRetries < 0 {
		return errors.Errorf("upgrade_grace_retries must not be negative: %d", c.UpgradeGraceRetries)
	}
	if c.ClientReuseBound < 0 {
		return errors.Errorf("client_reuse_bound must not be negative: %d", c.ClientReuseBound)
	}
	if c.MaxTransactionRetries < 0 {
		return errors.Errorf("max_transaction_retries must not be negative: %d", c.MaxTransactionRetries)
	}
	if c.RetryBackoff < 0 {
		return errors.Errorf("retry_backoff must not be negative: %s", c.RetryBackoff)
	}
	if _, err := locks.DeadlockResolutionByName(c.DeadlockResolution); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, rt := range c.ResourceTypes {
		name := strings.ToUpper(rt.Name)
		if name == "" {
			return errors.New("resource type without name")
		}
		if seen[name] {
			return errors.Errorf("duplicated resource type: %s", name)
		}
		seen[name] = true
		if _, err := rt.Wait.Build(); err != nil {
			return errors.Wrapf(err, "resource type %s", name)
		}
	}
	return nil
}

func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "invalid log_level: %s", c.LogLevel)
	}
	return l, nil
}

// Build turns the configuration into resource types with dense ids, in list
// order, and the options for locks.NewManager.
func (c *Config) Build() ([]locks.ResourceType, []locks.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	types := make([]locks.ResourceType, len(c.ResourceTypes))
	for i, rt := range c.ResourceTypes {
		wait, err := rt.Wait.Build()
		if err != nil {
			return nil, nil, err
		}
		types[i] = locks.ResourceType{ID: i, Name: strings.ToUpper(rt.Name), Wait: wait}
	}

	resolution, err := locks.DeadlockResolutionByName(c.DeadlockResolution)
	if err != nil {
		return nil, nil, err
	}
	opts := []locks.Option{
		locks.WithUpgradeGraceRetries(c.UpgradeGraceRetries),
		locks.WithDeadlockResolution(resolution),
	}
	if c.ClientReuseBound > 0 {
		opts = append(opts, locks.WithClientReuseBound(c.ClientReuseBound))
	}
	return types, opts, nil
}

func (w WaitConfig) Build() (locks.WaitStrategy, error) {
	switch w.Strategy {
	case "spin":
		return locks.SpinWait{Timeout: w.Timeout}, nil
	case "", "incremental":
		b := locks.DefaultIncrementalBackoff()
		if w.SpinIterations > 0 {
			b.SpinIterations = w.SpinIterations
		}
		if w.Step > 0 {
			b.Step = w.Step
		}
		if w.MaxInterval > 0 {
			b.MaxInterval = w.MaxInterval
		}
		b.Timeout = w.Timeout
		return b, nil
	case "exponential":
		return locks.ExponentialBackoff{
			InitialInterval: w.InitialInterval,
			MaxInterval:     w.MaxInterval,
			Multiplier:      w.Multiplier,
			Timeout:         w.Timeout,
		}, nil
	default:
		return nil, errors.Errorf("unknown wait strategy: %s", w.Strategy)
	}
}
