package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

const (
	DefaultConfigPath = "config.yaml"
)

type Subgraph struct {
	Name       string `yaml:"name"`
	RoutingURL string `yaml:"routing_url"`
	// HealthURL defaults to the origin of the routing url plus /health.
	HealthURL string        `yaml:"health_url,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

type TrafficShapingRules struct {
	// RequestTimeout bounds every subgraph request made while executing an operation.
	RequestTimeout     time.Duration `yaml:"request_timeout" envDefault:"10s" env:"SUBGRAPH_REQUEST_TIMEOUT"`
	SchemaFetchTimeout time.Duration `yaml:"schema_fetch_timeout" envDefault:"5s" env:"SCHEMA_FETCH_TIMEOUT"`
	SchemaFetchRetries int           `yaml:"schema_fetch_retries" envDefault:"2" env:"SCHEMA_FETCH_RETRIES"`
	MaxRequestBodySize BytesString   `yaml:"max_request_body_size" envDefault:"5MB" env:"MAX_REQUEST_BODY_SIZE"`
}

type CompositionConfig struct {
	// FailureThreshold is the number of consecutive failed polls after which a
	// subgraph is left out of composition.
	FailureThreshold int `yaml:"failure_threshold" envDefault:"3" env:"COMPOSITION_FAILURE_THRESHOLD"`
	// ExitOnInitialFailure makes the gateway exit when the first composition fails.
	ExitOnInitialFailure bool `yaml:"exit_on_initial_failure" envDefault:"true" env:"COMPOSITION_EXIT_ON_INITIAL_FAILURE"`
}

type HealthConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval" envDefault:"5s" env:"HEALTH_PROBE_INTERVAL"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" envDefault:"2s" env:"HEALTH_PROBE_TIMEOUT"`
}

type CORS struct {
	Enabled          bool          `yaml:"enabled" envDefault:"true" env:"CORS_ENABLED"`
	AllowOrigins     []string      `yaml:"allow_origins" envDefault:"*" env:"CORS_ALLOW_ORIGINS"`
	AllowMethods     []string      `yaml:"allow_methods" envDefault:"HEAD,GET,POST" env:"CORS_ALLOW_METHODS"`
	AllowHeaders     []string      `yaml:"allow_headers" envDefault:"Origin,Content-Length,Content-Type,Authorization,X-Request-Id" env:"CORS_ALLOW_HEADERS"`
	AllowCredentials bool          `yaml:"allow_credentials" envDefault:"false" env:"CORS_ALLOW_CREDENTIALS"`
	MaxAge           time.Duration `yaml:"max_age" envDefault:"5m" env:"CORS_MAX_AGE"`
}

type Prometheus struct {
	Enabled    bool   `yaml:"enabled" envDefault:"true" env:"PROMETHEUS_ENABLED"`
	ListenAddr string `yaml:"listen_addr" envDefault:"127.0.0.1:8088" env:"PROMETHEUS_LISTEN_ADDR"`
	Path       string `yaml:"path" envDefault:"/metrics" env:"PROMETHEUS_HTTP_PATH"`
}

type Metrics struct {
	Prometheus Prometheus `yaml:"prometheus"`
}

type Telemetry struct {
	Metrics Metrics `yaml:"metrics"`
}

type Config struct {
	ListenAddr         string `yaml:"listen_addr" envDefault:"localhost:4000" env:"LISTEN_ADDR"`
	GraphQLPath        string `yaml:"graphql_path" envDefault:"/graphql" env:"GRAPHQL_PATH"`
	HealthCheckPath    string `yaml:"health_check_path" envDefault:"/health" env:"HEALTH_CHECK_PATH"`
	LivenessCheckPath  string `yaml:"liveness_check_path" envDefault:"/health/live" env:"LIVENESS_CHECK_PATH"`
	ReadinessCheckPath string `yaml:"readiness_check_path" envDefault:"/health/ready" env:"READINESS_CHECK_PATH"`

	LogLevel        string `yaml:"log_level" envDefault:"info" env:"LOG_LEVEL"`
	JSONLog         bool   `yaml:"json_log" envDefault:"true" env:"JSON_LOG"`
	DevelopmentMode bool   `yaml:"dev_mode" envDefault:"false" env:"DEV_MODE"`

	PollInterval  time.Duration `yaml:"poll_interval" envDefault:"10s" env:"POLL_INTERVAL"`
	PollJitter    time.Duration `yaml:"poll_jitter" envDefault:"1s" env:"POLL_JITTER"`
	ShutdownDelay time.Duration `yaml:"shutdown_delay" envDefault:"60s" env:"SHUTDOWN_DELAY"`
	GracePeriod   time.Duration `yaml:"grace_period" envDefault:"30s" env:"GRACE_PERIOD"`

	Subgraphs      []Subgraph          `yaml:"subgraphs"`
	TrafficShaping TrafficShapingRules `yaml:"traffic_shaping"`
	Composition    CompositionConfig   `yaml:"composition"`
	Health         HealthConfig        `yaml:"health"`
	CORS           CORS                `yaml:"cors"`
	Telemetry      Telemetry           `yaml:"telemetry"`
}

type LoadResult struct {
	Config        Config
	DefaultLoaded bool
}

func LoadConfig(configFilePath string, envOverride string) (*LoadResult, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	if envOverride != "" {
		_ = godotenv.Overload(envOverride)
	}

	cfg := &LoadResult{
		Config:        Config{},
		DefaultLoaded: true,
	}

	// Try to load the environment variables into the config

	err := env.Parse(&cfg.Config)
	if err != nil {
		return nil, err
	}

	// Read the custom config file

	var configFileBytes []byte

	if configFilePath == "" {
		configFilePath = os.Getenv("CONFIG_PATH")
		if configFilePath == "" {
			configFilePath = DefaultConfigPath
		}
	}

	isDefaultConfigPath := configFilePath == DefaultConfigPath
	configFileBytes, err = os.ReadFile(configFilePath)
	if err != nil {
		if isDefaultConfigPath {
			cfg.DefaultLoaded = false
		} else {
			return nil, fmt.Errorf("could not read custom config file %s: %w", configFilePath, err)
		}
	}

	if configFileBytes != nil {
		// Expand environment variables in the config file
		// and validate it before unmarshalling it over the env defaults

		configFileBytes = []byte(os.ExpandEnv(string(configFileBytes)))

		if err := ValidateConfig(configFileBytes, JSONSchema); err != nil {
			return nil, fmt.Errorf("gateway config validation error: %w", err)
		}

		if err := yaml.Unmarshal(configFileBytes, &cfg.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gateway config: %w", err)
		}
	}

	// Post-process the config

	if cfg.Config.DevelopmentMode {
		cfg.Config.JSONLog = false
	}

	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the semantic rules the JSON schema cannot express. All
// violations are reported together.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if len(c.Subgraphs) == 0 {
		errs = multierror.Append(errs, errors.New("at least one subgraph must be configured"))
	}

	seen := map[string]struct{}{}
	for i, sg := range c.Subgraphs {
		if sg.Name == "" {
			errs = multierror.Append(errs, fmt.Errorf("subgraphs[%d]: name is required", i))
		} else if _, ok := seen[sg.Name]; ok {
			errs = multierror.Append(errs, fmt.Errorf("subgraphs[%d]: duplicate subgraph name %q", i, sg.Name))
		}
		seen[sg.Name] = struct{}{}

		if !isHttpURL(sg.RoutingURL) {
			errs = multierror.Append(errs, fmt.Errorf("subgraphs[%d]: routing_url %q must be an http(s) url", i, sg.RoutingURL))
		}
		if sg.HealthURL != "" && !isHttpURL(sg.HealthURL) {
			errs = multierror.Append(errs, fmt.Errorf("subgraphs[%d]: health_url %q must be an http(s) url", i, sg.HealthURL))
		}
		if sg.Timeout < 0 {
			errs = multierror.Append(errs, fmt.Errorf("subgraphs[%d]: timeout must not be negative", i))
		}
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"poll_interval", c.PollInterval},
		{"traffic_shaping.request_timeout", c.TrafficShaping.RequestTimeout},
		{"traffic_shaping.schema_fetch_timeout", c.TrafficShaping.SchemaFetchTimeout},
		{"health.probe_interval", c.Health.ProbeInterval},
		{"health.probe_timeout", c.Health.ProbeTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}

	if c.PollJitter < 0 {
		errs = multierror.Append(errs, errors.New("poll_jitter must not be negative"))
	}
	if c.Composition.FailureThreshold < 1 {
		errs = multierror.Append(errs, errors.New("composition.failure_threshold must be at least 1"))
	}
	if c.TrafficShaping.SchemaFetchRetries < 0 {
		errs = multierror.Append(errs, errors.New("traffic_shaping.schema_fetch_retries must not be negative"))
	}

	return errs.ErrorOrNil()
}

// SubgraphTimeouts returns the subgraphs that override the request timeout.
func (c *Config) SubgraphTimeouts() map[string]time.Duration {
	out := map[string]time.Duration{}
	for _, sg := range c.Subgraphs {
		if sg.Timeout > 0 {
			out[sg.Name] = sg.Timeout
		}
	}
	return out
}
