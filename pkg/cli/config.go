package cli

import (
	"errors"
	"fmt"
	"net/url"

	promconfig "github.com/prometheus/common/config"
	"github.com/prometheus/common/model"

	"github.com/adobe/opentsdb-protector/pkg/rules"
	"github.com/adobe/opentsdb-protector/pkg/store"
)

// Custom errors.
var (
	ErrMissingBackend = errors.New("missing backend TSDB URL")
)

// ProtectorAppConfig contains the configuration of the protector app.
type ProtectorAppConfig struct {
	Protector ProtectorConfig `yaml:"protector"`
	DB        DBConfig        `yaml:"db"`
}

// SetDirectory joins any relative file paths with dir.
func (c *ProtectorAppConfig) SetDirectory(dir string) {
	c.Protector.Backend.HTTPClientConfig.SetDirectory(dir)
}

// Validate checks the backend URL and the list patterns of the config.
func (c *ProtectorAppConfig) Validate() error {
	if c.Protector.Backend.URL == "" {
		return ErrMissingBackend
	}

	backendURL, err := url.Parse(c.Protector.Backend.URL)
	if err != nil {
		return fmt.Errorf("invalid backend TSDB URL: %w", err)
	}

	if backendURL.Scheme == "" || backendURL.Host == "" {
		return fmt.Errorf("%w: %s", ErrMissingBackend, c.Protector.Backend.URL)
	}

	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *ProtectorAppConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set a default config
	*c = ProtectorAppConfig{
		Protector: ProtectorConfig{
			Backend: BackendConfig{
				URL:              "http://localhost:4242",
				HTTPClientConfig: promconfig.DefaultHTTPClientConfig,
			},
			Timeout:  model.Duration(defaultTimeout),
			SafeMode: false,
		},
		DB: DBConfig{
			Redis: store.RedisConfig{
				Host: "localhost",
				Port: 6379,
			},
		},
	}

	type plain ProtectorAppConfig

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	// Validate backend config
	if err := c.Validate(); err != nil {
		return err
	}

	// The UnmarshalYAML method of HTTPClientConfig is not being called because it's not a pointer.
	// We cannot make it a pointer as the parser panics for inlined pointer structs.
	// Thus we just do its validation here.
	if err := c.Protector.Backend.HTTPClientConfig.Validate(); err != nil {
		return err
	}

	return nil
}

// ProtectorConfig contains the proxy and rule engine config.
type ProtectorConfig struct {
	Backend     BackendConfig         `yaml:"backend"`
	Timeout     model.Duration        `yaml:"timeout"`
	SafeMode    bool                  `yaml:"safe_mode"`
	Rules       map[string]rules.Param `yaml:"rules"`
	Blockedlist []string              `yaml:"blockedlist"`
	Allowedlist []string              `yaml:"allowedlist"`
}

// BackendConfig contains the backend TSDB connection config.
type BackendConfig struct {
	URL              string                      `yaml:"url"`
	HTTPClientConfig promconfig.HTTPClientConfig `yaml:"http_client_config"`
}

// DBConfig contains the stats store config.
type DBConfig struct {
	Redis store.RedisConfig `yaml:"redis"`
	// Expire is the TTL in seconds applied to stats store keys on creation.
	// Zero disables expiration.
	Expire int64 `yaml:"expire"`
}
