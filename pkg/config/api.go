package config

// APIConfig contains the operator HTTP API settings.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	TokenHashes []string        `yaml:"token_hashes,omitempty" mapstructure:"token_hashes"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthEnabled reports whether bearer tokens are required.
func (c *APIConfig) AuthEnabled() bool {
	return len(c.TokenHashes) > 0
}
