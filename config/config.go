// Package config provides configuration for the warden tenant isolation
// subsystem.
//
// Configuration is deployment-time state: the database to verify, the set of
// tables that must carry row-level security, and the admin gate allowlist.
// Changing any of it is a redeploy, not a runtime API.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Verifier configures the RLS compliance verifier.
type Verifier struct {
	// RequiredTables must have row security enabled and the isolation policy
	// present. A missing table is Degraded (pre-migration state); a present
	// table without the flag or policy is Unhealthy.
	RequiredTables []string `mapstructure:"required_tables"`

	// OptionalTables are checked and reported but never fail the probe.
	OptionalTables []string `mapstructure:"optional_tables"`

	// PolicyName is the isolation policy every protected table must carry.
	PolicyName string `mapstructure:"policy_name"`

	// RequiredFunctions are the server-side session-variable helpers the RLS
	// policies read. Without them the whole scheme is inert.
	RequiredFunctions []string `mapstructure:"required_functions"`

	// PollInterval is how often the readiness probe re-checks after boot.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// AdminGate configures the admin bypass gate.
type AdminGate struct {
	Enabled bool `mapstructure:"enabled"`

	// RoutePrefix is the path prefix the gate intercepts. Requests outside it
	// pass through untouched.
	RoutePrefix string `mapstructure:"route_prefix"`

	// Role is the verified role claim required for admin bypass.
	Role string `mapstructure:"role"`

	// AllowedIPs are IP literals permitted to use admin bypass. Loopback
	// addresses are always implicitly included.
	AllowedIPs []string `mapstructure:"allowed_ips"`
}

// Config is the root configuration.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	Schema      string `mapstructure:"schema"`
	ListenAddr  string `mapstructure:"listen_addr"`

	Verifier  Verifier  `mapstructure:"verifier"`
	AdminGate AdminGate `mapstructure:"admin_gate"`
}

// Default returns the default configuration. The table set matches the
// tenant-scoped entities the starter schema ships with.
func Default() *Config {
	return &Config{
		Schema:     "public",
		ListenAddr: ":8080",
		Verifier: Verifier{
			RequiredTables: []string{
				"users",
				"teams",
				"organizations",
				"contact_persons",
				"email_addresses",
				"phone_numbers",
				"addresses",
				"todos",
			},
			OptionalTables: []string{
				"audit_logs",
				"api_logs",
			},
			PolicyName: "tenant_isolation_policy",
			RequiredFunctions: []string{
				"set_tenant_context",
				"get_current_tenant_id",
			},
			PollInterval: 30 * time.Second,
		},
		AdminGate: AdminGate{
			Enabled:     true,
			RoutePrefix: "/api/admin",
			Role:        "superadmin",
		},
	}
}

// Load reads configuration from the given file (YAML, TOML or JSON as
// determined by extension) layered over the defaults, with WARDEN_* env vars
// taking precedence. An empty path loads defaults plus env only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks the invariants a running process depends on.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if len(c.Verifier.RequiredTables) == 0 {
		return fmt.Errorf("verifier.required_tables must not be empty")
	}
	if c.Verifier.PolicyName == "" {
		return fmt.Errorf("verifier.policy_name is required")
	}
	if c.Verifier.PollInterval <= 0 {
		return fmt.Errorf("verifier.poll_interval must be positive")
	}
	if c.AdminGate.Enabled && c.AdminGate.RoutePrefix == "" {
		return fmt.Errorf("admin_gate.route_prefix is required when the gate is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database_url", d.DatabaseURL)
	v.SetDefault("schema", d.Schema)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("verifier.required_tables", d.Verifier.RequiredTables)
	v.SetDefault("verifier.optional_tables", d.Verifier.OptionalTables)
	v.SetDefault("verifier.policy_name", d.Verifier.PolicyName)
	v.SetDefault("verifier.required_functions", d.Verifier.RequiredFunctions)
	v.SetDefault("verifier.poll_interval", d.Verifier.PollInterval)
	v.SetDefault("admin_gate.enabled", d.AdminGate.Enabled)
	v.SetDefault("admin_gate.route_prefix", d.AdminGate.RoutePrefix)
	v.SetDefault("admin_gate.role", d.AdminGate.Role)
	v.SetDefault("admin_gate.allowed_ips", d.AdminGate.AllowedIPs)
}
