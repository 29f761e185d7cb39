// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/fatsecret-proxy/config.toml",
	"configs/config.toml",
}

// placeholderValue is the credential value shipped in the example config.
const placeholderValue = "CHANGE_ME"

const (
	defaultOAuthURL      = "https://oauth.fatsecret.com/connect/token"
	defaultFatSecretBase = "https://platform.fatsecret.com/rest/"
	defaultScope         = "basic"
)

// CLI holds command-line arguments parsed by Kong.
// Credentials are normally supplied through the environment.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	FatSecretClientID     string `kong:"name='fatsecret-client-id',help='FatSecret OAuth client ID.',env='FATSECRET_CLIENT_ID'"`
	FatSecretClientSecret string `kong:"name='fatsecret-client-secret',help='FatSecret OAuth client secret.',env='FATSECRET_CLIENT_SECRET'"`
	GymMasterSite         string `kong:"name='gymmaster-site',help='GymMaster site name (<site>.gymmasteronline.com).',env='GM_SITE_NAME'"`
	GymMasterMemberKey    string `kong:"name='gymmaster-member-key',help='GymMaster member API key.',env='GYMMASTER_MEMBER_API_KEY'"`
	GymMasterStaffKey     string `kong:"name='gymmaster-staff-key',help='GymMaster staff API key.',env='GYMMASTER_STAFF_API_KEY'"`
	GatekeeperKey         string `kong:"name='gatekeeper-key',help='GymMaster GateKeeper API key.',env='GM_GATEKEEPER_API_KEY'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	FatSecret FatSecretConfig `toml:"fatsecret"`
	GymMaster GymMasterConfig `toml:"gymmaster"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// FatSecretConfig holds the nutrition API endpoints and OAuth client credentials.
type FatSecretConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	OAuthURL     string `toml:"oauth_url"`
	APIBaseURL   string `toml:"api_base_url"`
	Scope        string `toml:"scope"`
}

// GymMasterConfig holds the gym-management API endpoints and keys.
// Base URLs default to https://<site_name>.gymmasteronline.com/...
type GymMasterConfig struct {
	SiteName          string `toml:"site_name"`
	MemberAPIKey      string `toml:"member_api_key"`
	StaffAPIKey       string `toml:"staff_api_key"`
	GatekeeperAPIKey  string `toml:"gatekeeper_api_key"`
	PortalBaseURL     string `toml:"portal_base_url"`
	GatekeeperBaseURL string `toml:"gatekeeper_base_url"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds   int   `toml:"timeout_seconds"`
	IdleConnections  int   `toml:"idle_connections"`
	MaxResponseBytes int64 `toml:"max_response_bytes"`
	// PassthroughErrorRoutes names routes that relay non-200 upstream
	// responses unchanged instead of wrapping them.
	PassthroughErrorRoutes []string `toml:"passthrough_error_routes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/fatsecret-proxy/config.toml then configs/config.toml. Unlike an
// explicit path, a missing searched file is not an error: defaults plus
// environment credentials are a complete configuration.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.FatSecretClientID != "" {
		c.FatSecret.ClientID = cli.FatSecretClientID
	}
	if cli.FatSecretClientSecret != "" {
		c.FatSecret.ClientSecret = cli.FatSecretClientSecret
	}
	if cli.GymMasterSite != "" {
		c.GymMaster.SiteName = cli.GymMasterSite
	}
	if cli.GymMasterMemberKey != "" {
		c.GymMaster.MemberAPIKey = cli.GymMasterMemberKey
	}
	if cli.GymMasterStaffKey != "" {
		c.GymMaster.StaffAPIKey = cli.GymMasterStaffKey
	}
	if cli.GatekeeperKey != "" {
		c.GymMaster.GatekeeperAPIKey = cli.GatekeeperKey
	}
}

func (c *Config) validate() error {
	secrets := map[string]string{
		"fatsecret.client_id":          c.FatSecret.ClientID,
		"fatsecret.client_secret":      c.FatSecret.ClientSecret,
		"gymmaster.member_api_key":     c.GymMaster.MemberAPIKey,
		"gymmaster.staff_api_key":      c.GymMaster.StaffAPIKey,
		"gymmaster.gatekeeper_api_key": c.GymMaster.GatekeeperAPIKey,
	}
	for name, v := range secrets {
		if v == placeholderValue {
			return fmt.Errorf("%s contains placeholder value; set a real credential or leave it empty", name)
		}
	}

	if strings.ContainsAny(c.GymMaster.SiteName, "/:.@ ") {
		return fmt.Errorf("gymmaster.site_name must be a bare subdomain; got %q", c.GymMaster.SiteName)
	}

	// Upstream URLs: must be HTTPS when set.
	urls := map[string]string{
		"fatsecret.oauth_url":           c.FatSecret.OAuthURL,
		"fatsecret.api_base_url":        c.FatSecret.APIBaseURL,
		"gymmaster.portal_base_url":     c.GymMaster.PortalBaseURL,
		"gymmaster.gatekeeper_base_url": c.GymMaster.GatekeeperBaseURL,
	}
	for name, raw := range urls {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("%s must use HTTPS; got %q", name, raw)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxResponseBytes < 0 {
		return fmt.Errorf("upstream.max_response_bytes must be non-negative; got %d", c.Upstream.MaxResponseBytes)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/auth", "/gymmaster", "/fatsecret", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB, room for a profile photo
	}
	if c.FatSecret.OAuthURL == "" {
		c.FatSecret.OAuthURL = defaultOAuthURL
	}
	if c.FatSecret.APIBaseURL == "" {
		c.FatSecret.APIBaseURL = defaultFatSecretBase
	}
	if c.FatSecret.Scope == "" {
		c.FatSecret.Scope = defaultScope
	}
	if site := c.GymMaster.SiteName; site != "" {
		if c.GymMaster.PortalBaseURL == "" {
			c.GymMaster.PortalBaseURL = fmt.Sprintf("https://%s.gymmasteronline.com/portal/api/v1/", site)
		}
		if c.GymMaster.GatekeeperBaseURL == "" {
			c.GymMaster.GatekeeperBaseURL = fmt.Sprintf("https://%s.gymmasteronline.com/gatekeeper_api/v2/", site)
		}
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 15
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = 10 * 1024 * 1024
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PassthroughErrors reports whether the named route relays upstream errors unwrapped.
func (c *UpstreamConfig) PassthroughErrors(route string) bool {
	return slices.Contains(c.PassthroughErrorRoutes, route)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file holds credentials and is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
