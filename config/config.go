// Package config supplies runtime configuration for the gateway and backend
// daemons: environment variables for addresses and timings, an optional YAML
// file for the routing table and backend address overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caphub/caphub-go/dispatch"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Gateway holds the session-manager daemon's configuration.
type Gateway struct {
	ListenAddr string `env:"CAPHUB_LISTEN_ADDR,default=:5000"`
	RoutesFile string `env:"CAPHUB_ROUTES_FILE"`

	IdleThreshold     time.Duration `env:"CAPHUB_SESSION_IDLE_THRESHOLD,default=1800s"`
	SweepInterval     time.Duration `env:"CAPHUB_SESSION_SWEEP_INTERVAL,default=300s"`
	DispatchTimeout   time.Duration `env:"CAPHUB_DISPATCH_TIMEOUT,default=30s"`
	HealthTimeout     time.Duration `env:"CAPHUB_HEALTH_TIMEOUT,default=5s"`
	KeepAliveInterval time.Duration `env:"CAPHUB_KEEPALIVE_INTERVAL,default=30s"`

	ResourcesURL string `env:"CAPHUB_BACKEND_RESOURCES_URL,default=http://localhost:5001"`
	SamplingURL  string `env:"CAPHUB_BACKEND_SAMPLING_URL,default=http://localhost:5002"`
	ToolsURL     string `env:"CAPHUB_BACKEND_TOOLS_URL,default=http://localhost:5003"`
	DatabaseURL  string `env:"CAPHUB_BACKEND_DATABASE_URL,default=http://localhost:5004"`
	InternetURL  string `env:"CAPHUB_BACKEND_INTERNET_URL,default=http://localhost:5005"`
	RootsURL     string `env:"CAPHUB_BACKEND_ROOTS_URL,default=http://localhost:5006"`
	PromptsURL   string `env:"CAPHUB_BACKEND_PROMPTS_URL,default=http://localhost:5007"`
}

// GatewayFromEnv decodes gateway configuration from the environment.
func GatewayFromEnv() (*Gateway, error) {
	var cfg Gateway
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode gateway config: %w", err)
	}
	return &cfg, nil
}

// BackendAddrs returns the backend id to base address table assembled from
// the environment.
func (c *Gateway) BackendAddrs() map[string]string {
	return map[string]string{
		dispatch.BackendResources: c.ResourcesURL,
		dispatch.BackendSampling:  c.SamplingURL,
		dispatch.BackendTools:     c.ToolsURL,
		dispatch.BackendDatabase:  c.DatabaseURL,
		dispatch.BackendInternet:  c.InternetURL,
		dispatch.BackendRoots:     c.RootsURL,
		dispatch.BackendPrompts:   c.PromptsURL,
	}
}

// Backend holds a capability backend daemon's configuration.
type Backend struct {
	ListenAddr string `env:"CAPSERVER_LISTEN_ADDR,default=:5003"`
	ServerName string `env:"CAPSERVER_NAME,default=capserver"`

	// Database backend.
	RedisAddr     string `env:"CAPSERVER_REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"CAPSERVER_REDIS_PASSWORD,default="`
	RedisDB       int    `env:"CAPSERVER_REDIS_DB,default=0"`

	// Resources backend.
	ResourceDir      string        `env:"CAPSERVER_RESOURCE_DIR"`
	ResourceCacheTTL time.Duration `env:"CAPSERVER_RESOURCE_CACHE_TTL,default=5m"`

	// Internet backend. Domain lists are semicolon separated.
	InternetRequestsPerMinute int      `env:"CAPSERVER_INTERNET_RPM,default=60"`
	InternetDataMBPerMinute   int      `env:"CAPSERVER_INTERNET_DATA_MB,default=10"`
	InternetAllowedDomains    []string `env:"CAPSERVER_INTERNET_ALLOWED_DOMAINS,default="`
	InternetBlockedDomains    []string `env:"CAPSERVER_INTERNET_BLOCKED_DOMAINS,default="`
}

// BackendFromEnv decodes backend configuration from the environment.
func BackendFromEnv() (*Backend, error) {
	var cfg Backend
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode backend config: %w", err)
	}
	return &cfg, nil
}

// routesFile is the YAML shape of the routing configuration file.
type routesFile struct {
	Routes   map[string]string `yaml:"routes"`
	Backends map[string]string `yaml:"backends"`
}

// LoadRoutes builds the routing and address tables. Both start from the
// built-in defaults; a YAML file, when provided, overlays rows on top.
// Route keys are validated against the closed capability type set so a typo
// in the file fails at startup rather than at dispatch time.
func LoadRoutes(path string, addrs map[string]string) (routes map[string]string, merged map[string]string, err error) {
	routes = dispatch.DefaultRoutingTable()
	merged = make(map[string]string, len(addrs))
	for k, v := range addrs {
		merged[k] = v
	}
	if path == "" {
		return routes, merged, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read routes file: %w", err)
	}
	var f routesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("parse routes file %s: %w", path, err)
	}

	known := make(map[string]bool, len(dispatch.Types())+1)
	for _, t := range dispatch.Types() {
		known[t] = true
	}
	known[dispatch.TypeDefault] = true

	for typ, backend := range f.Routes {
		if !known[typ] {
			return nil, nil, fmt.Errorf("routes file %s: unknown request type %q", path, typ)
		}
		routes[typ] = backend
	}
	for id, addr := range f.Backends {
		merged[id] = addr
	}
	return routes, merged, nil
}
