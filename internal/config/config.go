// Package config loads the proxy configuration file and feeds it into the
// datastore. The file is YAML with the same field names as the persisted
// JSON entities.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fossabot/otoroshi/internal/datastore"
	"github.com/fossabot/otoroshi/internal/model"
)

// Config is the root of the configuration file.
type Config struct {
	Listen       string                    `json:"listen"`
	Line         string                    `json:"line"`
	Location     model.InstanceLocation    `json:"location"`
	Logging      LoggingConfig             `json:"logging"`
	Store        StoreConfig               `json:"store"`
	Cluster      ClusterConfig             `json:"cluster"`
	GlobalConfig model.GlobalConfig        `json:"globalConfig"`
	Services     []*model.ServiceDescriptor `json:"services"`
	ApiKeys      []*model.ApiKey           `json:"apiKeys"`
	Groups       []*model.ServiceGroup     `json:"groups"`
	JwtVerifiers []*model.JwtVerifier      `json:"jwtVerifiers"`
	AuthModules  []*model.AuthModuleConfig `json:"authModules"`
	Certificates []*model.Certificate      `json:"certificates"`
}

// LoggingConfig selects the log level and optional rotated file output.
type LoggingConfig struct {
	Level      string `json:"level"`
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMb,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty"`
}

// StoreConfig selects the datastore backend.
type StoreConfig struct {
	Type  string                `json:"type"` // memory, redis
	Redis datastore.RedisConfig `json:"redis"`
}

// ClusterConfig selects the cluster role.
type ClusterConfig struct {
	Mode      string         `json:"mode"` // off, leader, worker
	NodeID    string         `json:"nodeId,omitempty"`
	LeaderURL string         `json:"leaderUrl,omitempty"`
	Interval  model.Duration `json:"interval,omitempty"`
}

// WithDefaults fills zero values.
func (c *Config) WithDefaults() *Config {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Line == "" {
		c.Line = model.DefaultLine
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Cluster.Mode == "" {
		c.Cluster.Mode = "off"
	}
	if c.Cluster.Interval <= 0 {
		c.Cluster.Interval = model.Duration(10 * time.Second)
	}
	return c
}

// Snapshot converts the file entities to the datastore representation.
func (c *Config) Snapshot() *datastore.Snapshot {
	return &datastore.Snapshot{
		Services:     c.Services,
		ApiKeys:      c.ApiKeys,
		Groups:       c.Groups,
		JwtVerifiers: c.JwtVerifiers,
		AuthModules:  c.AuthModules,
		Certificates: c.Certificates,
		GlobalConfig: c.GlobalConfig,
	}
}

// Validate checks the entities for the invariants the pipeline relies on.
func (c *Config) Validate() error {
	seenIDs := make(map[string]bool, len(c.Services))
	routingKeys := make(map[string]*model.ServiceDescriptor, len(c.Services))

	for _, s := range c.Services {
		if s.ID == "" {
			return fmt.Errorf("service without id (name %q)", s.Name)
		}
		if seenIDs[s.ID] {
			return fmt.Errorf("duplicate service id %q", s.ID)
		}
		seenIDs[s.ID] = true
		if s.Subdomain == "" || s.Domain == "" {
			return fmt.Errorf("service %s: subdomain and domain are required", s.ID)
		}
		if len(s.Targets) == 0 {
			return fmt.Errorf("service %s: at least one target is required", s.ID)
		}
		for _, t := range s.Targets {
			if t.Host == "" {
				return fmt.Errorf("service %s: target without host", s.ID)
			}
		}
		if err := s.CompilePatterns(); err != nil {
			return fmt.Errorf("service %s: %w", s.ID, err)
		}

		// (subdomain, env, domain, root) is the routing key. Sharing it is
		// only legal when the pattern partitions can be disjoint, so it is
		// rejected when neither service declares any pattern. Overlap
		// between declared patterns is not checked.
		key := s.Subdomain + "|" + s.Env + "|" + s.Domain + "|" + s.RootOrSlash()
		if prev, ok := routingKeys[key]; ok {
			if len(prev.PublicPatterns)+len(prev.PrivatePatterns) == 0 &&
				len(s.PublicPatterns)+len(s.PrivatePatterns) == 0 {
				return fmt.Errorf("services %s and %s share routing key %q without disjoint patterns",
					prev.ID, s.ID, key)
			}
		} else {
			routingKeys[key] = s
		}
	}

	seenKeys := make(map[string]bool, len(c.ApiKeys))
	for _, k := range c.ApiKeys {
		if k.ClientID == "" || k.ClientSecret == "" {
			return fmt.Errorf("api key without clientId/clientSecret")
		}
		if seenKeys[k.ClientID] {
			return fmt.Errorf("duplicate api key clientId %q", k.ClientID)
		}
		seenKeys[k.ClientID] = true
	}

	return nil
}

// OpenStore builds the configured datastore backend.
func (c *Config) OpenStore() (datastore.Datastore, error) {
	switch c.Store.Type {
	case "", "memory":
		return datastore.NewMemoryStore(), nil
	case "redis":
		return datastore.NewRedisStore(c.Store.Redis)
	}
	return nil, fmt.Errorf("unknown store type %q", c.Store.Type)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
