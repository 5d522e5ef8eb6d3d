// Package config loads the node's TOML configuration. Everything here is
// read once at startup and treated as read-only afterwards.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the full config file.
type Config struct {
	Node      Node      `toml:"node"`
	Limits    Limits    `toml:"limits"`
	Auth      Auth      `toml:"auth"`
	Discovery Discovery `toml:"discovery"`
}

// Node configures the listener and the mesh.
type Node struct {
	// Listen is the HTTP listen address.
	Listen string `toml:"listen"`
	// Secret is the shared mesh credential, presented when dialing peers
	// and demanded from incoming ones.
	Secret string `toml:"secret"`
	// Peers are the websocket URLs this node dials, e.g.
	// "ws://other-node:11999/node/".
	Peers []string `toml:"peers"`
	// TrustedProxies are hops stripped when resolving a caller's origin IP.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// Limits configures the rate limiter on the subscriber endpoint.
type Limits struct {
	// Exempt lists IPs or CIDR networks that bypass limiting entirely.
	Exempt []string `toml:"exempt"`
	// Connect is the limit expression for /connect/, e.g. "20/minute".
	// Empty disables limiting.
	Connect string `toml:"connect"`
	// ConnectAuth optionally replaces Connect for authenticated callers.
	ConnectAuth string `toml:"connect_auth"`
	// RequireAuth rejects unauthenticated subscribers outright.
	RequireAuth bool `toml:"require_auth"`
}

// Auth is the static token table backing the authenticator.
type Auth struct {
	// Tokens maps bearer token to principal name.
	Tokens map[string]string `toml:"tokens"`
}

// Discovery configures optional mDNS peer discovery.
type Discovery struct {
	MDNS bool `toml:"mdns"`
	// Name is this node's instance name in mDNS announcements.
	Name string `toml:"name"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Node: Node{Listen: ":11999"},
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Node.Listen == "" {
		return errors.New("config: node.listen must not be empty")
	}
	if len(c.Node.Peers) > 0 && c.Node.Secret == "" {
		return errors.New("config: node.secret is required when peers are configured")
	}
	if c.Limits.RequireAuth && len(c.Auth.Tokens) == 0 {
		return errors.New("config: limits.require_auth needs auth.tokens")
	}
	return nil
}
