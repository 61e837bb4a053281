package meshnet

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// NodeConfig holds the options recognised by New (spec.md §6.3). It is
// also the shape loaded from a TOML file by LoadConfigFile, for callers
// (cmd/meshchat) that want persisted settings instead of wiring every
// NodeOption by hand.
type NodeConfig struct {
	Username         string        `toml:"username"`
	PeerId           string        `toml:"peer_id"`
	ServiceName      string        `toml:"service_name"`
	DefaultTTL       int           `toml:"default_ttl"`
	AutoConnect      bool          `toml:"auto_connect"`
	AutoAdvertise    bool          `toml:"auto_advertise"`
	AnnounceInterval time.Duration `toml:"announce_interval"`
}

// DefaultNodeConfig mirrors the defaults New applies when no options are
// given, so a caller building a config file from scratch starts from the
// same values the library would use anyway.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ServiceName:      DefaultServiceName,
		DefaultTTL:       DefaultMeshTTL,
		AutoConnect:      true,
		AutoAdvertise:    true,
		AnnounceInterval: PeerAnnounceInterval,
	}
}

// LoadConfigFile reads a NodeConfig from a TOML file, starting from
// DefaultNodeConfig so a partial file only overrides what it sets. A
// missing file is not an error; the defaults are returned as-is.
func LoadConfigFile(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("mesh: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfigFile writes cfg to path as TOML, creating or truncating it.
func SaveConfigFile(path string, cfg NodeConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// AsOptions turns a loaded NodeConfig into the NodeOption list New
// expects, so cmd/meshchat can do `meshnet.New(adapters, cfg.AsOptions()...)`
// regardless of whether cfg came from a file or was built by hand.
func (c NodeConfig) AsOptions() []NodeOption {
	opts := []NodeOption{
		WithServiceName(c.ServiceName),
		WithAutoConnect(c.AutoConnect),
		WithAutoAdvertise(c.AutoAdvertise),
	}
	if c.Username != "" {
		opts = append(opts, WithUsername(c.Username))
	}
	if c.PeerId != "" {
		opts = append(opts, WithPeerId(c.PeerId))
	}
	if c.DefaultTTL > 0 {
		opts = append(opts, WithDefaultTTL(c.DefaultTTL))
	}
	if c.AnnounceInterval > 0 {
		opts = append(opts, WithAnnounceInterval(c.AnnounceInterval))
	}
	return opts
}
