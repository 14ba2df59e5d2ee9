package config

import (
	"fmt"
	"log"
	"net/netip"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

var Instance = Default()

type Project struct {
	Name string
}

//goland:noinspection GoUnusedConst
const LogToFile = "file"
const LogLevelDebug = "debug"

//goland:noinspection GoUnusedConst
const LogLevelInfo = "info"

const (
	DefaultMaxSubstitutions = 4096
	DefaultConnListCapacity = 1024
)

type Log struct {
	Console      bool
	ConsoleLevel string
	File         bool
	FileLevel    string
}

type Hook struct {
	// MaxSubstitutions bounds the tracked descriptors one multiplexing
	// call may carry before it fails with ENOMEM.
	MaxSubstitutions int
	ConnListCapacity int
	// NoFileLimit raises RLIMIT_NOFILE when non zero; every tunnel costs a
	// descriptor on top of the application's.
	NoFileLimit uint64
}

type Backend struct {
	Id      string
	Address string
	Default bool
}

// Route sends destinations matching Key to the first reachable backend of
// BackendId. Key is a CIDR prefix, an address, a host name or "*". An empty
// BackendId leaves matching destinations direct.
type Route struct {
	Key       string
	BackendId []string
}

type WFdTunnelConfig struct {
	Project  Project
	Log      Log
	Hook     Hook
	Backends []Backend
	Route    []Route
}

func Default() WFdTunnelConfig {
	return WFdTunnelConfig{
		Project: Project{Name: "w-fd-tunnel"},
		Log:     Log{Console: true, ConsoleLevel: LogLevelInfo, FileLevel: LogLevelInfo},
		Hook: Hook{
			MaxSubstitutions: DefaultMaxSubstitutions,
			ConnListCapacity: DefaultConnListCapacity,
		},
	}
}

var configFilePath string

func Init() {
	b, err := LoadDefaultConfigFile()
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return
	}
	cfg, err := Parse(b)
	if err != nil {
		panic(err)
	}
	Instance = cfg
}

// Parse decodes b over the defaults and validates the result.
func Parse(b []byte) (WFdTunnelConfig, error) {
	cfg := Default()
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return WFdTunnelConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return WFdTunnelConfig{}, err
	}
	return cfg, nil
}

func (c WFdTunnelConfig) Validate() error {
	var err error
	if c.Hook.MaxSubstitutions <= 0 {
		err = multierr.Append(err, fmt.Errorf("hook: max substitutions must be positive, got %d", c.Hook.MaxSubstitutions))
	}
	if c.Hook.ConnListCapacity < 0 {
		err = multierr.Append(err, fmt.Errorf("hook: negative conn list capacity %d", c.Hook.ConnListCapacity))
	}

	ids := make(map[string]bool, len(c.Backends))
	defaults := 0
	for _, b := range c.Backends {
		if b.Id == "" {
			err = multierr.Append(err, fmt.Errorf("backend %q: empty id", b.Address))
			continue
		}
		if ids[b.Id] {
			err = multierr.Append(err, fmt.Errorf("backend %s: duplicate id", b.Id))
		}
		ids[b.Id] = true
		if _, perr := netip.ParseAddrPort(b.Address); perr != nil {
			err = multierr.Append(err, fmt.Errorf("backend %s: %w", b.Id, perr))
		}
		if b.Default {
			defaults++
		}
	}
	if defaults > 1 {
		err = multierr.Append(err, fmt.Errorf("%d default backends, at most one allowed", defaults))
	}

	for _, r := range c.Route {
		if r.Key == "" {
			err = multierr.Append(err, fmt.Errorf("route: empty key"))
		}
		for _, id := range r.BackendId {
			if !ids[id] {
				err = multierr.Append(err, fmt.Errorf("route %s: unknown backend %s", r.Key, id))
			}
		}
	}
	return err
}
