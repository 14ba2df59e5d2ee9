// Package route decides, per destination, whether a connection goes through
// a proxy backend or directly.
package route

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/wiloon/w-fd-tunnel/connection"
	"github.com/wiloon/w-fd-tunnel/utils/config"
	"github.com/wiloon/w-fd-tunnel/utils/logger"
)

const wildcard = "*"

type Backend struct {
	Id      string
	Address string
}

// Rule lists the backends tried in order for matching destinations. A rule
// without backends means direct.
type Rule struct {
	Key      string
	Backends []Backend
}

func (r Rule) Direct() bool {
	return len(r.Backends) == 0
}

type prefixRule struct {
	prefix netip.Prefix
	rule   Rule
}

// Table is read only once built and safe for concurrent use.
type Table struct {
	prefixes []prefixRule
	hosts    map[string]Rule
	wildcard *Rule
	fallback *Rule
}

// New builds the table from the configured backends and routes. The
// default backend, if any, serves destinations no route matches.
func New(backends []config.Backend, routes []config.Route) (*Table, error) {
	byId := make(map[string]Backend, len(backends))
	t := &Table{hosts: make(map[string]Rule)}
	for _, b := range backends {
		byId[b.Id] = Backend{Id: b.Id, Address: b.Address}
		if b.Default {
			t.fallback = &Rule{Key: wildcard, Backends: []Backend{byId[b.Id]}}
		}
	}

	for _, v := range routes {
		r := Rule{Key: v.Key}
		for _, id := range v.BackendId {
			b, ok := byId[id]
			if !ok {
				return nil, fmt.Errorf("route %s: unknown backend %s", v.Key, id)
			}
			logger.Debugf("route init, key: %s, backend address: %s", v.Key, b.Address)
			r.Backends = append(r.Backends, b)
		}

		switch key := strings.ToLower(strings.TrimSpace(v.Key)); {
		case key == wildcard:
			t.wildcard = &r
		case strings.Contains(key, "/"):
			p, err := netip.ParsePrefix(key)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", v.Key, err)
			}
			t.prefixes = append(t.prefixes, prefixRule{prefix: p.Masked(), rule: r})
		default:
			if addr, err := netip.ParseAddr(key); err == nil {
				t.prefixes = append(t.prefixes, prefixRule{prefix: netip.PrefixFrom(addr, addr.BitLen()), rule: r})
				continue
			}
			t.hosts[strings.TrimSuffix(key, ".")] = r
		}
	}

	// longest prefix first
	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return t.prefixes[i].prefix.Bits() > t.prefixes[j].prefix.Bits()
	})
	return t, nil
}

// FromConfig builds the table from a loaded configuration.
func FromConfig(cfg config.WFdTunnelConfig) (*Table, error) {
	return New(cfg.Backends, cfg.Route)
}

// Lookup returns the rule for dest. Addresses match the longest prefix,
// names match exactly or by parent domain. The wildcard route comes next,
// then the default backend. Unix destinations are always direct.
func (t *Table) Lookup(dest connection.Destination) Rule {
	switch dest.Domain {
	case connection.DomainInet, connection.DomainInet6:
		ip := dest.Addr.Addr()
		for _, p := range t.prefixes {
			if p.prefix.Contains(ip) {
				return p.rule
			}
		}
	case connection.DomainName:
		host := strings.TrimSuffix(strings.ToLower(dest.Host), ".")
		for host != "" {
			if r, ok := t.hosts[host]; ok {
				return r
			}
			i := strings.IndexByte(host, '.')
			if i < 0 {
				break
			}
			host = host[i+1:]
		}
	default:
		return Rule{Key: dest.Domain.String()}
	}

	if t.wildcard != nil {
		return *t.wildcard
	}
	if t.fallback != nil {
		return *t.fallback
	}
	return Rule{}
}
