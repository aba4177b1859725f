package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mcdev12/pomosync/go/internal/config"
	"github.com/rs/zerolog/log"
)

// ErrNoReachableHost is returned when no discovered candidate answers the probe.
var ErrNoReachableHost = errors.New("no reachable host")

// Candidate is one advertised host instance.
type Candidate struct {
	InstanceName string
	IP           string
	Port         int
}

// BaseURL returns the HTTP base address of the candidate.
func (c Candidate) BaseURL() string {
	return "http://" + net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// Discoverer resolves host candidates for a service type such as "_clock._tcp".
type Discoverer interface {
	Discover(ctx context.Context, serviceName string) ([]Candidate, error)
}

// Prober checks whether a host base URL is alive.
type Prober func(ctx context.Context, baseURL string) error

// StaticDiscoverer returns a fixed candidate list from configuration.
type StaticDiscoverer struct {
	candidates []Candidate
}

// NewStaticDiscoverer creates a discoverer over candidates.
func NewStaticDiscoverer(candidates []Candidate) *StaticDiscoverer {
	return &StaticDiscoverer{candidates: candidates}
}

// FromConfig merges PEERS-style entries with the settings file candidates.
// Peers come first so the environment can override the file.
func FromConfig(peers string, fromSettings []config.CandidateConfig) (*StaticDiscoverer, error) {
	candidates, err := ParsePeers(peers)
	if err != nil {
		return nil, err
	}
	for _, c := range fromSettings {
		if c.IP == "" {
			continue
		}
		port := c.Port
		if port <= 0 {
			port, _ = strconv.Atoi(config.DefaultPort)
		}
		candidates = append(candidates, Candidate{InstanceName: c.Name, IP: c.IP, Port: port})
	}
	return NewStaticDiscoverer(candidates), nil
}

func (d *StaticDiscoverer) Discover(ctx context.Context, serviceName string) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Candidate, len(d.candidates))
	copy(out, d.candidates)

	log.Debug().
		Str("service", serviceName).
		Int("candidates", len(out)).
		Msg("static discovery resolved")
	return out, nil
}

// ParsePeers parses a comma separated list of "[name=]ip[:port]" entries.
func ParsePeers(peers string) ([]Candidate, error) {
	var candidates []Candidate
	for _, entry := range strings.Split(peers, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, addr, found := strings.Cut(entry, "=")
		if !found {
			addr = name
			name = ""
		}

		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
			portStr = config.DefaultPort
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port in peer %q", entry)
		}
		if host == "" {
			return nil, fmt.Errorf("missing host in peer %q", entry)
		}
		if name == "" {
			name = host
		}
		candidates = append(candidates, Candidate{InstanceName: name, IP: host, Port: port})
	}
	return candidates, nil
}

// FirstReachable discovers candidates and returns the first one whose probe
// succeeds, in discovery order.
func FirstReachable(ctx context.Context, d Discoverer, serviceName string, probe Prober) (Candidate, error) {
	candidates, err := d.Discover(ctx, serviceName)
	if err != nil {
		return Candidate{}, fmt.Errorf("discover %s: %w", serviceName, err)
	}

	for _, c := range candidates {
		if err := probe(ctx, c.BaseURL()); err != nil {
			log.Debug().
				Err(err).
				Str("instance", c.InstanceName).
				Str("url", c.BaseURL()).
				Msg("candidate unreachable")
			continue
		}
		log.Info().
			Str("instance", c.InstanceName).
			Str("url", c.BaseURL()).
			Msg("host found")
		return c, nil
	}
	return Candidate{}, fmt.Errorf("%w among %d candidates", ErrNoReachableHost, len(candidates))
}
