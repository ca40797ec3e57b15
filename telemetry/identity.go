package telemetry

import (
	"context"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	KindWorker = "worker"
	KindHost   = "host"
)

// Identity names the worker, or failing that the host, a report came from.
type Identity struct {
	Name string
	Kind string
}

// Key is the status store key for the identity. Worker and host keys live
// in separate namespaces.
func (id Identity) Key() string {
	return id.Kind + ":" + id.Name
}

func (id Identity) IsWorker() bool {
	return id.Kind == KindWorker
}

// AddrResolver is satisfied by *net.Resolver.
type AddrResolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// Resolver derives worker identities. It holds no per-request state and
// is safe for concurrent use.
type Resolver struct {
	HomeNetwork    netip.Prefix
	HostnamesByCPU map[string]string
	Suffix         string
	DNS            AddrResolver
	DNSTimeout     time.Duration
}

var containerHostname = regexp.MustCompile(`^[0-9a-f]{12}$`)

// IsContainerHostname reports whether s looks like the hostname docker
// assigns to a container.
func IsContainerHostname(s string) bool {
	return containerHostname.MatchString(s)
}

// Resolve picks the identity for a report from sourceAddr whose flattened
// miner status is fields. It never fails: every dead end falls back to
// the source address.
func (r *Resolver) Resolve(ctx context.Context, fields []Field, sourceAddr string) Identity {
	workerID, ok := Lookup(fields, "worker_id")
	name := workerID.String()
	if !ok || workerID.Type == gjson.Null || name == "" {
		return Identity{Name: sourceAddr, Kind: KindHost}
	}

	if !IsContainerHostname(name) {
		return Identity{Name: name, Kind: KindWorker}
	}

	if r.inHomeNetwork(sourceAddr) {
		brand, _ := Lookup(fields, "cpu.brand")
		if alias := r.aliasForBrand(brand.String()); alias != "" {
			return Identity{Name: r.withSuffix(alias), Kind: KindWorker}
		}
	}

	return Identity{Name: r.reverseLookup(ctx, sourceAddr), Kind: KindWorker}
}

func (r *Resolver) inHomeNetwork(addr string) bool {
	if !r.HomeNetwork.IsValid() {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return r.HomeNetwork.Contains(ip.Unmap())
}

func (r *Resolver) aliasForBrand(brand string) string {
	for _, word := range strings.Fields(brand) {
		if name, ok := r.HostnamesByCPU[word]; ok && name != "" {
			return name
		}
	}
	return ""
}

func (r *Resolver) withSuffix(name string) string {
	suffix := strings.TrimPrefix(r.Suffix, ".")
	if suffix == "" || strings.HasSuffix(name, "."+suffix) {
		return name
	}
	return name + "." + suffix
}

func (r *Resolver) reverseLookup(ctx context.Context, addr string) string {
	if r.DNS == nil {
		return addr
	}
	if _, err := netip.ParseAddr(addr); err != nil {
		return addr
	}

	timeout := r.DNSTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	names, err := r.DNS.LookupAddr(ctx, addr)
	if err != nil || len(names) == 0 {
		return addr
	}
	name := strings.TrimSuffix(names[0], ".")
	if name == "" {
		return addr
	}
	return name
}
