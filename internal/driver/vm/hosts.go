package vm

import (
	"fmt"
	"sync"

	lxd "github.com/canonical/lxd/client"
)

// HostConfig describes one LXD host the VM driver can place instances on.
type HostConfig struct {
	Name           string
	URL            string
	ClientCert     string
	ClientKey      string
	StoragePool    string
	CapacityCPU    int
	CapacityMemGiB int
	Overcommit     float64
}

// ConnHostPool connects to each configured LXD host lazily over mTLS and
// caches the connection, implementing HostPool.
type ConnHostPool struct {
	mu      sync.Mutex
	hosts   map[string]HostConfig
	conns   map[string]instanceServer
	order   []string
	usedCPU map[string]int
	usedMem map[string]int
}

// NewConnHostPool builds a pool from static host configuration.
func NewConnHostPool(hosts []HostConfig) *ConnHostPool {
	p := &ConnHostPool{
		hosts:   make(map[string]HostConfig),
		conns:   make(map[string]instanceServer),
		usedCPU: make(map[string]int),
		usedMem: make(map[string]int),
	}
	for _, h := range hosts {
		p.hosts[h.Name] = h
		p.order = append(p.order, h.Name)
	}
	return p
}

// Connect returns a cached mTLS connection to the named host, dialing it
// on first use.
func (p *ConnHostPool) Connect(host string) (instanceServer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[host]; ok {
		return c, nil
	}
	cfg, ok := p.hosts[host]
	if !ok {
		return nil, fmt.Errorf("vm: unknown host %q", host)
	}
	c, err := lxd.ConnectLXD(cfg.URL, &lxd.ConnectionArgs{
		TLSClientCert: cfg.ClientCert,
		TLSClientKey:  cfg.ClientKey,
	})
	if err != nil {
		return nil, fmt.Errorf("vm: connecting to host %q: %w", host, err)
	}
	p.conns[host] = c
	return c, nil
}

// Hosts returns every configured host name, in configuration order.
func (p *ConnHostPool) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// StoragePoolFor returns the configured storage pool for a host.
func (p *ConnHostPool) StoragePoolFor(host string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hosts[host].StoragePool
}

// PlaceHost picks the host with the largest remaining capacity after
// overcommit, in configuration order for ties.
func (p *ConnHostPool) PlaceHost(cpu, memoryGiB int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best string
	var bestRemaining float64 = -1
	for _, name := range p.order {
		h := p.hosts[name]
		remainingCPU := float64(h.CapacityCPU)*h.Overcommit - float64(p.usedCPU[name])
		remainingMem := float64(h.CapacityMemGiB)*h.Overcommit - float64(p.usedMem[name])
		if remainingCPU < float64(cpu) || remainingMem < float64(memoryGiB) {
			continue
		}
		remaining := remainingCPU + remainingMem
		if remaining > bestRemaining {
			bestRemaining = remaining
			best = name
		}
	}
	if best == "" {
		return "", fmt.Errorf("vm: no host has capacity for cpu=%d memory_gib=%d", cpu, memoryGiB)
	}
	p.usedCPU[best] += cpu
	p.usedMem[best] += memoryGiB
	return best, nil
}
