// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/order"
)

// Provisioner creates storage nodes and reattaches to existing ones by id.
type Provisioner interface {
	Provision(ctx context.Context, kind order.LogKind) (Storage, error)
	Open(ctx context.Context, id string) (Storage, error)
}

// ProvisionerConfig configures a LocalProvisioner. The caps apply to every
// node it creates.
type ProvisionerConfig struct {
	Dir             string
	MaxPayloadBytes uint64
	MaxIndexBytes   uint64
	MaxRecords      uint64
	Log             dex.Logger
}

// LocalProvisioner keeps nodes as badger directories under one parent
// directory, named <kind>-<sequence>.
type LocalProvisioner struct {
	cfg ProvisionerConfig
	log dex.Logger

	mtx   sync.RWMutex
	nodes map[string]*Node
}

var _ Provisioner = (*LocalProvisioner)(nil)

// NewLocalProvisioner creates the parent directory if needed.
func NewLocalProvisioner(cfg *ProvisionerConfig) (*LocalProvisioner, error) {
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("error creating storage directory: %w", err)
	}
	log := cfg.Log
	if log == nil {
		log = dex.Disabled
	}
	return &LocalProvisioner{
		cfg:   *cfg,
		log:   log,
		nodes: make(map[string]*Node),
	}, nil
}

func parseNodeID(id string) (order.LogKind, error) {
	kindName, _, found := strings.Cut(id, "-")
	if !found || strings.ContainsAny(id, `/\.`) {
		return 0, fmt.Errorf("malformed node id %q", id)
	}
	kind, ok := order.ParseLogKind(kindName)
	if !ok {
		return 0, fmt.Errorf("unknown log kind in node id %q", id)
	}
	return kind, nil
}

func (p *LocalProvisioner) open(id string, kind order.LogKind) (*Node, error) {
	if n, found := p.nodes[id]; found {
		return n, nil
	}
	n, err := OpenNode(&Config{
		ID:              id,
		Path:            filepath.Join(p.cfg.Dir, id),
		Kind:            kind,
		MaxPayloadBytes: p.cfg.MaxPayloadBytes,
		MaxIndexBytes:   p.cfg.MaxIndexBytes,
		MaxRecords:      p.cfg.MaxRecords,
		Log:             p.log,
	})
	if err != nil {
		return nil, err
	}
	p.nodes[id] = n
	return n, nil
}

// Provision creates the next node for kind.
func (p *LocalProvisioner) Provision(_ context.Context, kind order.LogKind) (Storage, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var seq int
	prefix := kind.String() + "-"
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			seq++
		}
	}
	id := fmt.Sprintf("%s%04d", prefix, seq)
	n, err := p.open(id, kind)
	if err != nil {
		return nil, err
	}
	p.log.Infof("Provisioned %s storage node %s", kind, id)
	return n, nil
}

// Open reattaches to an existing node.
func (p *LocalProvisioner) Open(_ context.Context, id string) (Storage, error) {
	kind, err := parseNodeID(id)
	if err != nil {
		return nil, err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, err := os.Stat(filepath.Join(p.cfg.Dir, id)); err != nil {
		return nil, fmt.Errorf("storage node %s: %w", id, err)
	}
	return p.open(id, kind)
}

// Node returns an open node by id.
func (p *LocalProvisioner) Node(id string) (*Node, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	n, found := p.nodes[id]
	return n, found
}

// NodeIDs lists the open nodes.
func (p *LocalProvisioner) NodeIDs() []string {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	ids := make([]string, 0, len(p.nodes))
	for id := range p.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run garbage collects the nodes periodically and closes them all when ctx
// is canceled.
func (p *LocalProvisioner) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mtx.RLock()
			for _, n := range p.nodes {
				n.GC()
			}
			p.mtx.RUnlock()
		case <-ctx.Done():
			p.Close()
			return
		}
	}
}

// Close closes every open node.
func (p *LocalProvisioner) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for id, n := range p.nodes {
		if err := n.Close(); err != nil {
			p.log.Errorf("Error closing storage node %s: %v", id, err)
		}
		delete(p.nodes, id)
	}
}
