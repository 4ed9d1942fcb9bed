// Package linker connects clusters: the LINK handshake imports a remote
// cluster's shard groups, and a background loop keeps foreign group
// descriptors fresh.
package linker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fadidahanna/redisraft/internal/metrics"
	"github.com/fadidahanna/redisraft/internal/replication"
	"github.com/fadidahanna/redisraft/internal/sharding"
	"github.com/fadidahanna/redisraft/pkg/errors"
)

const (
	// DefaultRefreshInterval paces the foreign group refresh loop.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultDialTimeout bounds each remote handshake.
	DefaultDialTimeout = 2 * time.Second
)

// Manager performs cross-cluster linking and periodic refresh. All topology
// mutations it produces go through the replicated log, same as client-issued
// updates.
type Manager struct {
	store    *sharding.Store
	log      replication.Log
	interval time.Duration
	timeout  time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	running  bool
}

// New creates a manager over store and log. Zero durations fall back to
// the defaults.
func New(store *sharding.Store, replog replication.Log, interval, timeout time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Manager{
		store:    store,
		log:      replog,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Link fetches the full shard group store of the cluster reachable at addr
// and proposes an add for every group not yet known locally. Any failure,
// from dialing through proposing, reports as a link failure with the cause
// attached.
func (m *Manager) Link(ctx context.Context, addr string) error {
	groups, err := fetchGroups(addr, m.timeout)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrLinkFailed, err)
	}

	for _, g := range groups {
		if g.ID == m.store.LocalID() {
			continue
		}
		if _, ok := m.store.Get(g.ID); ok {
			continue
		}
		if err := m.store.ValidateAdd(g); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrLinkFailed, err)
		}
		entry := &replication.Entry{
			Type:   replication.EntryAddGroup,
			Groups: []*sharding.ShardGroup{g},
		}
		if err := m.log.Propose(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrLinkFailed, err)
		}
	}
	return nil
}

// Start launches the refresh loop. Stop terminates it and waits for the
// in-flight pass to finish; stopping a never-started manager is a no-op.
func (m *Manager) Start() {
	m.running = true
	go m.loop()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.running {
			<-m.doneCh
		}
	})
}

func (m *Manager) loop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.refreshAll()
		}
	}
}

// refreshAll walks every foreign group and reconciles its descriptor with
// what the remote cluster reports about itself. Failures are logged and
// retried next tick; a remote cluster being down must not disturb routing.
func (m *Manager) refreshAll() {
	for _, g := range m.store.Foreign() {
		select {
		case <-m.stopCh:
			return
		default:
		}
		if err := m.refreshGroup(g); err != nil {
			metrics.RefreshAttempts.WithLabelValues("error").Inc()
			log.Printf("[WARN] refresh of shard group %s failed: %v", g.ID, err)
		}
	}
}

func (m *Manager) refreshGroup(known *sharding.ShardGroup) error {
	var lastErr error
	for _, node := range known.Nodes {
		remote, err := m.fetchSelf(node.Addr, known.ID)
		if err != nil {
			lastErr = err
			continue
		}
		return m.reconcile(known, remote)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("shard group %s has no reachable nodes", known.ID)
	}
	return lastErr
}

// fetchSelf asks one node of a foreign cluster for its store and picks out
// the group that cluster identifies as. The remote's view of third clusters
// is ignored; each link is refreshed from its own source.
func (m *Manager) fetchSelf(addr, id string) (*sharding.ShardGroup, error) {
	groups, err := fetchGroups(addr, m.timeout)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, fmt.Errorf("node %s no longer reports shard group %s", addr, id)
}

func (m *Manager) reconcile(known, remote *sharding.ShardGroup) error {
	if known.Equal(remote) {
		metrics.RefreshAttempts.WithLabelValues("ok").Inc()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	entry := &replication.Entry{
		Type:   replication.EntryUpdateGroup,
		Groups: []*sharding.ShardGroup{remote},
	}
	if err := m.log.Propose(ctx, entry); err != nil {
		return err
	}
	metrics.RefreshAttempts.WithLabelValues("changed").Inc()
	return nil
}
