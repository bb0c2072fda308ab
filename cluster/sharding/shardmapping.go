package sharding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xiaonanln/rcuvar/cluster/etcdmanager"
	"github.com/xiaonanln/rcuvar/rcu"
	"github.com/xiaonanln/rcuvar/util/backoff"
	"github.com/xiaonanln/rcuvar/util/logger"
	"github.com/xiaonanln/rcuvar/util/metrics"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// VariableName is the name the shard mapping is published under
const VariableName = "shard_mapping"

// ShardMapping represents the mapping of shards to nodes
type ShardMapping struct {
	// Map from shard ID to node address
	Shards map[int]string `json:"shards"`
	// Sorted list of nodes in the cluster
	Nodes []string `json:"nodes"`
	// Version grows by one with every change; 0 means no mapping yet
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the mapping
func (m ShardMapping) Clone() ShardMapping {
	c := ShardMapping{
		Shards:  make(map[int]string, len(m.Shards)),
		Nodes:   append([]string(nil), m.Nodes...),
		Version: m.Version,
	}
	for shardID, node := range m.Shards {
		c.Shards[shardID] = node
	}
	return c
}

// ShardCounts returns the number of shards assigned to each node
func (m ShardMapping) ShardCounts() map[string]int {
	counts := make(map[string]int, len(m.Nodes))
	for _, node := range m.Nodes {
		counts[node] = 0
	}
	for _, node := range m.Shards {
		counts[node]++
	}
	return counts
}

// HistoryStore keeps every shard mapping version the mapper stores
type HistoryStore interface {
	SaveShardMapping(ctx context.Context, version int64, numNodes int, data []byte) error
	LoadLatestShardMapping(ctx context.Context) (int64, []byte, error)
}

// Option configures a ShardMapper
type Option func(*ShardMapper)

// WithHistoryStore records stored mappings in h and loads from it when etcd is
// not configured
func WithHistoryStore(h HistoryStore) Option {
	return func(sm *ShardMapper) {
		sm.history = h
	}
}

// ShardMapper manages the shard-to-node mapping. Lookups read the published
// mapping without locking; changes are published as new versions.
type ShardMapper struct {
	etcdManager *etcdmanager.EtcdManager
	numShards   int
	logger      *logger.Logger
	history     HistoryStore

	mapping *rcu.Variable[ShardMapping]

	// writeMu serializes check-then-publish sequences that include etcd
	// round trips
	writeMu sync.Mutex
}

// NewShardMapper creates a shard mapper publishing an empty mapping. A nil
// etcdManager keeps the mapping local to the process.
func NewShardMapper(etcdManager *etcdmanager.EtcdManager, numShards int, opts ...Option) *ShardMapper {
	if numShards <= 0 {
		numShards = NumShards
	}
	sm := &ShardMapper{
		etcdManager: etcdManager,
		numShards:   numShards,
		logger:      logger.NewLogger("ShardMapper"),
		mapping:     rcu.New(ShardMapping{Shards: map[int]string{}}, rcu.WithName(VariableName)),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// NumShards returns the number of shards objects are spread over
func (sm *ShardMapper) NumShards() int {
	return sm.numShards
}

// Snapshot returns the published mapping for a consistent series of lookups.
// The caller must release it and must not modify the mapping.
func (sm *ShardMapper) Snapshot() *rcu.Snapshot[ShardMapping] {
	return sm.mapping.Read()
}

// GetShardMapping returns a copy of the published mapping
func (sm *ShardMapper) GetShardMapping() ShardMapping {
	s := sm.mapping.Read()
	defer s.Release()
	return s.Get().Clone()
}

// Version returns the version of the published mapping
func (sm *ShardMapper) Version() int64 {
	s := sm.mapping.Read()
	defer s.Release()
	return s.Get().Version
}

// Stats returns the bookkeeping of the mapping variable
func (sm *ShardMapper) Stats() rcu.Stats {
	return sm.mapping.Stats()
}

// Retired lists superseded mappings still held by snapshots
func (sm *ShardMapper) Retired() []rcu.RetiredVersion {
	return sm.mapping.Retired()
}

// Close unpublishes the mapping. Snapshots taken earlier stay usable.
func (sm *ShardMapper) Close() {
	sm.mapping.Close()
}

// CreateShardMapping distributes all shards across nodes round-robin. The
// result is version 1 and is not published.
func (sm *ShardMapper) CreateShardMapping(nodes []string) (ShardMapping, error) {
	if len(nodes) == 0 {
		return ShardMapping{}, fmt.Errorf("cannot create shard mapping with no nodes")
	}

	sortedNodes := sortedCopy(nodes)
	mapping := ShardMapping{
		Shards:  make(map[int]string, sm.numShards),
		Nodes:   sortedNodes,
		Version: 1,
	}
	for shardID := 0; shardID < sm.numShards; shardID++ {
		mapping.Shards[shardID] = sortedNodes[shardID%len(sortedNodes)]
	}

	sm.logger.Infof("Created shard mapping with %d shards distributed across %d nodes", sm.numShards, len(sortedNodes))
	return mapping, nil
}

// UpdateShardMapping adapts the published mapping to nodes and publishes the
// result. Shards stay on nodes that remain; orphaned shards are assigned
// round-robin. Nothing is published when neither the node list nor any shard
// changes. The returned mapping is the one published afterwards.
func (sm *ShardMapper) UpdateShardMapping(ctx context.Context, nodes []string) (ShardMapping, error) {
	if len(nodes) == 0 {
		return ShardMapping{}, fmt.Errorf("cannot update shard mapping with no nodes")
	}

	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()

	w, err := rcu.StartWriteContext(ctx, sm.mapping)
	if err != nil {
		return ShardMapping{}, err
	}
	defer w.Discard()

	m := w.Value()
	sortedNodes := sortedCopy(nodes)
	nodeSet := make(map[string]bool, len(sortedNodes))
	for _, node := range sortedNodes {
		nodeSet[node] = true
	}

	changed := !nodesEqual(m.Nodes, sortedNodes)
	for shardID := 0; shardID < sm.numShards; shardID++ {
		if node, ok := m.Shards[shardID]; ok && nodeSet[node] {
			continue
		}
		m.Shards[shardID] = sortedNodes[shardID%len(sortedNodes)]
		changed = true
	}

	if !changed {
		sm.logger.Infof("No changes needed to shard mapping, keeping version %d", m.Version)
		return m.Clone(), nil
	}

	m.Nodes = sortedNodes
	m.Version++
	result := m.Clone()
	if err := sm.persist(ctx, result); err != nil {
		return ShardMapping{}, err
	}
	w.Commit()

	sm.published(result)
	sm.logger.Infof("Updated shard mapping to version %d for %d nodes", result.Version, len(sortedNodes))
	return result, nil
}

// MoveShard assigns shardID to node, which must be part of the mapping
func (sm *ShardMapper) MoveShard(ctx context.Context, shardID int, node string) (ShardMapping, error) {
	if err := sm.checkShardID(shardID); err != nil {
		return ShardMapping{}, err
	}

	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()

	w, err := rcu.StartWriteContext(ctx, sm.mapping)
	if err != nil {
		return ShardMapping{}, err
	}
	defer w.Discard()

	m := w.Value()
	if !containsNode(m.Nodes, node) {
		return ShardMapping{}, fmt.Errorf("node %s is not part of the shard mapping", node)
	}
	if m.Shards[shardID] == node {
		return m.Clone(), nil
	}

	m.Shards[shardID] = node
	m.Version++
	result := m.Clone()
	if err := sm.persist(ctx, result); err != nil {
		return ShardMapping{}, err
	}
	w.Commit()

	sm.published(result)
	sm.logger.Infof("Moved shard %d to %s (version %d)", shardID, node, result.Version)
	return result, nil
}

// StoreShardMapping writes mapping to etcd, when configured, and publishes it.
// Mappings older than the published one are rejected.
func (sm *ShardMapper) StoreShardMapping(ctx context.Context, mapping ShardMapping) error {
	if err := sm.validate(mapping); err != nil {
		return err
	}

	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()

	if current := sm.Version(); mapping.Version < current {
		return fmt.Errorf("shard mapping version %d is older than published version %d", mapping.Version, current)
	}

	mapping = mapping.Clone()
	if err := sm.persist(ctx, mapping); err != nil {
		return err
	}
	if err := sm.mapping.AssignContext(ctx, mapping); err != nil {
		return err
	}

	sm.published(mapping)
	sm.logger.Infof("Stored shard mapping (version %d)", mapping.Version)
	return nil
}

// LoadShardMapping reads the stored mapping from etcd, or from the history
// store when etcd is not configured, and publishes it when it is newer than
// the published one.
func (sm *ShardMapper) LoadShardMapping(ctx context.Context) (ShardMapping, error) {
	var data []byte
	switch {
	case sm.etcdManager != nil:
		value, _, err := sm.etcdManager.Get(ctx, sm.etcdManager.GetShardMappingKey())
		if err != nil {
			return ShardMapping{}, fmt.Errorf("failed to get shard mapping from etcd: %w", err)
		}
		data = []byte(value)
	case sm.history != nil:
		_, raw, err := sm.history.LoadLatestShardMapping(ctx)
		if err != nil {
			return ShardMapping{}, fmt.Errorf("failed to load shard mapping history: %w", err)
		}
		data = raw
	default:
		return ShardMapping{}, fmt.Errorf("no shard mapping store configured")
	}

	mapping, err := sm.decode(data)
	if err != nil {
		return ShardMapping{}, err
	}
	sm.applyIfNewer(mapping)
	return sm.GetShardMapping(), nil
}

// WatchShardMapping follows the mapping stored in etcd and publishes every
// newer version until ctx is done. Lost watches are re-established with
// exponential backoff. It always returns a non-nil error.
func (sm *ShardMapper) WatchShardMapping(ctx context.Context) error {
	if sm.etcdManager == nil {
		return fmt.Errorf("etcd manager not set")
	}

	b := backoff.New(100*time.Millisecond, 5*time.Second, 2.0)
	for {
		rev, err := sm.refresh(ctx)
		if err == nil {
			err = sm.consumeWatch(ctx, sm.etcdManager.Watch(ctx, sm.etcdManager.GetShardMappingKey(), rev+1), b)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, rpctypes.ErrCompacted) {
			// The watch fell behind compaction; reread the key right away
			sm.logger.Infof("Shard mapping watch compacted, resyncing")
			continue
		}

		sm.logger.Warnf("Shard mapping watch interrupted: %v (retry %d in %v)", err, b.Attempts()+1, b.CurrentDelay())
		if err := b.Wait(ctx); err != nil {
			return err
		}
	}
}

// refresh publishes the stored mapping and returns the revision it was read at
func (sm *ShardMapper) refresh(ctx context.Context) (int64, error) {
	value, rev, err := sm.etcdManager.Get(ctx, sm.etcdManager.GetShardMappingKey())
	if errors.Is(err, etcdmanager.ErrKeyNotFound) {
		return rev, nil
	}
	if err != nil {
		return 0, err
	}

	mapping, err := sm.decode([]byte(value))
	if err != nil {
		// A corrupt value is skipped; the watch delivers the next write
		sm.logger.Errorf("Ignoring stored shard mapping: %v", err)
		return rev, nil
	}
	sm.applyIfNewer(mapping)
	return rev, nil
}

func (sm *ShardMapper) consumeWatch(ctx context.Context, wch clientv3.WatchChan, b *backoff.Backoff) error {
	if wch == nil {
		return fmt.Errorf("etcd client not connected")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-wch:
			if !ok {
				return fmt.Errorf("watch channel closed")
			}
			if err := resp.Err(); err != nil {
				return err
			}
			b.Reset()

			for _, event := range resp.Events {
				switch event.Type {
				case clientv3.EventTypePut:
					mapping, err := sm.decode(event.Kv.Value)
					if err != nil {
						sm.logger.Errorf("Ignoring shard mapping at revision %d: %v", event.Kv.ModRevision, err)
						continue
					}
					sm.applyIfNewer(mapping)
				case clientv3.EventTypeDelete:
					sm.logger.Warnf("Shard mapping deleted from etcd, keeping version %d", sm.Version())
				}
			}
		}
	}
}

// applyIfNewer publishes mapping when its version is above the published one
func (sm *ShardMapper) applyIfNewer(mapping ShardMapping) bool {
	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()

	current := sm.Version()
	if mapping.Version <= current {
		sm.logger.Debugf("Ignoring shard mapping version %d (published %d)", mapping.Version, current)
		return false
	}

	sm.mapping.Assign(mapping)
	sm.published(mapping)
	sm.logger.Infof("Applied shard mapping version %d (was %d)", mapping.Version, current)
	return true
}

// persist writes mapping to etcd and the history store, whichever are set
func (sm *ShardMapper) persist(ctx context.Context, mapping ShardMapping) error {
	if sm.etcdManager == nil && sm.history == nil {
		return nil
	}

	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to marshal shard mapping: %w", err)
	}

	if sm.etcdManager != nil {
		if err := sm.etcdManager.Put(ctx, sm.etcdManager.GetShardMappingKey(), string(data)); err != nil {
			return fmt.Errorf("failed to store shard mapping in etcd: %w", err)
		}
	}

	if sm.history != nil {
		if err := sm.history.SaveShardMapping(ctx, mapping.Version, len(mapping.Nodes), data); err != nil {
			sm.logger.Warnf("Failed to record shard mapping version %d: %v", mapping.Version, err)
		}
	}
	return nil
}

func (sm *ShardMapper) decode(data []byte) (ShardMapping, error) {
	var mapping ShardMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return ShardMapping{}, fmt.Errorf("failed to unmarshal shard mapping: %w", err)
	}
	if err := sm.validate(mapping); err != nil {
		return ShardMapping{}, err
	}
	return mapping, nil
}

func (sm *ShardMapper) validate(mapping ShardMapping) error {
	if mapping.Version <= 0 {
		return fmt.Errorf("invalid shard mapping version: %d", mapping.Version)
	}
	for shardID, node := range mapping.Shards {
		if err := sm.checkShardID(shardID); err != nil {
			return err
		}
		if !containsNode(mapping.Nodes, node) {
			return fmt.Errorf("shard %d assigned to unknown node %s", shardID, node)
		}
	}
	return nil
}

func (sm *ShardMapper) published(mapping ShardMapping) {
	metrics.SetShardMappingVersion(mapping.Version)
	metrics.SetAssignedShardCounts(mapping.ShardCounts())
}

func (sm *ShardMapper) checkShardID(shardID int) error {
	if shardID < 0 || shardID >= sm.numShards {
		return fmt.Errorf("invalid shard ID: %d (must be in range [0, %d))", shardID, sm.numShards)
	}
	return nil
}

// GetNodeForShard returns the node address that owns the given shard
func (sm *ShardMapper) GetNodeForShard(shardID int) (string, error) {
	if err := sm.checkShardID(shardID); err != nil {
		return "", err
	}

	s := sm.mapping.Read()
	defer s.Release()

	node, ok := s.Get().Shards[shardID]
	if !ok {
		return "", fmt.Errorf("no node assigned to shard %d", shardID)
	}
	return node, nil
}

// GetNodeForObject returns the node address that should handle the given object ID.
// If the object ID contains a "/" separator (e.g., "localhost:7001/object-123"),
// the part before the first "/" is a fixed node address and is returned directly.
// Fixed-shard IDs ("shard#5/object-123") and all other IDs resolve to the node
// owning the object's shard.
func (sm *ShardMapper) GetNodeForObject(objectID string) (string, error) {
	if strings.HasPrefix(objectID, FixedShardPrefix) {
		return sm.GetNodeForShard(GetShardID(objectID, sm.numShards))
	}
	if nodeAddr, _, found := strings.Cut(objectID, "/"); found && nodeAddr != "" {
		sm.logger.Debugf("Object %s pinned to node %s", objectID, nodeAddr)
		return nodeAddr, nil
	}

	return sm.GetNodeForShard(GetShardID(objectID, sm.numShards))
}

func sortedCopy(nodes []string) []string {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	return sorted
}

func containsNode(nodes []string, node string) bool {
	for _, n := range nodes {
		if n == node {
			return true
		}
	}
	return false
}

// nodesEqual checks if two sorted node lists are equal
func nodesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
