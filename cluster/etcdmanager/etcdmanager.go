package etcdmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xiaonanln/rcuvar/rcu"
	"github.com/xiaonanln/rcuvar/rcumap"
	"github.com/xiaonanln/rcuvar/util/logger"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultPrefix = "/rcuvar"
	NodeLeaseTTL  = 15 // seconds
)

// ErrKeyNotFound is returned by Get for a missing key
var ErrKeyNotFound = errors.New("key not found")

// EtcdManager manages the connection to etcd and the set of registered nodes
type EtcdManager struct {
	client    *clientv3.Client
	endpoints []string
	logger    *logger.Logger
	prefix    string // global prefix for all etcd keys

	mu               sync.Mutex
	leaseID          clientv3.LeaseID
	registeredNodeID string
	watchCancel      context.CancelFunc

	// nodes is read on every routing decision and written only on membership
	// events.
	nodes        *rcumap.Map[string, time.Time]
	nodesChanged chan struct{}
}

// NewEtcdManager creates a new etcd manager.
//
// The optional prefix is the root path for all etcd keys. If it is empty or
// not provided, DefaultPrefix is used. Nodes are stored under "<prefix>/nodes/"
// and the shard mapping under "<prefix>/shardmapping".
//
//	mgr, _ := NewEtcdManager("localhost:2379")           // Uses "/rcuvar" prefix
//	mgr, _ := NewEtcdManager("localhost:2379", "/myapp") // Uses "/myapp" prefix
func NewEtcdManager(etcdAddress string, prefix ...string) (*EtcdManager, error) {
	globalPrefix := DefaultPrefix
	if len(prefix) > 0 && prefix[0] != "" {
		globalPrefix = prefix[0]
	}

	return &EtcdManager{
		endpoints:    []string{etcdAddress},
		logger:       logger.NewLogger("EtcdManager"),
		prefix:       globalPrefix,
		nodes:        rcumap.New[string, time.Time](rcu.WithName("etcd_nodes")),
		nodesChanged: make(chan struct{}, 1),
	}, nil
}

// Connect establishes a connection to etcd
func (mgr *EtcdManager) Connect() error {
	mgr.logger.Infof("Connecting to etcd at %v", mgr.endpoints)

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   mgr.endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	mgr.client = cli

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := cli.Get(ctx, "test-connection"); err != nil {
		mgr.logger.Warnf("etcd connection test failed: %v", err)
	} else {
		mgr.logger.Infof("etcd connection test successful")
	}
	return nil
}

// Close stops the node watch and closes the etcd connection
func (mgr *EtcdManager) Close() error {
	mgr.mu.Lock()
	if mgr.watchCancel != nil {
		mgr.watchCancel()
		mgr.watchCancel = nil
	}
	mgr.mu.Unlock()

	if mgr.client != nil {
		mgr.logger.Infof("Closing etcd connection")
		err := mgr.client.Close()
		mgr.client = nil
		return err
	}
	return nil
}

// GetClient returns the etcd client
func (mgr *EtcdManager) GetClient() *clientv3.Client {
	return mgr.client
}

// GetPrefix returns the global prefix used for all etcd keys.
func (mgr *EtcdManager) GetPrefix() string {
	return mgr.prefix
}

// GetNodesPrefix returns the key prefix nodes register under
func (mgr *EtcdManager) GetNodesPrefix() string {
	return mgr.prefix + "/nodes/"
}

// GetShardMappingKey returns the key holding the shard mapping
func (mgr *EtcdManager) GetShardMappingKey() string {
	return mgr.prefix + "/shardmapping"
}

// Put stores a key-value pair in etcd
func (mgr *EtcdManager) Put(ctx context.Context, key, value string) error {
	if mgr.client == nil {
		return fmt.Errorf("etcd client not connected")
	}

	if _, err := mgr.client.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}

	mgr.logger.Debugf("Put key=%s, value=%s", key, value)
	return nil
}

// Get retrieves a value from etcd along with the store revision it was read at
func (mgr *EtcdManager) Get(ctx context.Context, key string) (string, int64, error) {
	if mgr.client == nil {
		return "", 0, fmt.Errorf("etcd client not connected")
	}

	resp, err := mgr.client.Get(ctx, key)
	if err != nil {
		return "", 0, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return "", resp.Header.Revision, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	value := string(resp.Kvs[0].Value)
	mgr.logger.Debugf("Get key=%s, value=%s", key, value)
	return value, resp.Header.Revision, nil
}

// Delete removes a key from etcd
func (mgr *EtcdManager) Delete(ctx context.Context, key string) error {
	if mgr.client == nil {
		return fmt.Errorf("etcd client not connected")
	}

	if _, err := mgr.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	mgr.logger.Debugf("Delete key=%s", key)
	return nil
}

// Watch watches for changes to a key. A positive rev starts the watch at that
// revision.
func (mgr *EtcdManager) Watch(ctx context.Context, key string, rev int64) clientv3.WatchChan {
	if mgr.client == nil {
		mgr.logger.Errorf("etcd client not connected")
		return nil
	}

	mgr.logger.Infof("Watching key=%s from revision %d", key, rev)
	if rev > 0 {
		return mgr.client.Watch(ctx, key, clientv3.WithRev(rev))
	}
	return mgr.client.Watch(ctx, key)
}

// RegisterNode registers a node with etcd using a lease kept alive until ctx
// is done or the node is unregistered.
func (mgr *EtcdManager) RegisterNode(ctx context.Context, nodeAddress string) error {
	if mgr.client == nil {
		return fmt.Errorf("etcd client not connected")
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.registeredNodeID != "" {
		if mgr.registeredNodeID != nodeAddress {
			return fmt.Errorf("node already registered with ID %s, cannot register different node ID %s", mgr.registeredNodeID, nodeAddress)
		}
		mgr.logger.Debugf("Node %s already registered, skipping", nodeAddress)
		return nil
	}

	lease, err := mgr.client.Grant(ctx, NodeLeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	key := mgr.GetNodesPrefix() + nodeAddress
	if _, err := mgr.client.Put(ctx, key, nodeAddress, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	keepAliveCh, err := mgr.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep alive lease: %w", err)
	}

	mgr.leaseID = lease.ID
	mgr.registeredNodeID = nodeAddress
	mgr.logger.Infof("Registered node %s with lease ID %d", nodeAddress, lease.ID)

	go func() {
		for ka := range keepAliveCh {
			if ka != nil {
				mgr.logger.Debugf("Keep-alive response for lease %d, TTL: %d", ka.ID, ka.TTL)
			}
		}
		mgr.logger.Infof("Keep-alive stopped for lease %d", lease.ID)
	}()
	return nil
}

// UnregisterNode revokes the node lease and removes the node key
func (mgr *EtcdManager) UnregisterNode(ctx context.Context, nodeAddress string) error {
	if mgr.client == nil {
		return nil
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if mgr.leaseID != 0 {
		if _, err := mgr.client.Revoke(ctx, mgr.leaseID); err != nil {
			mgr.logger.Warnf("Failed to revoke lease: %v", err)
		}
		mgr.leaseID = 0
	}

	if _, err := mgr.client.Delete(ctx, mgr.GetNodesPrefix()+nodeAddress); err != nil {
		return fmt.Errorf("failed to unregister node: %w", err)
	}

	mgr.registeredNodeID = ""
	mgr.logger.Infof("Unregistered node %s", nodeAddress)
	return nil
}

// WatchNodes loads the registered nodes and keeps GetNodes current until ctx
// is done or the manager is closed.
func (mgr *EtcdManager) WatchNodes(ctx context.Context) error {
	if mgr.client == nil {
		return fmt.Errorf("etcd client not connected")
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.watchCancel != nil {
		mgr.logger.Warnf("Watch already started")
		return nil
	}

	resp, err := mgr.client.Get(ctx, mgr.GetNodesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to get initial nodes: %w", err)
	}

	now := time.Now()
	initial := make(map[string]time.Time, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		initial[string(kv.Value)] = now
	}
	mgr.nodes.Replace(initial)
	mgr.signalNodesChanged()
	mgr.logger.Infof("Initialized with %d nodes", len(initial))

	watchCtx, cancel := context.WithCancel(ctx)
	mgr.watchCancel = cancel
	watchChan := mgr.client.Watch(watchCtx, mgr.GetNodesPrefix(), clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

	go mgr.processNodeEvents(watchCtx, watchChan)
	return nil
}

func (mgr *EtcdManager) processNodeEvents(ctx context.Context, watchChan clientv3.WatchChan) {
	mgr.logger.Infof("Started watching nodes at prefix %s", mgr.GetNodesPrefix())
	for {
		select {
		case <-ctx.Done():
			mgr.logger.Infof("Node watch stopped")
			return
		case watchResp, ok := <-watchChan:
			if !ok {
				mgr.logger.Warnf("Watch channel closed")
				return
			}
			if watchResp.Err() != nil {
				mgr.logger.Errorf("Watch error: %v", watchResp.Err())
				continue
			}

			for _, event := range watchResp.Events {
				switch event.Type {
				case clientv3.EventTypePut:
					nodeAddress := string(event.Kv.Value)
					mgr.nodes.Set(nodeAddress, time.Now())
					mgr.logger.Infof("Node added: %s", nodeAddress)
				case clientv3.EventTypeDelete:
					nodeAddress := string(event.Kv.Key)[len(mgr.GetNodesPrefix()):]
					mgr.nodes.Delete(nodeAddress)
					mgr.logger.Infof("Node removed: %s", nodeAddress)
				}
			}
			mgr.signalNodesChanged()
		}
	}
}

func (mgr *EtcdManager) signalNodesChanged() {
	select {
	case mgr.nodesChanged <- struct{}{}:
	default:
	}
}

// NodesChanged returns a channel signalled after the node list changes.
// Signals coalesce.
func (mgr *EtcdManager) NodesChanged() <-chan struct{} {
	return mgr.nodesChanged
}

// GetNodes returns the registered node addresses in sorted order
func (mgr *EtcdManager) GetNodes() []string {
	nodes := mgr.nodes.Keys()
	sort.Strings(nodes)
	return nodes
}

// GetNodesVersion returns the version of the node list, bumped on every change
func (mgr *EtcdManager) GetNodesVersion() uint64 {
	return mgr.nodes.Version()
}

// NodesStats returns the bookkeeping of the node list variable
func (mgr *EtcdManager) NodesStats() rcu.Stats {
	return mgr.nodes.Stats()
}
