package leaderelection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/xiaonanln/rcuvar/rcu"
	"github.com/xiaonanln/rcuvar/util/logger"
)

const (
	// DefaultSessionTTL is the default TTL for the etcd session in seconds
	DefaultSessionTTL = 10

	// VariableName is the name the observed leader is published under
	VariableName = "leader"
)

// LeaderElection elects one writer among the nodes sharing an etcd prefix.
// The observed leader is published in an RCU variable so IsLeader and
// GetLeader never block on the election.
type LeaderElection struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	nodeID   string
	prefix   string
	ttl      int
	logger   *logger.Logger

	leader  *rcu.Variable[string]
	changed chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLeaderElection creates an election under prefix for nodeID, usually the
// node's advertised address. ttl is the session lease in seconds; the default
// is used when it is not positive.
func NewLeaderElection(client *clientv3.Client, prefix string, nodeID string, ttl int) (*LeaderElection, error) {
	if client == nil {
		return nil, fmt.Errorf("etcd client cannot be nil")
	}
	if nodeID == "" {
		return nil, fmt.Errorf("nodeID cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &LeaderElection{
		client:  client,
		nodeID:  nodeID,
		prefix:  prefix,
		ttl:     ttl,
		logger:  logger.NewLogger(fmt.Sprintf("LeaderElection(%s)", nodeID)),
		leader:  rcu.New("", rcu.WithName(VariableName)),
		changed: make(chan struct{}, 1),
	}, nil
}

// Start opens the election session, then observes the leader and campaigns
// in the background until ctx is done or Close is called.
func (le *LeaderElection) Start(ctx context.Context) error {
	le.mu.Lock()
	defer le.mu.Unlock()
	if le.session != nil {
		return fmt.Errorf("election already started")
	}

	session, err := concurrency.NewSession(le.client, concurrency.WithTTL(le.ttl))
	if err != nil {
		return fmt.Errorf("failed to create etcd session with TTL %d: %w", le.ttl, err)
	}
	le.session = session
	le.election = concurrency.NewElection(session, le.prefix)

	runCtx, cancel := context.WithCancel(ctx)
	le.cancel = cancel

	le.wg.Add(2)
	go le.observe(runCtx)
	go le.campaign(runCtx)

	le.logger.Infof("Election started under %s with TTL %d seconds", le.prefix, le.ttl)
	return nil
}

func (le *LeaderElection) campaign(ctx context.Context) {
	defer le.wg.Done()
	if err := le.election.Campaign(ctx, le.nodeID); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			le.logger.Errorf("Campaign failed: %v", err)
		}
		return
	}
	le.logger.Infof("Campaign won")
}

func (le *LeaderElection) observe(ctx context.Context) {
	defer le.wg.Done()

	for resp := range le.election.Observe(ctx) {
		var leader string
		if len(resp.Kvs) > 0 {
			leader = string(resp.Kvs[0].Value)
		}
		le.setLeader(leader)
	}
	if ctx.Err() == nil {
		// The session expired; nobody is known to lead from here on
		le.logger.Warnf("Leader observation stopped")
		le.setLeader("")
	}
}

func (le *LeaderElection) setLeader(leader string) {
	old := le.GetLeader()
	if old == leader {
		return
	}
	le.leader.Assign(leader)

	switch {
	case leader == le.nodeID:
		le.logger.Infof("Became leader (was %q)", old)
	case old == le.nodeID:
		le.logger.Infof("Lost leadership to %q", leader)
	default:
		le.logger.Infof("Leader changed from %q to %q", old, leader)
	}

	select {
	case le.changed <- struct{}{}:
	default:
	}
}

// IsLeader reports whether this node is the observed leader
func (le *LeaderElection) IsLeader() bool {
	return le.GetLeader() == le.nodeID
}

// GetLeader returns the observed leader's node ID, "" when none is known
func (le *LeaderElection) GetLeader() string {
	snap := le.leader.Read()
	defer snap.Release()
	return snap.Get()
}

// Changed returns a channel signalled after the observed leader changes.
// Signals coalesce.
func (le *LeaderElection) Changed() <-chan struct{} {
	return le.changed
}

// Stats returns the bookkeeping of the leader variable
func (le *LeaderElection) Stats() rcu.Stats {
	return le.leader.Stats()
}

// Resign steps down so that the next candidate takes over. It is a no-op
// when this node is not the leader.
func (le *LeaderElection) Resign(ctx context.Context) error {
	le.mu.Lock()
	election := le.election
	le.mu.Unlock()
	if election == nil {
		return fmt.Errorf("election not started")
	}
	if !le.IsLeader() {
		return nil
	}
	if err := election.Resign(ctx); err != nil {
		return fmt.Errorf("resign failed: %w", err)
	}
	le.logger.Infof("Resigned")
	return nil
}

// Close stops campaigning and observing, then closes the session, which
// revokes its lease and hands leadership to the next candidate.
func (le *LeaderElection) Close() error {
	le.mu.Lock()
	cancel := le.cancel
	session := le.session
	le.cancel = nil
	le.session = nil
	le.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	le.wg.Wait()

	var err error
	if session != nil {
		if err = session.Close(); err != nil {
			le.logger.Warnf("Failed to close session: %v", err)
		}
	}
	le.leader.Close()
	return err
}
