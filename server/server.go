package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/xiaonanln/rcuvar/cluster/etcdmanager"
	"github.com/xiaonanln/rcuvar/cluster/leaderelection"
	"github.com/xiaonanln/rcuvar/cluster/sharding"
	"github.com/xiaonanln/rcuvar/config"
	"github.com/xiaonanln/rcuvar/inspector"
	"github.com/xiaonanln/rcuvar/rcu"
	"github.com/xiaonanln/rcuvar/util/logger"
	"github.com/xiaonanln/rcuvar/util/postgres"
)

const (
	// NodesVariableName is the inspector name of the etcd node list
	NodesVariableName = "etcd_nodes"

	shutdownTimeout = 5 * time.Second
)

// ServerConfig holds the startup options of a Server. Non-empty fields
// override the matching values of the configuration file.
type ServerConfig struct {
	ConfigPath  string
	GRPCAddr    string
	MetricsAddr string
	EtcdAddress string
	EtcdPrefix  string
}

// Server publishes the live configuration and the shard mapping as RCU
// variables and exposes them over gRPC and HTTP.
type Server struct {
	config   *ServerConfig
	live     *config.Live
	registry *inspector.Registry
	mapper   *sharding.ShardMapper
	etcd     *etcdmanager.EtcdManager
	election *leaderelection.LeaderElection
	history  *postgres.DB
	logger   *logger.Logger

	grpcAddr    string
	metricsAddr string

	runMu   sync.Mutex
	running bool
}

// nodesSource exposes the etcd node list to the inspector
type nodesSource struct {
	mgr *etcdmanager.EtcdManager
}

func (n nodesSource) Stats() rcu.Stats {
	return n.mgr.NodesStats()
}

// NewServer loads the configuration file and builds the shard mapper. The
// mapper follows etcd when an etcd address is configured and the static node
// list of the configuration otherwise.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if err := validateServerConfig(cfg); err != nil {
		return nil, err
	}

	live, err := config.NewLive(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	current := live.Get()
	logger.SetDefaultLevel(current.GetLogLevel())

	s := &Server{
		config:      cfg,
		live:        live,
		registry:    inspector.NewRegistry(),
		logger:      logger.NewLogger("Server"),
		grpcAddr:    firstNonEmpty(cfg.GRPCAddr, current.Server.GRPCAddr),
		metricsAddr: firstNonEmpty(cfg.MetricsAddr, current.Server.MetricsAddr),
	}

	var opts []sharding.Option
	if current.Postgres.Enabled() {
		if err := s.openHistory(current.Postgres); err != nil {
			live.Close()
			return nil, err
		}
		opts = append(opts, sharding.WithHistoryStore(s.history))
	}

	etcdAddr := firstNonEmpty(cfg.EtcdAddress, current.GetEtcdAddress())
	if etcdAddr != "" {
		prefix := firstNonEmpty(cfg.EtcdPrefix, current.GetEtcdPrefix(), etcdmanager.DefaultPrefix)
		mgr, err := etcdmanager.NewEtcdManager(etcdAddr, prefix)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to create etcd manager: %w", err)
		}
		s.etcd = mgr
	}

	numShards := current.GetNumShards()
	if numShards <= 0 {
		numShards = sharding.NumShards
	}
	s.mapper = sharding.NewShardMapper(s.etcd, numShards, opts...)

	if err := s.registry.Register(config.VariableName, live); err != nil {
		s.closeStores()
		return nil, err
	}
	if err := s.registry.Register(sharding.VariableName, s.mapper); err != nil {
		s.closeStores()
		return nil, err
	}
	if s.etcd != nil {
		if err := s.registry.Register(NodesVariableName, nodesSource{s.etcd}); err != nil {
			s.closeStores()
			return nil, err
		}
	}
	return s, nil
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if cfg.ConfigPath == "" {
		return fmt.Errorf("ConfigPath cannot be empty")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) openHistory(pc config.PostgresConfig) error {
	pgCfg := &postgres.Config{
		Host:     pc.Host,
		Port:     pc.Port,
		User:     pc.User,
		Password: pc.Password,
		Database: pc.Database,
		SSLMode:  pc.SSLMode,
	}
	db, err := postgres.NewDB(pgCfg)
	if err != nil {
		return fmt.Errorf("failed to open shard mapping history: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize shard mapping history: %w", err)
	}
	s.history = db
	s.logger.Infof("Recording shard mapping history in %s", pgCfg)
	return nil
}

// Config returns the live configuration
func (s *Server) Config() *config.Live {
	return s.live
}

// ShardMapper returns the shard mapper
func (s *Server) ShardMapper() *sharding.ShardMapper {
	return s.mapper
}

// Registry returns the variables exposed by the inspector service
func (s *Server) Registry() *inspector.Registry {
	return s.registry
}

// GRPCAddr returns the gRPC listen address
func (s *Server) GRPCAddr() string {
	return s.grpcAddr
}

// Reload re-reads the configuration file. A changed configuration is applied
// by Run: the log level immediately, the node list through a new shard mapping.
func (s *Server) Reload() (bool, error) {
	changed, err := s.live.Reload()
	if err != nil {
		s.logger.Errorf("Failed to reload configuration: %v", err)
		return false, err
	}
	if changed {
		s.logger.Infof("Configuration reloaded")
	} else {
		s.logger.Infof("Configuration unchanged")
	}
	return changed, nil
}

// Run serves until ctx is done, then shuts down gracefully and releases every
// resource of the server. A Server runs at most once.
func (s *Server) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.running = true
	s.runMu.Unlock()
	defer s.closeStores()

	grpcListener, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.grpcAddr, err)
	}

	grpcServer := grpc.NewServer()
	inspector.RegisterInspectorServer(grpcServer, inspector.NewService(s.registry))
	reflection.Register(grpcServer)

	var httpServer *http.Server
	if s.metricsAddr != "" {
		httpListener, err := net.Listen("tcp", s.metricsAddr)
		if err != nil {
			grpcListener.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.metricsAddr, err)
		}
		httpServer = &http.Server{
			Handler:           s.createHTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.logger.Infof("HTTP server listening on %s", httpListener.Addr())
			if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Errorf("HTTP server error: %v", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.etcd != nil {
		if err := s.startEtcd(runCtx, &wg); err != nil {
			grpcListener.Close()
			if httpServer != nil {
				httpServer.Close()
			}
			return err
		}
	}

	grpcDone := make(chan error, 1)
	go func() {
		s.logger.Infof("gRPC server listening on %s", grpcListener.Addr())
		grpcDone <- grpcServer.Serve(grpcListener)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reconcileLoop(runCtx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Infof("Shutting down")
	case serveErr = <-grpcDone:
		s.logger.Errorf("gRPC server error: %v", serveErr)
	}

	cancel()
	grpcServer.GracefulStop()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnf("HTTP server shutdown: %v", err)
		}
		shutdownCancel()
	}
	wg.Wait()

	if s.etcd != nil {
		unregisterCtx, unregisterCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.etcd.UnregisterNode(unregisterCtx, s.grpcAddr); err != nil {
			s.logger.Warnf("Failed to unregister node: %v", err)
		}
		unregisterCancel()
	}

	s.logger.Infof("Server stopped")
	return serveErr
}

// startEtcd connects to etcd, registers this node, joins the election for the
// shard mapping writer and starts following the node list and the stored
// shard mapping.
func (s *Server) startEtcd(ctx context.Context, wg *sync.WaitGroup) error {
	if err := s.etcd.Connect(); err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	if err := s.etcd.RegisterNode(ctx, s.grpcAddr); err != nil {
		return err
	}
	if err := s.etcd.WatchNodes(ctx); err != nil {
		return err
	}

	election, err := leaderelection.NewLeaderElection(s.etcd.GetClient(), s.etcd.GetPrefix()+"/leader", s.grpcAddr, etcdmanager.NodeLeaseTTL)
	if err != nil {
		return err
	}
	s.election = election
	if err := s.registry.Register(leaderelection.VariableName, election); err != nil {
		return err
	}
	if err := election.Start(ctx); err != nil {
		return err
	}

	if _, err := s.mapper.LoadShardMapping(ctx); err != nil {
		if !errors.Is(err, etcdmanager.ErrKeyNotFound) {
			s.logger.Warnf("Failed to load shard mapping: %v", err)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.mapper.WatchShardMapping(ctx); err != nil && ctx.Err() == nil {
			s.logger.Errorf("Shard mapping watch stopped: %v", err)
		}
	}()
	return nil
}

// reconcileLoop republishes the shard mapping whenever the configuration or
// the registered nodes change.
func (s *Server) reconcileLoop(ctx context.Context) {
	configChanged := s.live.Subscribe()
	var nodesChanged, leaderChanged <-chan struct{}
	if s.etcd != nil {
		nodesChanged = s.etcd.NodesChanged()
		leaderChanged = s.election.Changed()
	}

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-configChanged:
			if !ok {
				return
			}
			s.applyLogLevel()
			s.reconcile(ctx)
		case <-nodesChanged:
			s.reconcile(ctx)
		case <-leaderChanged:
			s.reconcile(ctx)
		}
	}
}

func (s *Server) applyLogLevel() {
	cfg := s.live.Get()
	level := cfg.GetLogLevel()
	logger.SetDefaultLevel(level)
	s.logger.SetLevel(level)
}

// reconcile computes the shard mapping for the current node list. With etcd
// only the leader writes; the other nodes pick the result up from the watch.
func (s *Server) reconcile(ctx context.Context) {
	var nodes []string
	if s.etcd != nil {
		if !s.election.IsLeader() {
			s.logger.Debugf("Not the leader (leader is %q), skipping shard mapping update", s.election.GetLeader())
			return
		}
		nodes = s.etcd.GetNodes()
	} else {
		snap := s.live.Current()
		cfg := snap.Get()
		snap.Release()
		nodes = cfg.Cluster.Nodes
		if shards := cfg.GetNumShards(); shards > 0 && shards != s.mapper.NumShards() {
			s.logger.Warnf("Shard count changed to %d; restart to apply (serving %d)", shards, s.mapper.NumShards())
		}
	}

	if len(nodes) == 0 {
		return
	}
	mapping, err := s.mapper.UpdateShardMapping(ctx, nodes)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Errorf("Failed to update shard mapping: %v", err)
		}
		return
	}
	s.logger.Infof("Shard mapping at version %d over %d nodes", mapping.Version, len(mapping.Nodes))
}

func (s *Server) createHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

// closeStores releases everything NewServer created
func (s *Server) closeStores() {
	s.registry.Unregister(leaderelection.VariableName)
	s.registry.Unregister(NodesVariableName)
	s.registry.Unregister(sharding.VariableName)
	s.registry.Unregister(config.VariableName)

	if s.mapper != nil {
		s.mapper.Close()
	}
	if s.election != nil {
		if err := s.election.Close(); err != nil {
			s.logger.Warnf("Failed to close leader election: %v", err)
		}
	}
	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warnf("Failed to close etcd manager: %v", err)
		}
	}
	if s.history != nil {
		s.history.Close()
	}
	s.live.Close()
}
