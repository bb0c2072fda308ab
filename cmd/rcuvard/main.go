package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaonanln/rcuvar/server"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to YAML configuration file")
		grpcAddr    = flag.String("listen", "", "gRPC listen address, overrides server.grpc_addr (e.g., ':9200')")
		metricsAddr = flag.String("metrics", "", "HTTP address for /metrics and /healthz, overrides server.metrics_addr")
		etcdAddr    = flag.String("etcd", "", "Etcd address, overrides cluster.etcd.endpoints")
		etcdPrefix  = flag.String("etcd-prefix", "", "Etcd key prefix, overrides cluster.etcd.prefix")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("--config is required")
	}

	srv, err := server.NewServer(&server.ServerConfig{
		ConfigPath:  *configFile,
		GRPCAddr:    *grpcAddr,
		MetricsAddr: *metricsAddr,
		EtcdAddress: *etcdAddr,
		EtcdPrefix:  *etcdPrefix,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(ctx)
	}()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				// Reload logs its own outcome
				_, _ = srv.Reload()
				continue
			}
			log.Printf("Received signal %v, shutting down...", sig)
			cancel()
			if err := <-errChan; err != nil {
				log.Printf("Server error: %v", err)
			}
			log.Println("rcuvard stopped")
			return
		case err := <-errChan:
			if err != nil {
				log.Fatalf("Server error: %v", err)
			}
			return
		}
	}
}
