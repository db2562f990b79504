// cmd/server is the main entrypoint for a KV store node.
//
// Configuration is via flags, whose defaults may come from a YAML file given
// with --config, so a single binary can serve any role in the cluster.
//
// Example — single node:
//
//	./server --id node1 --addr :8080 --data-dir /var/kvstore/node1
//
// Example — 3-node cluster:
//
//	./server --id node1 --addr :8080 --data-dir /tmp/n1 \
//	         --peers node2=localhost:8081,node3=localhost:8082
//	./server --id node2 --addr :8081 --data-dir /tmp/n2 \
//	         --peers node1=localhost:8080,node3=localhost:8082
//	./server --id node3 --addr :8082 --data-dir /tmp/n3 \
//	         --peers node1=localhost:8080,node2=localhost:8081
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ringkv/ringkv/internal/api"
	"github.com/ringkv/ringkv/internal/cluster"
	"github.com/ringkv/ringkv/internal/config"
	"github.com/ringkv/ringkv/internal/keyspace"
	"github.com/ringkv/ringkv/internal/neighborhood"
	"github.com/ringkv/ringkv/internal/rmtman"
	"github.com/ringkv/ringkv/internal/runtime"
	"github.com/ringkv/ringkv/internal/store"

	"github.com/gin-gonic/gin"
)

func main() {
	// ── Config file (optional) ────────────────────────────────────────────
	// A config file, if given, supplies defaults; explicit flags always
	// override it. --config is scanned out of os.Args by hand first, since
	// flag.Parse hasn't declared the other flags' defaults yet at this point.
	configPath := scanConfigFlag(os.Args[1:])

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// ── Flags ──────────────────────────────────────────────────────────────
	flag.String("config", configPath, "Path to a YAML config file")
	nodeID := flag.String("id", cfg.Node.ID, "Unique node identifier")
	addr := flag.String("addr", cfg.Node.Address, "Listen address (host:port)")
	dataDir := flag.String("data-dir", cfg.Store.DataDir, "Directory for WAL and snapshots")
	peersFlag := flag.String("peers", strings.Join(cfg.Cluster.Peers, ","), "Comma-separated list of peer nodes: id=host:port")
	replicationN := flag.Int("n", cfg.Cluster.Replication, "Replication factor (N)")
	writeQuorum := flag.Int("w", cfg.Cluster.WriteQuorum, "Write quorum (W)")
	readQuorum := flag.Int("r", cfg.Cluster.ReadQuorum, "Read quorum (R)")
	predL := flag.Int("pred-list-length", cfg.RMTMan.PredListLength, "RM-TMan predecessor list length")
	succL := flag.Int("succ-list-length", cfg.RMTMan.SuccListLength, "RM-TMan successor list length")
	cacheSize := flag.Int("cyclon-cache-size", cfg.RMTMan.CyclonCacheSize, "RM-TMan random-view cache size")
	basePeriod := flag.Duration("stabilization-interval-base", cfg.RMTMan.StabilizationIntervalBase, "RM-TMan gossip period")
	flag.Parse()

	if *writeQuorum+*readQuorum <= *replicationN {
		log.Fatalf("FATAL: W(%d) + R(%d) must be > N(%d) for strong consistency",
			*writeQuorum, *readQuorum, *replicationN)
	}

	// ── Storage ────────────────────────────────────────────────────────────
	nodeDataDir := fmt.Sprintf("%s/%s", *dataDir, *nodeID)
	s, err := store.New(nodeDataDir, *nodeID)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer s.Close()

	// ── Cluster membership ─────────────────────────────────────────────────
	// Always add self to the membership list.
	selfNode := cluster.Node{ID: *nodeID, Address: *addr}
	nodes := []cluster.Node{selfNode}

	if *peersFlag != "" {
		for _, entry := range strings.Split(*peersFlag, ",") {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				log.Fatalf("invalid peer format %q: expected id=host:port", entry)
			}
			nodes = append(nodes, cluster.Node{ID: parts[0], Address: parts[1]})
		}
	}

	membership := cluster.NewMembership(nodes, 150)

	// ── Replicator ─────────────────────────────────────────────────────────
	// If there are fewer nodes than N, cap quorum to avoid deadlock.
	n := min(*replicationN, membership.Ring().NodeCount())
	w := min(*writeQuorum, n)
	r := min(*readQuorum, n)
	replicator := cluster.NewReplicator(*nodeID, membership, s, n, w, r)

	// ── Ring-maintenance overlay (RM-TMan + ProtoSched core) ────────────────
	overlayCtx, stopOverlay := context.WithCancel(context.Background())
	defer stopOverlay()

	rmtmanLogger := runtime.NewStdLogger(fmt.Sprintf("[%s/overlay]", *nodeID))
	overlay, err := cluster.NewOverlay(rmtman.Config{
		PredL:        *predL,
		SuccL:        *succL,
		MaxCacheSize: *cacheSize,
		BasePeriod:   *basePeriod,
	}, neighborhood.ProcessAddr(*addr), rmtmanLogger)
	if err != nil {
		log.Fatalf("start overlay: %v", err)
	}
	overlay.Start(overlayCtx, *basePeriod)

	// Seed the overlay's random-peer cache with the same peer list given to
	// the static membership, so gossip has somewhere to start from.
	for _, peer := range nodes {
		if peer.Address == *addr {
			continue
		}
		overlay.Join(neighborhood.Descriptor{
			Addr:    neighborhood.ProcessAddr(peer.Address),
			ID:      keyspace.HashKey([]byte(peer.Address)),
			Version: 1,
		})
	}

	// ── HTTP server ────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(*nodeID), api.Recovery(*nodeID))

	handler := api.NewHandler(s, replicator, membership, overlay, *nodeID)
	handler.Register(router)

	// Health check endpoint — useful for load balancers and readiness probes.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"node":   *nodeID,
			"status": "ok",
			"nodes":  membership.Ring().NodeCount(),
		})
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	// Listen for SIGINT/SIGTERM and give in-flight requests 15s to complete.
	go func() {
		log.Printf("Node %s listening on %s (N=%d W=%d R=%d)", *nodeID, *addr, n, w, r)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Background snapshot every 60 seconds.
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := s.Snapshot(); err != nil {
				log.Printf("snapshot error: %v", err)
			} else {
				log.Printf("snapshot saved")
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down node", *nodeID)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Take a final snapshot before exiting.
	if err := s.Snapshot(); err != nil {
		log.Printf("final snapshot error: %v", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}

// scanConfigFlag pulls the value of --config/-config out of args by hand,
// without a flag.FlagSet, so that it can be known before the real flags
// (whose defaults depend on it) are declared.
func scanConfigFlag(args []string) string {
	for i, a := range args {
		switch {
		case a == "--config" || a == "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		}
	}
	return ""
}
