package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ordopool/ordopool/consensus"
	"github.com/ordopool/ordopool/metrics"
	"github.com/ordopool/ordopool/network"
	"github.com/ordopool/ordopool/pool"
)

func main() {
	var (
		name        = flag.String("name", "", "this node's member name")
		members     = flag.String("members", "", "ordered pool members as name=address pairs, comma separated")
		metricsAddr = flag.String("metrics", "", "address for the Prometheus /metrics endpoint (optional)")
		tolerate    = flag.Duration("tolerate", 30*time.Second, "primary disconnection tolerance")
		ckInterval  = flag.Int("checkpoint-interval", 10, "committed sequences between checkpoints")
		instances   = flag.Int("instances", 1, "number of parallel ordering instances")
	)
	flag.Parse()

	if *name == "" || *members == "" {
		log.Fatal("both -name and -members are required")
	}

	names, addrs, err := parseMembers(*members)
	if err != nil {
		log.Fatalf("Failed to parse members: %v", err)
	}
	member, err := pool.NewMembership(names)
	if err != nil {
		log.Fatalf("Invalid membership: %v", err)
	}
	self, ok := addrs[*name]
	if !ok {
		log.Fatalf("Node %s is not listed in -members", *name)
	}

	cfg := pool.DefaultConfig()
	cfg.ToleratePrimaryDisconnection = *tolerate
	cfg.CheckpointInterval = *ckInterval
	cfg.Instances = *instances

	transport := network.NewZmqTransport(*name, self, nil)
	for peer, addr := range addrs {
		if peer != *name {
			transport.RegisterPeer(peer, addr, nil)
		}
	}

	met := metrics.New("ordopool")
	node := consensus.NewNode(*name, member, cfg, transport, met)

	if err := node.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	if *metricsAddr != "" {
		go func() {
			if err := met.Serve(*metricsAddr); err != nil {
				log.Printf("error: metrics endpoint: %v", err)
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down node...")
	node.Shutdown()
	log.Println("Node stopped.")
}

// parseMembers splits "Alpha=tcp://host:5551,Beta=tcp://host:5552" into the
// ordered name list and the address table.
func parseMembers(spec string) ([]string, map[string]string, error) {
	var names []string
	addrs := make(map[string]string)

	for _, part := range strings.Split(spec, ",") {
		name, addr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" || addr == "" {
			return nil, nil, errBadMember(part)
		}
		names = append(names, name)
		addrs[name] = addr
	}
	return names, addrs, nil
}

type errBadMember string

func (e errBadMember) Error() string {
	return "member entry must be name=address, got " + string(e)
}
