package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ordopool/ordopool/catchup"
	"github.com/ordopool/ordopool/consensus"
	"github.com/ordopool/ordopool/metrics"
	"github.com/ordopool/ordopool/network"
	"github.com/ordopool/ordopool/pool"
)

// BenchConfig holds configuration for the pool benchmark.
type BenchConfig struct {
	PoolSize    int
	Instances   int
	Concurrency int
	Duration    time.Duration
	ReportFile  string
}

// BenchResult holds the results of a benchmark run.
type BenchResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

func main() {
	config := parseFlags()

	fmt.Println("=== Ordopool Ordering Benchmark ===")
	fmt.Printf("Pool size: %d nodes\n", config.PoolSize)
	fmt.Printf("Instances: %d\n", config.Instances)
	fmt.Printf("Concurrency: %d workers\n", config.Concurrency)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Println()

	nodes, shutdown, err := buildPool(config)
	if err != nil {
		log.Fatalf("Failed to build pool: %v", err)
	}
	defer shutdown()

	result := runBench(config, nodes)

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() BenchConfig {
	config := BenchConfig{}

	flag.IntVar(&config.PoolSize, "nodes", 4, "Number of pool nodes (3f+1)")
	flag.IntVar(&config.Instances, "instances", 1, "Ordering instances per node")
	flag.IntVar(&config.Concurrency, "c", 10, "Number of concurrent client workers")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of the run")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	return config
}

// buildPool wires an in-process pool over a loopback hub.
func buildPool(config BenchConfig) ([]*consensus.Node, func(), error) {
	names := make([]string, config.PoolSize)
	for i := range names {
		names[i] = fmt.Sprintf("node%d", i+1)
	}
	member, err := pool.NewMembership(names)
	if err != nil {
		return nil, nil, err
	}

	cfg := pool.DefaultConfig()
	cfg.Instances = config.Instances

	hub := network.NewHub()
	nodes := make([]*consensus.Node, 0, config.PoolSize)
	for _, name := range names {
		met := metrics.New("bench_" + strings.ToLower(name))
		nodes = append(nodes, consensus.NewNode(name, member, cfg, hub.Join(name), met))
	}
	for _, n := range nodes {
		self := n.Name()
		n.SetPeers(func() []catchup.Peer {
			var peers []catchup.Peer
			for _, p := range nodes {
				if p.Name() != self {
					peers = append(peers, p)
				}
			}
			return peers
		})
	}
	for _, n := range nodes {
		if err := n.Start(); err != nil {
			return nil, nil, err
		}
	}

	shutdown := func() {
		for _, n := range nodes {
			n.Shutdown()
		}
	}
	return nodes, shutdown, nil
}

func runBench(config BenchConfig, nodes []*consensus.Node) BenchResult {
	var (
		totalReqs    int64
		successReqs  int64
		failedReqs   int64
		totalLatency int64
		minLatency   int64 = 1<<63 - 1
		maxLatency   int64
		wg           sync.WaitGroup
		stopChan     = make(chan struct{})
	)

	startTime := time.Now()

	// Start workers, spread across the pool nodes
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			node := nodes[workerID%len(nodes)]
			runWorker(workerID, node, stopChan, &totalReqs, &successReqs, &failedReqs, &totalLatency, &minLatency, &maxLatency)
		}(i)
	}

	// Wait for duration
	time.Sleep(config.Duration)
	close(stopChan)
	wg.Wait()

	duration := time.Since(startTime)
	total := atomic.LoadInt64(&totalReqs)
	success := atomic.LoadInt64(&successReqs)
	failed := atomic.LoadInt64(&failedReqs)
	latencySum := atomic.LoadInt64(&totalLatency)
	minLat := atomic.LoadInt64(&minLatency)
	maxLat := atomic.LoadInt64(&maxLatency)

	var avgLatency time.Duration
	if success > 0 {
		avgLatency = time.Duration(latencySum / success)
	}

	return BenchResult{
		TotalRequests:  total,
		SuccessfulReqs: success,
		FailedReqs:     failed,
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(maxLat),
		RequestsPerSec: float64(total) / duration.Seconds(),
	}
}

func runWorker(id int, node *consensus.Node, stop chan struct{}, totalReqs, successReqs, failedReqs, totalLatency, minLatency, maxLatency *int64) {
	seq := 0
	for {
		select {
		case <-stop:
			return
		default:
			seq++
			req := consensus.Request{
				Client: fmt.Sprintf("bench-%d", id),
				ID:     fmt.Sprintf("%d", seq),
				Op:     []byte("noop"),
			}

			start := time.Now()
			err := node.SubmitAndWait(req, 10*time.Second)
			latency := time.Since(start)
			atomic.AddInt64(totalReqs, 1)

			if err != nil {
				atomic.AddInt64(failedReqs, 1)
				// Small sleep on error to avoid hammering
				time.Sleep(10 * time.Millisecond)
			} else {
				atomic.AddInt64(successReqs, 1)
				atomic.AddInt64(totalLatency, int64(latency))

				// Update min/max latency
				lat := int64(latency)
				for {
					old := atomic.LoadInt64(minLatency)
					if lat >= old || atomic.CompareAndSwapInt64(minLatency, old, lat) {
						break
					}
				}
				for {
					old := atomic.LoadInt64(maxLatency)
					if lat <= old || atomic.CompareAndSwapInt64(maxLatency, old, lat) {
						break
					}
				}
			}
		}
	}
}

func printResults(result BenchResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, float64(result.SuccessfulReqs)/float64(result.TotalRequests)*100)
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, float64(result.FailedReqs)/float64(result.TotalRequests)*100)
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config BenchConfig, result BenchResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"nodes":       config.PoolSize,
			"instances":   config.Instances,
			"concurrency": config.Concurrency,
			"duration":    config.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
