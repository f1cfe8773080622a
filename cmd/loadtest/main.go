// Command loadtest drives a running plistore deployment. In read mode it
// fetches list headers and blocks from the query service; in write mode it
// publishes synthetic posting events to the indexer's Kafka topic.
//
// Usage:
//
//	go run ./cmd/loadtest -mode read -url http://localhost:8080 -lists 1000
//	go run ./cmd/loadtest -mode write -config configs/development.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/kafka"
)

type Stats struct {
	total     atomic.Int64
	ok        atomic.Int64
	failed    atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
	outcomes  map[string]int64
}

func NewStats() *Stats {
	return &Stats{
		latencies: make([]time.Duration, 0, 100000),
		outcomes:  make(map[string]int64),
	}
}

// Record counts one operation. outcome is an HTTP status code or "ok"/"error".
func (s *Stats) Record(d time.Duration, outcome string, success bool) {
	s.total.Add(1)
	if success {
		s.ok.Add(1)
	} else {
		s.failed.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.outcomes[outcome]++
	s.mu.Unlock()
}

func main() {
	mode := flag.String("mode", "read", "read (query API) or write (posting events)")
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the query service")
	configPath := flag.String("config", "configs/development.yaml", "config file, used in write mode")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	lists := flag.Int("lists", 1000, "number of distinct list ids to touch")
	chunk := flag.Int("chunk", 64, "bytes per posting chunk in write mode")
	flag.Parse()

	if *lists <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "-lists and -concurrency must be positive")
		os.Exit(2)
	}

	fmt.Println("=== plistore load test ===")
	fmt.Printf("Mode:        %s\n", *mode)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Duration:    %s\n", *duration)
	fmt.Printf("Lists:       %d\n", *lists)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var op func(ctx context.Context, worker int, rng *rand.Rand) (string, bool)
	switch *mode {
	case "read":
		op = readOp(*baseURL, *concurrency, *lists)
	case "write":
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.PostingEvents)
		defer producer.Close()
		op = writeOp(producer, *lists, *chunk)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}

	stats := run(ctx, *concurrency, op)
	printReport(stats, *duration)
}

func readOp(baseURL string, concurrency, lists int) func(context.Context, int, *rand.Rand) (string, bool) {
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        concurrency * 2,
			MaxIdleConnsPerHost: concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return func(ctx context.Context, worker int, rng *rand.Rand) (string, bool) {
		listID := rng.Intn(lists)
		target := fmt.Sprintf("%s/api/v1/lists/%d", baseURL, listID)
		if rng.Intn(2) == 0 {
			target = fmt.Sprintf("%s/api/v1/lists/%d/blocks/0", baseURL, listID)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "error", false
		}
		resp, err := client.Do(req)
		if err != nil {
			return "error", false
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		// A missing list is a valid answer.
		success := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound
		return strconv.Itoa(resp.StatusCode), success
	}
}

func writeOp(producer *kafka.Producer, lists, chunk int) func(context.Context, int, *rand.Rand) (string, bool) {
	var fid atomic.Uint32
	return func(ctx context.Context, worker int, rng *rand.Rand) (string, bool) {
		data := make([]byte, chunk)
		rng.Read(data)
		listID := uint32(rng.Intn(lists))
		ev := indexer.Event{
			Type:    indexer.EventChunk,
			ListID:  listID,
			Records: 1,
			MaxFID:  fid.Add(1),
			Data:    data,
		}
		err := producer.Publish(ctx, kafka.Event{Key: strconv.FormatUint(uint64(listID), 10), Value: ev})
		if err != nil {
			return "error", false
		}
		return "ok", true
	}
}

func run(ctx context.Context, concurrency int, op func(context.Context, int, *rand.Rand) (string, bool)) *Stats {
	stats := NewStats()
	var wg sync.WaitGroup
	fmt.Print("Running")
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))
			for ctx.Err() == nil {
				start := time.Now()
				outcome, success := op(ctx, worker, rng)
				if ctx.Err() != nil && !success {
					return
				}
				stats.Record(time.Since(start), outcome, success)
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.total.Load()
	failed := stats.failed.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Operations:  %d\n", total)
	fmt.Printf("Successful:  %d\n", stats.ok.Load())
	fmt.Printf("Failed:      %d\n", failed)
	if total > 0 {
		fmt.Printf("Error rate:  %.2f%%\n", float64(failed)/float64(total)*100)
		fmt.Printf("Ops/sec:     %.2f\n", float64(total)/duration.Seconds())
	}

	stats.mu.Lock()
	latencies := append([]time.Duration(nil), stats.latencies...)
	outcomes := make([]string, 0, len(stats.outcomes))
	for k := range stats.outcomes {
		outcomes = append(outcomes, k)
	}
	sort.Strings(outcomes)
	counts := make([]int64, len(outcomes))
	for i, k := range outcomes {
		counts[i] = stats.outcomes[k]
	}
	stats.mu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:  %s\n", latencies[0])
		fmt.Printf("Avg:  %s\n", sum/time.Duration(len(latencies)))
		fmt.Printf("P50:  %s\n", percentile(latencies, 50))
		fmt.Printf("P95:  %s\n", percentile(latencies, 95))
		fmt.Printf("P99:  %s\n", percentile(latencies, 99))
		fmt.Printf("Max:  %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Outcomes ===")
	for i, k := range outcomes {
		fmt.Printf("  %s: %d\n", k, counts[i])
	}
	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: nothing completed. Is the service running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
