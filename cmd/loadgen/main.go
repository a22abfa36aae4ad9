/**
 * @description
 * A small load generator for the ledger-service. It fires concurrent transfer
 * requests at a running instance, mixing fresh idempotency keys with
 * deliberately duplicated ones, and reports outcome counts and latency
 * percentiles. Useful for watching the first-committer-wins behavior and the
 * rate limiter under pressure.
 *
 * Usage:
 *   go run ./cmd/loadgen -url http://localhost:8080 -from acc-alice -to acc-bob \
 *     -currency BRL -amount 1 -workers 8 -requests 500 -dup-ratio 0.1
 */

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type transferBody struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Currency      string `json:"currency"`
	Amount        int64  `json:"amount"`
}

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "ledger-service base URL")
		from     = flag.String("from", "", "source account id")
		to       = flag.String("to", "", "destination account id")
		currency = flag.String("currency", "BRL", "transfer currency")
		amount   = flag.Int64("amount", 1, "transfer amount in minor units")
		workers  = flag.Int("workers", 8, "concurrent workers")
		requests = flag.Int("requests", 200, "total requests to send")
		dupRatio = flag.Float64("dup-ratio", 0.1, "fraction of requests reusing a previous idempotency key")
	)
	flag.Parse()

	if *from == "" || *to == "" {
		log.Fatal("level=fatal component=loadgen msg=\"-from and -to account ids are required\"")
	}

	body, err := json.Marshal(transferBody{
		FromAccountID: *from,
		ToAccountID:   *to,
		Currency:      *currency,
		Amount:        *amount,
	})
	if err != nil {
		log.Fatalf("level=fatal component=loadgen msg=\"request encode failed\" err=%v", err)
	}

	var (
		statusCounts sync.Map
		replays      atomic.Int64
		failures     atomic.Int64
		mu           sync.Mutex
		latencies    []time.Duration
		usedKeys     []string
	)

	client := &http.Client{Timeout: 30 * time.Second}
	jobs := make(chan string, *requests)

	// Pre-generate the key stream: mostly fresh keys, a slice of repeats.
	for i := 0; i < *requests; i++ {
		mu.Lock()
		reuse := len(usedKeys) > 0 && rand.Float64() < *dupRatio
		var key string
		if reuse {
			key = usedKeys[rand.Intn(len(usedKeys))]
		} else {
			key = uuid.New().String()
			usedKeys = append(usedKeys, key)
		}
		mu.Unlock()
		jobs <- key
	}
	close(jobs)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range jobs {
				reqStart := time.Now()
				req, reqErr := http.NewRequest(http.MethodPost, *baseURL+"/transfers", bytes.NewReader(body))
				if reqErr != nil {
					failures.Add(1)
					continue
				}
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Idempotency-Key", key)

				resp, doErr := client.Do(req)
				elapsed := time.Since(reqStart)
				if doErr != nil {
					failures.Add(1)
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()

				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()

				counter, _ := statusCounts.LoadOrStore(resp.StatusCode, &atomic.Int64{})
				counter.(*atomic.Int64).Add(1)
				if resp.StatusCode == http.StatusOK {
					replays.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	log.Printf("level=info component=loadgen msg=\"run complete\" requests=%d workers=%d elapsed=%s rps=%.1f",
		*requests, *workers, total.Round(time.Millisecond), float64(len(latencies))/total.Seconds())
	statusCounts.Range(func(code, counter any) bool {
		log.Printf("level=info component=loadgen status=%d count=%d", code, counter.(*atomic.Int64).Load())
		return true
	})
	log.Printf("level=info component=loadgen replays=%d transport_failures=%d", replays.Load(), failures.Load())
	if len(latencies) > 0 {
		fmt.Printf("latency p50=%s p95=%s p99=%s max=%s\n",
			percentile(latencies, 50), percentile(latencies, 95), percentile(latencies, 99), latencies[len(latencies)-1])
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
