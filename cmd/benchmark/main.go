package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	firstUser   int64
	userCount   int64
	amount      string
)

var (
	totalRequests uint64
	success2xx    uint64
	fail409       uint64 // Conflicts
	fail422       uint64 // Insufficient funds
	fail503       uint64 // Lock timeouts, retry
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | approve-race")
	flag.Int64Var(&firstUser, "first-user", 1001, "Lowest seeded user id")
	flag.Int64Var(&userCount, "users", 1000, "Number of seeded users")
	flag.StringVar(&amount, "amount", "1.00", "Amount per transfer")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	client := &http.Client{Timeout: 5 * time.Second}
	start := time.Now()

	switch workload {
	case "uniform", "hotspot":
		var wg sync.WaitGroup
		wg.Add(concurrency)
		for i := 0; i < concurrency; i++ {
			go sendWorker(&wg, client, start)
		}
		wg.Wait()
	case "approve-race":
		if err := approveRace(client); err != nil {
			log.Fatal(err)
		}
	default:
		log.Fatalf("unknown workload %q", workload)
	}

	printResults(time.Since(start))
}

func sendWorker(wg *sync.WaitGroup, client *http.Client, start time.Time) {
	defer wg.Done()

	for time.Since(start) < duration {
		from, to := pickUsers()
		key := fmt.Sprintf("bench-%d-%d-%d", from, to, time.Now().UnixNano())
		body, _ := json.Marshal(map[string]any{"to_user_id": to, "amount": amount})

		code, err := call(client, http.MethodPost, "/api/v1/transfers/send", from, key, body, nil)
		tally(code, err)
	}
}

// approveRace opens one request and has every worker approve it at once.
// Exactly one approval may succeed.
func approveRace(client *http.Client) error {
	payer, requester := firstUser, firstUser+1
	body, _ := json.Marshal(map[string]any{"payer_user_id": payer, "amount": amount})

	var created struct {
		TransferID int64 `json:"transfer_id"`
	}
	code, err := call(client, http.MethodPost, "/api/v1/transfers/request", requester, "", body, &created)
	if err != nil {
		return err
	}
	if code != http.StatusCreated {
		return fmt.Errorf("create request: unexpected status %d", code)
	}

	path := fmt.Sprintf("/api/v1/transfers/%d/approve", created.TransferID)
	gate := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			<-gate
			code, err := call(client, http.MethodPut, path, payer, "", nil, nil)
			tally(code, err)
		}()
	}
	close(gate)
	wg.Wait()

	if n := atomic.LoadUint64(&success2xx); n != 1 {
		log.Printf("WARNING: %d approvals succeeded for transfer %d", n, created.TransferID)
	}
	return nil
}

func call(client *http.Client, method, path string, userID int64, key string, body []byte, out any) (int, error) {
	req, err := http.NewRequest(method, targetURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", fmt.Sprint(userID))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func tally(code int, err error) {
	if err != nil {
		atomic.AddUint64(&failOther, 1)
		return
	}
	atomic.AddUint64(&totalRequests, 1)
	switch {
	case code >= 200 && code < 300:
		atomic.AddUint64(&success2xx, 1)
	case code == http.StatusConflict:
		atomic.AddUint64(&fail409, 1)
	case code == http.StatusUnprocessableEntity:
		atomic.AddUint64(&fail422, 1)
	case code == http.StatusServiceUnavailable:
		atomic.AddUint64(&fail503, 1)
	default:
		atomic.AddUint64(&failOther, 1)
	}
}

func pickUsers() (int64, int64) {
	if workload == "hotspot" {
		// 90% of traffic between the first two users
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return firstUser, firstUser + 1
			}
			return firstUser + 1, firstUser
		}
	}

	a := rand.Int63n(userCount)
	b := rand.Int63n(userCount)
	for a == b {
		b = rand.Int63n(userCount)
	}
	return firstUser + a, firstUser + b
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&success2xx)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	f503 := atomic.LoadUint64(&fail503)
	fErr := atomic.LoadUint64(&failOther)

	var abortRate float64
	if total > 0 {
		abortRate = float64(f409+f503) / float64(total) * 100
	}

	results := map[string]any{
		"workload":              workload,
		"duration_sec":          d.Seconds(),
		"total_requests":        total,
		"throughput_tps":        float64(total) / d.Seconds(),
		"success":               ok,
		"conflicts":             f409,
		"insufficient_funds":    f422,
		"transient_unavailable": f503,
		"abort_rate_pct":        abortRate,
		"errors":                fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	file, err := os.Create(fmt.Sprintf("results_%s.json", workload))
	if err != nil {
		log.Printf("save results: %v", err)
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
