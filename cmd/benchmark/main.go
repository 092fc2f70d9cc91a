// Benchmark tool for measuring Heron against a labelled tradeline corpus.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/tradelines.csv -url http://localhost:8080
//
// This tool:
//  1. Reads tradelines, one bureau row per line, grouped by consumer
//  2. Sends each consumer's accounts to POST /analyze
//  3. Compares the rules Heron reports with the labelled rules per consumer
//  4. Calculates precision, recall, F1-score and latency
//
// Required columns: consumer, bureau, name. Optional columns follow the
// account JSON names (account_number, balance, status, date_opened, ...).
// The expected column holds the labelled rule ids, separated by ";". Labels
// from every row of a consumer are combined.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/opensource-finance/heron/internal/domain"
)

// Case is one consumer's accounts with the rules they are labelled with.
type Case struct {
	ConsumerID string
	Accounts   []domain.RawAccount
	Expected   map[int]bool
}

// Metrics tracks benchmark results. Counts are per (consumer, rule) pair.
type Metrics struct {
	TruePositives  int64 // labelled rule reported
	FalsePositives int64 // unlabelled rule reported
	FalseNegatives int64 // labelled rule missed

	TotalProcessed int64
	TotalFindings  int64
	TotalCritical  int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the tradeline CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Heron base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	asOf := flag.String("as-of", "", "Analysis date, YYYY-MM-DD (default server today)")
	limit := flag.Int("limit", 1000, "Maximum consumers to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	rps := flag.Float64("rps", 0, "Maximum requests per second across workers (0 = unlimited)")
	verbose := flag.Bool("verbose", false, "Print each consumer result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/tradelines.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("HERON BENCHMARK - labelled tradeline corpus")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Heron URL:   %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Rate:        %.1f req/s\n", *rps)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Heron not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Heron is running:")
		fmt.Println("  go run ./cmd/heron serve")
		os.Exit(1)
	}
	fmt.Println("Heron is healthy")

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	cases, err := readCases(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d consumers\n", len(cases))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(cases, *baseURL, *tenantID, *asOf, *workers, newLimiter(*rps), *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCases groups CSV rows by consumer, keeping first-seen order.
func readCases(r io.Reader, limit int) ([]*Case, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"consumer", "bureau", "name"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	get := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var cases []*Case
	byConsumer := make(map[string]*Case)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		consumer := get(record, "consumer")
		bureau, ok := domain.ParseBureau(get(record, "bureau"))
		if consumer == "" || !ok {
			continue
		}
		c, ok := byConsumer[consumer]
		if !ok {
			if limit > 0 && len(cases) >= limit {
				continue
			}
			c = &Case{ConsumerID: consumer, Expected: make(map[int]bool)}
			byConsumer[consumer] = c
			cases = append(cases, c)
		}

		c.Accounts = append(c.Accounts, domain.RawAccount{
			Bureau:           bureau,
			Name:             get(record, "name"),
			AccountNumber:    get(record, "account_number"),
			AccountType:      get(record, "account_type"),
			Balance:          domain.Amount(get(record, "balance")),
			Status:           get(record, "status"),
			DateOpened:       get(record, "date_opened"),
			LastActivity:     get(record, "last_activity"),
			LastPayment:      get(record, "last_payment"),
			ChargeOffDate:    get(record, "charge_off_date"),
			OriginalCreditor: get(record, "original_creditor"),
			PaymentHistory:   get(record, "payment_history"),
			DateClosed:       get(record, "date_closed"),
			FirstDelinquency: get(record, "first_delinquency"),
			CreditLimit:      domain.Amount(get(record, "credit_limit")),
			Remarks:          get(record, "remarks"),
		})

		for _, raw := range strings.Split(get(record, "expected"), ";") {
			if id, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
				c.Expected[id] = true
			}
		}
	}

	return cases, nil
}

// newLimiter paces requests; rps <= 0 means no limit.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func runBenchmark(cases []*Case, baseURL, tenantID, asOf string, numWorkers int, limiter *rate.Limiter, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan *Case, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 30 * time.Second}

			for c := range work {
				if err := limiter.Wait(context.Background()); err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					continue
				}
				start := time.Now()
				rep, err := analyzeCase(client, baseURL, tenantID, asOf, c)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", c.ConsumerID, err)
					}
					continue
				}

				atomic.AddInt64(&metrics.TotalFindings, int64(rep.Result.Summary.Total))
				atomic.AddInt64(&metrics.TotalCritical, int64(rep.Result.Summary.Critical))

				tp, fp, fn := score(c.Expected, rep.Result.RuleIDs)
				atomic.AddInt64(&metrics.TruePositives, int64(tp))
				atomic.AddInt64(&metrics.FalsePositives, int64(fp))
				atomic.AddInt64(&metrics.FalseNegatives, int64(fn))

				if verbose {
					status := "ok  "
					if fp > 0 || fn > 0 {
						status = "diff"
					}
					fmt.Printf("%s %-12s | Accounts: %3d | Findings: %3d | Rules: %v | Expected: %v\n",
						status,
						c.ConsumerID,
						len(c.Accounts),
						rep.Result.Summary.Total,
						rep.Result.RuleIDs,
						sortedIDs(c.Expected),
					)
				}
			}
		}()
	}

	for _, c := range cases {
		work <- c
	}
	close(work)

	wg.Wait()

	return metrics
}

// score compares reported rule ids with the labelled set.
func score(expected map[int]bool, reported []int) (tp, fp, fn int) {
	seen := make(map[int]bool, len(reported))
	for _, id := range reported {
		if seen[id] {
			continue
		}
		seen[id] = true
		if expected[id] {
			tp++
		} else {
			fp++
		}
	}
	for id := range expected {
		if !seen[id] {
			fn++
		}
	}
	return tp, fp, fn
}

func sortedIDs(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func analyzeCase(client *http.Client, baseURL, tenantID, asOf string, c *Case) (*domain.Report, error) {
	body, err := json.Marshal(domain.AnalyzeRequest{
		ConsumerID: c.ConsumerID,
		AsOf:       asOf,
		Accounts:   c.Accounts,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var rep domain.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Consumers:        %d\n", m.TotalProcessed)
	fmt.Printf("   Findings:         %d\n", m.TotalFindings)
	fmt.Printf("   Critical:         %d\n", m.TotalCritical)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\nDETECTION METRICS (per consumer and rule)\n")
	fmt.Printf("   True Positives:   %d\n", m.TruePositives)
	fmt.Printf("   False Positives:  %d\n", m.FalsePositives)
	fmt.Printf("   False Negatives:  %d\n", m.FalseNegatives)
	fmt.Printf("   Precision:        %.4f\n", precision)
	fmt.Printf("   Recall:           %.4f\n", recall)
	fmt.Printf("   F1-Score:         %.4f\n", f1)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f consumers/sec\n", rps)
	}

	fmt.Println()
}
