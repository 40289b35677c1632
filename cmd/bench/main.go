package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type WorkflowResult struct {
	Success  bool
	Latency  time.Duration
	ErrorMsg string
}

// Result summarises a benchmark run
type Result struct {
	TotalRequests  int
	SuccessfulReqs int
	FailedReqs     int
	Duration       time.Duration
	TPS            float64
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	P95Latency     time.Duration
	FirstError     string
}

// collector aggregates workflow results
type collector struct {
	mu         sync.Mutex
	latencies  []time.Duration
	failed     int
	firstError string
}

func (c *collector) add(r WorkflowResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !r.Success {
		c.failed++
		if c.firstError == "" {
			c.firstError = r.ErrorMsg
		}
		return
	}
	c.latencies = append(c.latencies, r.Latency)
}

func (c *collector) counts() (success, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latencies), c.failed
}

func (c *collector) result(elapsed time.Duration) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Result{
		SuccessfulReqs: len(c.latencies),
		FailedReqs:     c.failed,
		TotalRequests:  len(c.latencies) + c.failed,
		Duration:       elapsed,
		FirstError:     c.firstError,
	}
	if elapsed > 0 {
		res.TPS = float64(res.TotalRequests) / elapsed.Seconds()
	}
	if len(c.latencies) == 0 {
		return res
	}

	sorted := append([]time.Duration(nil), c.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	res.AvgLatency = total / time.Duration(len(sorted))
	res.MinLatency = sorted[0]
	res.MaxLatency = sorted[len(sorted)-1]
	res.P95Latency = sorted[(len(sorted)*95)/100]
	return res
}

func main() {
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	duration := flag.Int("duration", 30, "Test duration in seconds")
	port := flag.String("port", "3000", "CropTrace node port")
	host := flag.String("host", "127.0.0.1", "CropTrace node host")
	ledgerMode := flag.String("ledger", "mock", "Ledger mode of the node under test (recorded in the CSV)")
	recordsDir := flag.String("out", "./records", "Directory for CSV results")
	flag.Parse()

	filename, err := outputFile(*recordsDir, *workers, *duration, *ledgerMode, time.Now())
	if err != nil {
		fmt.Printf("Error preparing output directory: %v\n", err)
		os.Exit(1)
	}
	baseURL := fmt.Sprintf("http://%s:%s", *host, *port)

	fmt.Println("========================================")
	fmt.Println("   CUSTODY WORKFLOW BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Duration:   %ds\n", *duration)
	fmt.Printf("Node URL:   %s\n", baseURL)
	fmt.Printf("Ledger:     %s\n", *ledgerMode)
	fmt.Printf("Output:     %s\n", filename)
	fmt.Println("========================================")
	fmt.Println("")

	res, err := run(baseURL, *workers, time.Duration(*duration)*time.Second, true)
	if err != nil {
		fmt.Printf("Benchmark setup failed: %v\n", err)
		os.Exit(1)
	}
	printResult(res)

	if err := writeCSV(filename, *workers, *duration, *ledgerMode, res); err != nil {
		fmt.Printf("Error writing results: %v\n", err)
		return
	}
	fmt.Printf("\nResults saved to: %s\n", filename)
}

// outputFile creates dir if needed and names the CSV for this run
func outputFile(dir string, workers, duration int, ledgerMode string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return filepath.Join(dir, fmt.Sprintf(
		"custody_%s_w%d_d%ds_%s.csv",
		at.Format("2006-01-02_15-04-05"), workers, duration, ledgerMode,
	)), nil
}

// run registers a cast per worker, then has every worker walk crops through
// the pipeline until d has passed
func run(baseURL string, workers int, d time.Duration, progress bool) (Result, error) {
	casts := make([]*cast, workers)
	for i := range casts {
		c, err := register(NewHTTPClient(baseURL), i)
		if err != nil {
			return Result{}, err
		}
		casts[i] = c
	}

	stopChan := make(chan struct{})
	resultsChan := make(chan WorkflowResult, workers*10)
	stats := &collector{}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker(baseURL, casts[i], stopChan, resultsChan, &wg)
	}

	startTime := time.Now()
	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for result := range resultsChan {
			stats.add(result)
			if progress {
				success, failed := stats.counts()
				if (success+failed)%10 == 0 {
					fmt.Printf("\rWorkflows: %d | Success: %d | Failed: %d | TPS: %.2f",
						success+failed, success, failed,
						float64(success+failed)/time.Since(startTime).Seconds())
				}
			}
		}
	}()

	time.Sleep(d)
	close(stopChan)
	wg.Wait()
	close(resultsChan)
	collectorWg.Wait()

	return stats.result(time.Since(startTime)), nil
}

func worker(baseURL string, c *cast, stopChan chan struct{}, resultsChan chan WorkflowResult, wg *sync.WaitGroup) {
	defer wg.Done()

	client := NewHTTPClient(baseURL)

	for {
		select {
		case <-stopChan:
			return
		default:
			start := time.Now()
			err := runWorkflow(client, c)
			result := WorkflowResult{
				Success: err == nil,
				Latency: time.Since(start),
			}
			if err != nil {
				result.ErrorMsg = err.Error()
			}
			resultsChan <- result
		}
	}
}

func printResult(res Result) {
	total := res.TotalRequests
	if total == 0 {
		total = 1
	}
	fmt.Println("\n\n========================================")
	fmt.Println("   BENCHMARK RESULTS")
	fmt.Println("========================================")
	fmt.Printf("Total Workflows:   %d\n", res.TotalRequests)
	fmt.Printf("Successful:        %d (%.2f%%)\n", res.SuccessfulReqs, float64(res.SuccessfulReqs)/float64(total)*100)
	fmt.Printf("Failed:            %d (%.2f%%)\n", res.FailedReqs, float64(res.FailedReqs)/float64(total)*100)
	fmt.Printf("Duration:          %v\n", res.Duration)
	fmt.Printf("Throughput (TPS):  %.2f\n", res.TPS)
	fmt.Printf("Avg Latency:       %v\n", res.AvgLatency)
	fmt.Printf("Min Latency:       %v\n", res.MinLatency)
	fmt.Printf("P95 Latency:       %v\n", res.P95Latency)
	fmt.Printf("Max Latency:       %v\n", res.MaxLatency)
	if res.FirstError != "" {
		fmt.Printf("First Error:       %s\n", res.FirstError)
	}
	fmt.Println("========================================")
}

func writeCSV(filename string, workers, duration int, ledgerMode string, res Result) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	rows := [][]string{
		{
			"Workers", "Duration_s", "Ledger",
			"Total_Workflows", "Successful", "Failed",
			"TPS", "Avg_Latency_ms", "Min_Latency_ms", "P95_Latency_ms", "Max_Latency_ms",
		},
		{
			fmt.Sprintf("%d", workers),
			fmt.Sprintf("%d", duration),
			ledgerMode,
			fmt.Sprintf("%d", res.TotalRequests),
			fmt.Sprintf("%d", res.SuccessfulReqs),
			fmt.Sprintf("%d", res.FailedReqs),
			fmt.Sprintf("%.2f", res.TPS),
			fmt.Sprintf("%.2f", ms(res.AvgLatency)),
			fmt.Sprintf("%.2f", ms(res.MinLatency)),
			fmt.Sprintf("%.2f", ms(res.P95Latency)),
			fmt.Sprintf("%.2f", ms(res.MaxLatency)),
		},
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
