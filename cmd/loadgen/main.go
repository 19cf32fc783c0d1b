// Load generator for measuring Warden's automation detection.
//
// Usage:
//
//	go run ./cmd/loadgen -url http://localhost:8080 -sessions 2000 -bots 0.3
//
// This tool:
//  1. Synthesizes typing sessions, some scripted and some human-like
//  2. Sends each session to POST /v1/messages/evaluate as its own user
//  3. Compares Warden's action (challenge/block vs allow) with the label
//  4. Calculates precision, recall, F1-score and the confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
)

// Session is one synthetic composition with its ground truth.
type Session struct {
	UserID     string
	Bot        bool
	Keystrokes []domain.KeystrokeEvent
}

// EvaluateResponse is the subset of the decision the generator reads.
type EvaluateResponse struct {
	ID        string        `json:"id"`
	Action    domain.Action `json:"action"`
	Reason    string        `json:"reason"`
	Countable bool          `json:"countable"`
}

// Metrics tracks run results
type Metrics struct {
	TruePositives  int64 // Bot challenged or blocked
	FalsePositives int64 // Human challenged or blocked
	TrueNegatives  int64 // Human allowed
	FalseNegatives int64 // Bot allowed

	TotalProcessed int64
	TotalBots      int64
	TotalHumans    int64
	TotalErrors    int64
	RateLimited    int64

	ProcessingTimeMs int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Warden base URL")
	token := flag.String("token", "", "Optional bearer token (admin tokens may act for the synthetic users)")
	sessions := flag.Int("sessions", 1000, "Number of sessions to send")
	botRatio := flag.Float64("bots", 0.3, "Share of scripted sessions (0.0-1.0)")
	keystrokes := flag.Int("keys", 80, "Keystrokes per session")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	seed := flag.Uint64("seed", 1, "Random seed")
	verbose := flag.Bool("verbose", false, "Print each session result")
	flag.Parse()

	if *botRatio < 0 || *botRatio > 1 || *sessions <= 0 || *keystrokes < 2 {
		fmt.Println("Usage: loadgen [-url http://localhost:8080] [-sessions 1000] [-bots 0.3]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("WARDEN LOAD GENERATOR - automation detection")
	fmt.Printf("\nWarden URL:  %s\n", *baseURL)
	fmt.Printf("Sessions:    %d\n", *sessions)
	fmt.Printf("Bot Ratio:   %.2f\n", *botRatio)
	fmt.Printf("Keystrokes:  %d\n", *keystrokes)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Warden not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Warden is running:")
		fmt.Println("  go run ./cmd/warden")
		os.Exit(1)
	}
	fmt.Println("Warden is healthy")

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	batch := generateSessions(rng, *sessions, *botRatio, *keystrokes)

	fmt.Printf("\nRunning with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := run(batch, *baseURL, *token, *workers, *verbose)
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

func generateSessions(rng *rand.Rand, n int, botRatio float64, keys int) []Session {
	runID := time.Now().Unix()
	out := make([]Session, n)
	for i := range out {
		bot := rng.Float64() < botRatio
		s := Session{Bot: bot}
		if bot {
			s.UserID = fmt.Sprintf("lg-%d-bot-%d", runID, i)
			s.Keystrokes = scriptedKeys(rng, keys)
		} else {
			s.UserID = fmt.Sprintf("lg-%d-human-%d", runID, i)
			s.Keystrokes = humanKeys(rng, keys)
		}
		out[i] = s
	}
	return out
}

// scriptedKeys types at a fixed cadence with a few milliseconds of jitter,
// never correcting and never pausing.
func scriptedKeys(rng *rand.Rand, n int) []domain.KeystrokeEvent {
	cadence := 60 + rng.Float64()*140
	events := make([]domain.KeystrokeEvent, n)
	ts := 0.0
	for i := range events {
		ts += cadence + rng.Float64()*4 - 2
		events[i] = domain.KeystrokeEvent{Key: string(rune('a' + i%26)), Timestamp: ts}
	}
	return events
}

// humanKeys draws right-skewed intervals with corrections and thinking
// pauses.
func humanKeys(rng *rand.Rand, n int) []domain.KeystrokeEvent {
	events := make([]domain.KeystrokeEvent, n)
	ts := 0.0
	for i := range events {
		gap := 90 + rng.ExpFloat64()*110
		if rng.Float64() < 0.04 {
			gap += 800 + rng.Float64()*2000
		}
		ts += gap

		key := string(rune('a' + rng.IntN(26)))
		if rng.Float64() < 0.06 {
			key = "Backspace"
		}
		events[i] = domain.KeystrokeEvent{Key: key, Timestamp: ts}
	}
	return events
}

func run(batch []Session, baseURL, token string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan Session, 100)
	var wg sync.WaitGroup

	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for s := range work {
				start := time.Now()
				result, err := evaluateSession(client, baseURL, token, s)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", s.UserID, err)
					}
					continue
				}
				if result.Action == domain.ActionDelay {
					// A rate limit says nothing about the typing.
					atomic.AddInt64(&metrics.RateLimited, 1)
					continue
				}

				if s.Bot {
					atomic.AddInt64(&metrics.TotalBots, 1)
				} else {
					atomic.AddInt64(&metrics.TotalHumans, 1)
				}

				predicted := result.Action == domain.ActionChallenge || result.Action == domain.ActionBlock
				actual := s.Bot

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "ok  "
					if predicted != actual {
						status = "MISS"
					}
					fmt.Printf("%s %-28s | bot: %-5v | action: %-9s | %s\n",
						status, s.UserID, s.Bot, result.Action, result.Reason)
				}
			}
		}()
	}

	for _, s := range batch {
		work <- s
	}
	close(work)

	wg.Wait()

	return metrics
}

func evaluateSession(client *http.Client, baseURL, token string, s Session) (*EvaluateResponse, error) {
	req := domain.MessageInput{
		RequestInput: domain.RequestInput{
			Identity: domain.IdentityContext{UserID: s.UserID, SessionID: s.UserID + "-s"},
		},
		ConversationID: s.UserID + "-c",
		Keystrokes:     s.Keystrokes,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/v1/messages/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nRESULTS")

	fmt.Printf("\nTRAFFIC\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Bots:             %d\n", m.TotalBots)
	fmt.Printf("   Humans:           %d\n", m.TotalHumans)
	fmt.Printf("   Rate Limited:     %d\n", m.RateLimited)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                      Predicted")
	fmt.Println("                  CHALLENGE     ALLOW")
	fmt.Printf("   Actual  bot    %9d %9d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          human   %9d %9d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

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

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of challenges, how many hit bots)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of bots, how many were challenged)\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	if m.TotalHumans > 0 {
		friction := float64(m.FalsePositives) / float64(m.TotalHumans) * 100
		fmt.Printf("\n   Human friction:   %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalHumans, friction)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		rps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f req/sec\n", rps)
	}
	fmt.Println()
}
