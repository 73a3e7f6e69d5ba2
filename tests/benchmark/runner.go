// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// StatusView matches the projection served by /tasks.
type StatusView struct {
	Nonce    string `json:"nonce"`
	Task     string `json:"task"`
	Round    int    `json:"round"`
	State    string `json:"state"`
	PagesURL string `json:"pages_url"`
}

// StatsSnapshot matches the /stats payload.
type StatsSnapshot struct {
	TasksAccepted        uint64 `json:"tasks_accepted"`
	TasksSucceeded       uint64 `json:"tasks_succeeded"`
	TasksFailed          uint64 `json:"tasks_failed"`
	FallbackGenerations  uint64 `json:"fallback_generations"`
	NotificationFailures uint64 `json:"notification_failures"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	apiHost := flag.String("api_host", "localhost", "Engine API host")
	apiPort := flag.String("api_port", "7860", "Engine API port")
	count := flag.Int("count", 10, "Number of synthetic tasks to submit")
	rounds := flag.Int("rounds", 1, "Rounds per task (round 2 reuses the round 1 repository)")
	callbackHost := flag.String("callback_host", "localhost", "Host the engine can reach this runner on")
	flag.Parse()

	_ = godotenv.Load("../../.env")
	secret := os.Getenv("SECRET")
	if secret == "" {
		fmt.Printf("%sSECRET is not set; the engine will reject every submission%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	// Local sink for the evaluation callbacks.
	var cbMu sync.Mutex
	callbacks := 0
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		fmt.Printf("%sFailed to open callback listener: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	go func() {
		_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cbMu.Lock()
			callbacks++
			cbMu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
	}()
	evalURL := fmt.Sprintf("http://%s:%d/eval", *callbackHost, ln.Addr().(*net.TCPAddr).Port)

	fmt.Printf("\n%s%s >> ORCHESTRATION LOAD RUN << %s\n", colorCyan, colorBold, colorReset)
	fmt.Printf("%sTarget: %s  Tasks: %d  Rounds: %d%s\n\n", colorGray, base, *count, *rounds, colorReset)

	runID := time.Now().UnixNano()
	startTime := time.Now()
	totalCompleted, totalFailed := 0, 0

	// Rounds run back to back: a round 2 submission is only valid once its
	// round 1 has settled, because it reuses the same repository.
	for round := 1; round <= *rounds; round++ {
		submitted := 0
		for i := 0; i < *count; i++ {
			nonce := fmt.Sprintf("bench-%d-%d-r%d", runID, i, round)
			payload, _ := json.Marshal(map[string]any{
				"email":          "bench@example.com",
				"task":           fmt.Sprintf("bench-%d-%d", runID, i),
				"round":          round,
				"nonce":          nonce,
				"brief":          fmt.Sprintf("Create a page with h1#title and button#action-%d", i),
				"evaluation_url": evalURL,
				"secret":         secret,
			})
			resp, err := http.Post(base+"/task", "application/json", bytes.NewReader(payload))
			if err != nil {
				fmt.Printf("%s[ERR]%s submit %s: %v\n", colorRed, colorReset, nonce, err)
				continue
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Printf("%s[ERR]%s submit %s: status %d\n", colorRed, colorReset, nonce, resp.StatusCode)
				continue
			}
			submitted++
		}
		if submitted == 0 {
			fmt.Printf("%sNothing submitted in round %d, aborting%s\n", colorRed, round, colorReset)
			os.Exit(1)
		}
		fmt.Printf("%s[OK]%s Round %d: %d submissions accepted.\n\n", colorGreen, colorReset, round, submitted)

		completed, failed := waitSettle(base, fmt.Sprintf("bench-%d-", runID), round, submitted, startTime)
		totalCompleted += completed
		totalFailed += failed
	}

	fmt.Printf("\n%s------------------------------------------------%s\n", colorGray, colorReset)
	cbMu.Lock()
	delivered := callbacks
	cbMu.Unlock()
	printReport(base, totalCompleted, totalFailed, delivered, time.Since(startTime))
}

// waitSettle polls /tasks until every submission of the given round is
// terminal, rendering a single progress line.
func waitSettle(base, prefix string, round, submitted int, startTime time.Time) (int, int) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	suffix := fmt.Sprintf("-r%d", round)
	fmt.Printf("%s%-10s %-12s %-10s %-12s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "FAILED", "IN-FLIGHT", colorReset)
	fmt.Println(colorGray + "------------------------------------------------" + colorReset)

	for range ticker.C {
		views, err := getTasks(base)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-34s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		completed, failed, inflight := 0, 0, 0
		for _, v := range views {
			if !strings.HasPrefix(v.Nonce, prefix) || !strings.HasSuffix(v.Nonce, suffix) {
				continue
			}
			switch v.State {
			case "completed":
				completed++
			case "failed":
				failed++
			default:
				inflight++
			}
		}

		failColor := colorGreen
		if failed > 0 {
			failColor = colorRed
		}
		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-12d%s",
			elapsed,
			colorGreen, completed, colorReset,
			failColor, failed, colorReset,
			colorYellow, inflight, colorReset,
		)

		if inflight == 0 && completed+failed >= submitted {
			fmt.Println()
			return completed, failed
		}
	}
	return 0, 0
}

func getTasks(base string) ([]StatusView, error) {
	resp, err := http.Get(base + "/tasks")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Tasks []StatusView `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func getStats(base string) (StatsSnapshot, error) {
	resp, err := http.Get(base + "/stats")
	if err != nil {
		return StatsSnapshot{}, err
	}
	defer resp.Body.Close()

	var snap StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return StatsSnapshot{}, err
	}
	return snap, nil
}

func printReport(base string, completed, failed, callbacks int, duration time.Duration) {
	total := completed + failed
	tps := float64(total) / duration.Seconds()
	successRate := 100.0
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", total))

	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Completed:", fmt.Sprintf("%d", completed))

	failedColor := colorGreen
	if failed > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed:", fmt.Sprintf("%d", failed))

	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput:", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt+"\n", "Callbacks Received:", fmt.Sprintf("%d", callbacks))

	if snap, err := getStats(base); err == nil {
		fmt.Printf(lineFmt+"\n", "Fallback Generations:", fmt.Sprintf("%d", snap.FallbackGenerations))
		fmt.Printf(lineFmt+"\n", "Notify Failures:", fmt.Sprintf("%d", snap.NotificationFailures))
	}

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
