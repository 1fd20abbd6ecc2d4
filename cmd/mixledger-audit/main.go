package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/concretelab/mixledger/internal/audit"
	"github.com/concretelab/mixledger/internal/labclient"
	"github.com/concretelab/mixledger/internal/submission"
)

type auditor interface {
	Audit(ctx context.Context, mode string) (audit.Report, error)
}

type serverInfo interface {
	Health(ctx context.Context) error
	Backend(ctx context.Context) (submission.BackendInfo, error)
}

// cycleResult counts duplicated identifiers and modes that could not be
// audited at all.
type cycleResult struct {
	duplicates int
	failures   int
}

// exitCode is 2 when any mode went unaudited and 1 when duplicates were found.
func (r cycleResult) exitCode() int {
	switch {
	case r.failures > 0:
		return 2
	case r.duplicates > 0:
		return 1
	default:
		return 0
	}
}

func main() {
	baseURL := flag.String("base-url", envOrDefault("MIXLEDGER_BASE_URL", "http://127.0.0.1:8080"), "mixledger base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("MIXLEDGER_TOKEN")), "bearer token with ledger:read")
	modes := flag.String("mode", envOrDefault("MIXLEDGER_AUDIT_MODES", "ratio,kg"), "comma-separated modes to audit")
	interval := flag.Duration("interval", durationEnv("MIXLEDGER_AUDIT_INTERVAL", 5*time.Minute), "audit interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("MIXLEDGER_AUDIT_INTERVAL_JITTER", 0.2), "audit interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("MIXLEDGER_AUDIT_TIMEOUT", 30*time.Second), "per-cycle timeout")
	once := flag.Bool("once", false, "run one audit cycle and exit, status 1 when duplicates are found and 2 when a mode could not be audited")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or MIXLEDGER_TOKEN)")
	}
	modeList := parseModes(*modes)
	if len(modeList) == 0 {
		log.Fatalf("at least one mode is required (--mode or MIXLEDGER_AUDIT_MODES)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Minute
	}
	if *timeout <= 0 {
		*timeout = 30 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := labclient.New(*baseURL, *token, &http.Client{Timeout: *timeout})
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkCtx, cancelCheck := context.WithTimeout(rootCtx, *timeout)
	if err := checkServer(checkCtx, client, log.Default()); err != nil {
		log.Printf("server check failed: %v", err)
	}
	cancelCheck()

	run := func() cycleResult {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		return runCycle(ctx, client, modeList, log.Default())
	}

	if *once {
		if code := run().exitCode(); code != 0 {
			os.Exit(code)
		}
		return
	}
	run()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("ledger audit stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// checkServer confirms the server answers and logs which tables each mode
// resolves to.
func checkServer(ctx context.Context, client serverInfo, logger *log.Logger) error {
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	info, err := client.Backend(ctx)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	for _, mode := range info.Modes {
		table := mode.MasterTable
		if table == "" {
			table = "(unresolved)"
		}
		logger.Printf("server %s backend: mode %s prefix %s ledger %s", info.Backend, mode.Key, mode.Prefix, table)
	}
	return nil
}

// runCycle audits every mode. A mode that fails to audit is logged and
// counted as a failure.
func runCycle(ctx context.Context, client auditor, modes []string, logger *log.Logger) cycleResult {
	var result cycleResult
	for _, mode := range modes {
		report, err := client.Audit(ctx, mode)
		if err != nil {
			logger.Printf("audit %s failed: %v", mode, err)
			result.failures++
			continue
		}
		result.duplicates += len(report.Duplicates)
		if report.Healthy() {
			logger.Printf("audit %s: %d rows, %d valid, last %s, next %s", mode, report.Rows, report.Valid, report.Last, report.Next)
			continue
		}
		for _, dup := range report.Duplicates {
			logger.Printf("audit %s: duplicate %s at rows %v", mode, dup.RecordID, dup.Rows)
		}
		for _, cell := range report.Malformed {
			logger.Printf("audit %s: malformed identifier %q at row %d", mode, cell.Value, cell.Row)
		}
		for _, cell := range report.Regressions {
			logger.Printf("audit %s: identifier %q at row %d is not above the row before it", mode, cell.Value, cell.Row)
		}
	}
	return result
}

func parseModes(raw string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		mode := strings.ToLower(strings.TrimSpace(part))
		if mode == "" || seen[mode] {
			continue
		}
		seen[mode] = true
		out = append(out, mode)
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
