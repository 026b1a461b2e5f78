package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/sheetgate/internal/mirror"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("SHEETGATE_BASE_URL", "http://127.0.0.1:8080"), "sheetgate base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("SHEETGATE_TOKEN")), "bearer token")
	sourceID := flag.String("source", strings.TrimSpace(os.Getenv("SHEETGATE_MIRROR_SOURCE")), "source id to mirror")
	entities := flag.String("entities", strings.TrimSpace(os.Getenv("SHEETGATE_MIRROR_ENTITIES")), "comma-separated entity names (default: all)")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("SHEETGATE_MIRROR_DIR")), "local mirror directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("SHEETGATE_MIRROR_STATE_FILE")), "state file path")
	interval := flag.Duration("interval", durationEnv("SHEETGATE_MIRROR_INTERVAL", 30*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("SHEETGATE_MIRROR_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("SHEETGATE_MIRROR_TIMEOUT", 30*time.Second), "per-sync timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or SHEETGATE_TOKEN)")
	}
	if strings.TrimSpace(*sourceID) == "" {
		log.Fatalf("source is required (--source or SHEETGATE_MIRROR_SOURCE)")
	}
	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or SHEETGATE_MIRROR_DIR)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 30 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := mirror.NewHTTPClient(mirror.HTTPClientOptions{
		BaseURL:    *baseURL,
		Token:      *token,
		HTTPClient: &http.Client{Timeout: *timeout},
		Logger:     log.Default(),
	})
	m, err := mirror.New(client, mirror.Options{
		SourceID:  *sourceID,
		Entities:  splitList(*entities),
		LocalDir:  *localDir,
		StateFile: *stateFile,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize mirror: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		result, err := m.SyncOnce(ctx)
		if err != nil {
			log.Printf("mirror cycle failed: %v", err)
			return
		}
		if result.Changed {
			log.Printf("mirror cycle wrote %d files, removed %d (checksum %s)", len(result.Written), len(result.Removed), result.Checksum)
		}
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredInterval(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("mirror stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredInterval(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
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
	switch {
	case value < 0:
		return 0
	case value > 1:
		return 1
	}
	return value
}

// jitteredInterval spreads base by up to ±ratio using sample in [0,1].
func jitteredInterval(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	ratio = clampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	sample = clampJitterRatio(sample)
	factor := 1 + (sample*2-1)*ratio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
