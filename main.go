// Command openqa-logcache reads openQA job details and logs through a local
// disk cache.
//
// Usage:
//
//	openqa-logcache get-details  -host <host> -job-id <id>
//	openqa-logcache get-log-list -host <host> -job-id <id> [-name-pattern <glob|re:regexp>]
//	openqa-logcache get-log-data -host <host> -job-id <id> -filename <name>
//	openqa-logcache invalidate   -host <host> -job-id <id>
//	openqa-logcache serve        -host <host> [-metrics-addr :9100]
//	openqa-logcache clear
//
// Hosts are openQA web UIs (https is assumed without a scheme) or
// s3://bucket/prefix archives. Every flag has an OPENQA_LOGCACHE_* environment
// fallback, e.g. OPENQA_LOGCACHE_HOST or OPENQA_LOGCACHE_CACHE_DIR.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/richardartoul/openqa-logcache/pkg/locking"
	"github.com/richardartoul/openqa-logcache/pkg/logcache"
	"github.com/richardartoul/openqa-logcache/pkg/metrics"
	"github.com/richardartoul/openqa-logcache/pkg/store"
)

const envPrefix = "OPENQA_LOGCACHE_"

var errUsage = errors.New("usage")

// options holds the flags shared by all subcommands.
type options struct {
	host        string
	cacheDir    string
	maxSize     int64
	ttl         time.Duration
	ignoreCache bool
	noStale     bool
	insecure    bool
	debug       bool
	stats       bool
	locking     string

	jobID       int64
	filename    string
	namePattern string
	metricsAddr string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}
	command, args := args[0], args[1:]

	opts := &options{}
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	registerCommon(fs, opts)

	switch command {
	case "get-details", "invalidate":
		fs.Int64Var(&opts.jobID, "job-id", 0, "openQA job id")
	case "get-log-list":
		fs.Int64Var(&opts.jobID, "job-id", 0, "openQA job id")
		fs.StringVar(&opts.namePattern, "name-pattern", "", "Only list files matching this glob, or regexp when prefixed with re:")
	case "get-log-data":
		fs.Int64Var(&opts.jobID, "job-id", 0, "openQA job id")
		fs.StringVar(&opts.filename, "filename", "", "Name of the log file")
	case "serve":
		fs.StringVar(&opts.metricsAddr, "metrics-addr", envString("METRICS_ADDR", ""), "Expose Prometheus metrics on this address (disabled when empty)")
	case "clear":
	case "help", "-h", "-help", "--help":
		printUsage(stdout)
		return nil
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", command)
		printUsage(stderr)
		return errUsage
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return errUsage
	}

	logger := newLogger(stderr, opts.debug)

	if command == "clear" {
		return runClear(opts, logger)
	}

	if opts.host == "" {
		fmt.Fprintf(stderr, "Error: -host (or %sHOST) is required\n", envPrefix)
		fs.Usage()
		return errUsage
	}

	tracker := metrics.NewLatencyTracker(0.01)
	reg := prometheus.NewRegistry()
	counters := metrics.NewCounters(reg)

	manager, err := newManager(ctx, opts, logger, tracker, counters)
	if err != nil {
		return err
	}
	defer manager.Close()

	if opts.stats {
		defer printStats(stderr, manager, tracker)
	}

	switch command {
	case "get-details":
		details, err := manager.GetDetails(ctx, opts.jobID)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(details, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode job details: %w", err)
		}
		_, err = fmt.Fprintln(stdout, string(data))
		return err

	case "get-log-list":
		names, err := manager.GetLogList(ctx, opts.jobID, opts.namePattern)
		if err != nil {
			return err
		}
		for _, name := range names {
			if _, err := fmt.Fprintln(stdout, name); err != nil {
				return err
			}
		}
		return nil

	case "get-log-data":
		data, err := manager.GetLogData(ctx, opts.jobID, opts.filename)
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err

	case "invalidate":
		removed, err := manager.Invalidate(ctx, opts.jobID)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "removed %d cache entries\n", removed)
		return err

	case "serve":
		if opts.metricsAddr != "" {
			shutdown := serveMetrics(opts.metricsAddr, reg, logger)
			defer shutdown()
		}
		return NewServer(manager, stdin, stdout, logger).Run(ctx)
	}

	return nil
}

func registerCommon(fs *flag.FlagSet, opts *options) {
	fs.StringVar(&opts.host, "host", envString("HOST", ""), "openQA host URL or s3://bucket/prefix")
	fs.StringVar(&opts.cacheDir, "cache-dir", envString("CACHE_DIR", logcache.DefaultCacheLocation()), "Cache directory")
	fs.Int64Var(&opts.maxSize, "max-size", envInt64("MAX_SIZE", logcache.DefaultMaxSize), "Maximum cache size in bytes (negative disables size eviction)")
	fs.DurationVar(&opts.ttl, "ttl", envDuration("TTL", logcache.DefaultTimeToLive), "Time to live of cached data (negative never expires)")
	fs.BoolVar(&opts.ignoreCache, "ignore-cache", envBool("IGNORE_CACHE", false), "Always fetch, still updating the cache")
	fs.BoolVar(&opts.noStale, "no-stale", envBool("NO_STALE", false), "Fail instead of serving stale data when the host is unreachable")
	fs.BoolVar(&opts.insecure, "insecure", envBool("INSECURE", false), "Skip TLS certificate verification")
	fs.BoolVar(&opts.debug, "debug", envBool("DEBUG", false), "Enable debug logging")
	fs.BoolVar(&opts.stats, "stats", envBool("STATS", false), "Print cache and latency statistics on exit")
	fs.StringVar(&opts.locking, "locking", envString("LOCKING", "file"), "Per-key fetch locking: file (shared with other processes), memory or none")
}

func newManager(
	ctx context.Context,
	opts *options,
	logger *slog.Logger,
	tracker *metrics.LatencyTracker,
	counters *metrics.Counters,
) (*logcache.Manager, error) {
	cfg := logcache.DefaultConfig(opts.host)
	cfg.CacheLocation = opts.cacheDir
	cfg.MaxSize = opts.maxSize
	cfg.TimeToLive = opts.ttl
	cfg.IgnoreCache = opts.ignoreCache
	cfg.ServeStale = !opts.noStale

	fetcher, err := newFetcher(ctx, fetcherOptions{
		host:     opts.host,
		insecure: opts.insecure,
		debug:    opts.debug,
	}, logger)
	if err != nil {
		return nil, err
	}

	locks, err := newLockGroup(opts.locking, cfg.CacheLocation)
	if err != nil {
		return nil, err
	}

	return logcache.New(cfg, fetcher,
		logcache.WithLogger(logger),
		logcache.WithLockGroup(locks),
		logcache.WithLatencyTracker(tracker),
		logcache.WithCounters(counters),
	)
}

func newLockGroup(kind, cacheDir string) (locking.Group, error) {
	switch kind {
	case "file":
		// Several CLI invocations may share the cache directory.
		return locking.NewFileLock(filepath.Join(cacheDir, "locks"))
	case "memory":
		return locking.NewMemLock(), nil
	case "none":
		return locking.NewNoOpGroup(), nil
	default:
		return nil, fmt.Errorf("unknown locking mode %q (want file, memory or none)", kind)
	}
}

func runClear(opts *options, logger *slog.Logger) error {
	st, err := store.Open(opts.cacheDir, store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()

	stats := st.Stats()
	if err := st.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	logger.Info("cache cleared", "dir", st.Dir(), "entries", stats.Entries, "bytes", stats.TotalSize)
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printStats(w io.Writer, manager *logcache.Manager, tracker *metrics.LatencyTracker) {
	stats := manager.Stats()
	fmt.Fprintf(w, "Cache: %d entries, %d bytes\n", stats.Entries, stats.TotalSize)
	fmt.Fprintln(w, "Latencies:")
	for _, s := range tracker.GetAllStats() {
		fmt.Fprintln(w, s.String())
	}
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage: openqa-logcache <command> [flags]

Commands:
  get-details    Print the details of a job as JSON
  get-log-list   List the log files of a job
  get-log-data   Print the content of a log file
  invalidate     Drop everything cached for a job
  serve          Answer JSON-lines requests on stdin
  clear          Remove every cache entry

Run "openqa-logcache <command> -h" for the flags of a command.
`)
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func envInt64(name string, def int64) int64 {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}
