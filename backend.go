package main

import (
	"context"
	"log/slog"

	"github.com/richardartoul/openqa-logcache/backends"
	"github.com/richardartoul/openqa-logcache/pkg/logcache"
)

// fetcherOptions selects and configures the remote side of the cache.
type fetcherOptions struct {
	host     string
	insecure bool
	debug    bool
}

// newFetcher returns the fetcher for host: S3 for s3:// hosts, the openQA web
// UI otherwise. With debug set every remote call is logged.
func newFetcher(ctx context.Context, opts fetcherOptions, logger *slog.Logger) (logcache.Fetcher, error) {
	var (
		fetcher logcache.Fetcher
		err     error
	)
	if backends.IsS3Host(opts.host) {
		fetcher, err = backends.NewS3(ctx, opts.host)
	} else {
		httpOpts := []backends.OpenQAOption{backends.WithOpenQALogger(logger)}
		if opts.insecure {
			httpOpts = append(httpOpts, backends.WithInsecureTLS())
		}
		fetcher, err = backends.NewOpenQA(opts.host, httpOpts...)
	}
	if err != nil {
		return nil, err
	}

	if opts.debug {
		fetcher = backends.NewDebug(fetcher, logger)
	}
	return fetcher, nil
}
