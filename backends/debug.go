// Package backends contains the Fetcher implementations the log cache can sit
// in front of: the openQA web UI over HTTP and S3 archives of job results.
package backends

import (
	"context"
	"log/slog"
	"time"

	"github.com/richardartoul/openqa-logcache/pkg/logcache"
)

// Debug wraps any Fetcher and adds debug logging.
// This allows any fetcher implementation to have debug logging without
// coupling the debug logic to the fetcher implementation.
type Debug struct {
	fetcher logcache.Fetcher
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing fetcher.
func NewDebug(fetcher logcache.Fetcher, logger *slog.Logger) *Debug {
	return &Debug{
		fetcher: fetcher,
		logger:  logger.With("component", "fetcher"),
	}
}

// FetchDetails fetches job details with debug logging.
func (d *Debug) FetchDetails(ctx context.Context, jobID int64) (logcache.JobDetails, error) {
	d.logger.Debug("FetchDetails", "job_id", jobID)
	start := time.Now()

	details, err := d.fetcher.FetchDetails(ctx, jobID)
	if err != nil {
		d.logger.Debug("FetchDetails: ERROR", "job_id", jobID, "error", err)
		return details, err
	}

	d.logger.Debug("FetchDetails: done",
		"job_id", jobID,
		"fields", len(details),
		"duration", time.Since(start))
	return details, nil
}

// FetchLogList fetches the log file list with debug logging.
func (d *Debug) FetchLogList(ctx context.Context, jobID int64) ([]string, error) {
	d.logger.Debug("FetchLogList", "job_id", jobID)
	start := time.Now()

	names, err := d.fetcher.FetchLogList(ctx, jobID)
	if err != nil {
		d.logger.Debug("FetchLogList: ERROR", "job_id", jobID, "error", err)
		return names, err
	}

	d.logger.Debug("FetchLogList: done",
		"job_id", jobID,
		"files", len(names),
		"duration", time.Since(start))
	return names, nil
}

// FetchLogData fetches one log file with debug logging.
func (d *Debug) FetchLogData(ctx context.Context, jobID int64, filename string) ([]byte, error) {
	d.logger.Debug("FetchLogData", "job_id", jobID, "filename", filename)
	start := time.Now()

	data, err := d.fetcher.FetchLogData(ctx, jobID, filename)
	if err != nil {
		d.logger.Debug("FetchLogData: ERROR", "job_id", jobID, "filename", filename, "error", err)
		return data, err
	}

	d.logger.Debug("FetchLogData: done",
		"job_id", jobID,
		"filename", filename,
		"size", len(data),
		"duration", time.Since(start))
	return data, nil
}
