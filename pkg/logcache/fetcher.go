package logcache

import "context"

// JobDetails is the job document returned by the remote service. Its schema
// belongs to the remote side and is passed through untouched.
type JobDetails map[string]interface{}

// Fetcher performs the remote reads the cache sits in front of.
//
// Implementations should classify failures with github.com/jmgilman/go/errors
// codes: CodeNotFound for missing jobs or files, CodeNetwork, CodeTimeout or
// CodeUnavailable for transient problems. Cancellation and timeouts are the
// fetcher's business and travel through ctx.
type Fetcher interface {
	// FetchDetails returns the details document of a job.
	FetchDetails(ctx context.Context, jobID int64) (JobDetails, error)

	// FetchLogList returns the names of the log files of a job, in the order
	// the remote service lists them.
	FetchLogList(ctx context.Context, jobID int64) ([]string, error)

	// FetchLogData returns the content of one log file of a job.
	FetchLogData(ctx context.Context, jobID int64, filename string) ([]byte, error)
}
