package logcache

import (
	"fmt"
	"strconv"
)

// Kind identifies which remote operation a cache entry came from.
type Kind string

const (
	KindDetails = Kind("details")
	KindLogList = Kind("loglist")
	KindLogData = Kind("logdata")
)

// Key identifies one logical request. Two requests share a Key only if they
// are the same request.
type Key struct {
	Kind     Kind
	Host     string
	JobID    int64
	Filename string // Only set for KindLogData
}

// DetailsKey returns the key of a job details document.
func DetailsKey(host string, jobID int64) Key {
	return Key{Kind: KindDetails, Host: host, JobID: jobID}
}

// LogListKey returns the key of a job's unfiltered log file listing.
func LogListKey(host string, jobID int64) Key {
	return Key{Kind: KindLogList, Host: host, JobID: jobID}
}

// LogDataKey returns the key of one log file of a job.
func LogDataKey(host string, jobID int64, filename string) Key {
	return Key{Kind: KindLogData, Host: host, JobID: jobID, Filename: filename}
}

// String returns the canonical form used as the store key. Host and filename
// are quoted, so no choice of either can make two different keys render the
// same.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d:%s", k.Kind, strconv.Quote(k.Host), k.JobID, strconv.Quote(k.Filename))
}
