package logcache

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// codec converts an operation's result to and from its stored payload.
type codec[T any] struct {
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
}

var detailsCodec = codec[JobDetails]{
	encode: func(d JobDetails) ([]byte, error) {
		return json.Marshal(d)
	},
	decode: func(payload []byte) (JobDetails, error) {
		return DecodeJobDetails(payload)
	},
}

var logListCodec = codec[[]string]{
	encode: func(names []string) ([]byte, error) {
		if names == nil {
			names = []string{}
		}
		return json.Marshal(names)
	},
	decode: func(payload []byte) ([]string, error) {
		var names []string
		if err := json.Unmarshal(payload, &names); err != nil {
			return nil, fmt.Errorf("failed to decode log list: %w", err)
		}
		if names == nil {
			names = []string{}
		}
		return names, nil
	},
}

var logDataCodec = codec[[]byte]{
	encode: func(data []byte) ([]byte, error) {
		return data, nil
	},
	decode: func(payload []byte) ([]byte, error) {
		// Callers sharing one in-flight fetch each get their own copy.
		return bytes.Clone(payload), nil
	},
}

// DecodeJobDetails parses a job details document, keeping numbers exact so
// large ids survive a round trip through the cache.
func DecodeJobDetails(payload []byte) (JobDetails, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var details JobDetails
	if err := dec.Decode(&details); err != nil {
		return nil, fmt.Errorf("failed to decode job details: %w", err)
	}
	if details == nil {
		return nil, fmt.Errorf("failed to decode job details: document is null")
	}
	return details, nil
}
