package backends

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/net/html"

	"github.com/richardartoul/openqa-logcache/pkg/logcache"
)

// DefaultHTTPTimeout bounds a single request to the openQA web UI.
const DefaultHTTPTimeout = 5 * time.Minute

// OpenQA fetches job data from an openQA instance over HTTP.
//
// Job details come from the REST API (api/v1/jobs/<id>), the list of result
// files is scraped from the job's downloads_ajax fragment and file contents
// are downloaded from tests/<id>/file/<name>.
type OpenQA struct {
	base     *url.URL
	client   *http.Client
	logger   *slog.Logger
	insecure bool
}

// OpenQAOption configures an OpenQA fetcher.
type OpenQAOption func(*OpenQA)

// WithHTTPClient replaces the HTTP client. WithInsecureTLS has no effect on a
// client set this way.
func WithHTTPClient(client *http.Client) OpenQAOption {
	return func(o *OpenQA) { o.client = client }
}

// WithInsecureTLS disables certificate verification, which many internal
// openQA instances need.
func WithInsecureTLS() OpenQAOption {
	return func(o *OpenQA) { o.insecure = true }
}

// WithOpenQALogger sets the logger.
func WithOpenQALogger(logger *slog.Logger) OpenQAOption {
	return func(o *OpenQA) { o.logger = logger }
}

// NewOpenQA creates a fetcher for host. A host without a scheme is reached
// over https.
func NewOpenQA(host string, opts ...OpenQAOption) (*OpenQA, error) {
	base, err := parseHost(host)
	if err != nil {
		return nil, err
	}

	o := &OpenQA{
		base:   base,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if o.insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		o.client = &http.Client{
			Transport: transport,
			Timeout:   DefaultHTTPTimeout,
		}
	}

	return o, nil
}

func parseHost(host string) (*url.URL, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "openQA host cannot be empty")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}

	u, err := url.Parse(host)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid openQA host")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "unsupported scheme %q for openQA host", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Newf(errors.CodeInvalidConfig, "openQA host %q has no host name", host)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u, nil
}

// FetchDetails returns the "job" document of api/v1/jobs/<id>.
func (o *OpenQA) FetchDetails(ctx context.Context, jobID int64) (logcache.JobDetails, error) {
	body, err := o.get(ctx, "api", "v1", "jobs", strconv.FormatInt(jobID, 10))
	if err != nil {
		return nil, err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to decode job details response")
	}
	raw, ok := envelope["job"]
	if !ok {
		return nil, errors.WithContext(
			errors.Newf(errors.CodeInternal, "response for job %d has no job document", jobID),
			"job_id", jobID,
		)
	}

	details, err := logcache.DecodeJobDetails(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to decode job document")
	}
	return details, nil
}

// FetchLogList returns the result file names listed by tests/<id>/downloads_ajax.
func (o *OpenQA) FetchLogList(ctx context.Context, jobID int64) ([]string, error) {
	body, err := o.get(ctx, "tests", strconv.FormatInt(jobID, 10), "downloads_ajax")
	if err != nil {
		return nil, err
	}

	names, err := parseDownloads(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to parse result file list")
	}
	return names, nil
}

// FetchLogData downloads tests/<id>/file/<filename>.
func (o *OpenQA) FetchLogData(ctx context.Context, jobID int64, filename string) ([]byte, error) {
	return o.get(ctx, "tests", strconv.FormatInt(jobID, 10), "file", url.PathEscape(filename))
}

// get performs a GET below the base URL. Path elements must already be
// escaped.
func (o *OpenQA) get(ctx context.Context, elem ...string) ([]byte, error) {
	target := o.base.JoinPath(elem...).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to build request")
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		code := errors.CodeNetwork
		if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
			code = errors.CodeTimeout
		}
		return nil, errors.WithContext(errors.Wrap(err, code, "request to openQA failed"), "url", target)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeNetwork, "failed to read openQA response"), "url", target)
	}

	o.logger.Debug("openQA request",
		"url", target,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, target)
	}
	return body, nil
}

func statusError(status int, target string) error {
	var code errors.ErrorCode
	switch {
	case status == http.StatusNotFound:
		code = errors.CodeNotFound
	case status == http.StatusUnauthorized:
		code = errors.CodeUnauthorized
	case status == http.StatusForbidden:
		code = errors.CodeForbidden
	case status == http.StatusTooManyRequests:
		code = errors.CodeRateLimit
	case status == http.StatusGatewayTimeout:
		code = errors.CodeTimeout
	case status >= 500:
		code = errors.CodeUnavailable
	default:
		code = errors.CodeInternal
	}
	err := errors.Newf(code, "openQA returned %d %s", status, http.StatusText(status))
	err = errors.WithContext(err, "status", status)
	return errors.WithContext(err, "url", target)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// parseDownloads returns the trimmed text of every link in the fragment, in
// document order.
func parseDownloads(body []byte) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	names := []string{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if name := strings.TrimSpace(textContent(n)); name != "" {
				names = append(names, name)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return names, nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}
