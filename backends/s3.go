package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/jmgilman/go/errors"

	"github.com/richardartoul/openqa-logcache/pkg/logcache"
)

const (
	// s3DetailsObject holds the api/v1/jobs/<id> response of an archived job.
	s3DetailsObject = "details.json"
	// s3FilesDir holds the result files of an archived job.
	s3FilesDir = "files"
)

// S3API is the subset of *s3.Client used by S3.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 fetches archived job results from an S3 bucket laid out as
//
//	<prefix>/<job id>/details.json     the api/v1/jobs/<id> response
//	<prefix>/<job id>/files/<name>     result files
type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 creates an S3 fetcher for an s3://bucket/prefix host using the
// default AWS credential chain.
func NewS3(ctx context.Context, host string) (*S3, error) {
	bucket, prefix, err := parseS3Host(host)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "failed to load AWS config")
	}

	return NewS3WithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3WithClient creates an S3 fetcher with a custom client.
func NewS3WithClient(client S3API, bucket, prefix string) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// IsS3Host reports whether host names an S3 location.
func IsS3Host(host string) bool {
	return strings.HasPrefix(host, "s3://")
}

func parseS3Host(host string) (bucket, prefix string, err error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", "", errors.Wrap(err, errors.CodeInvalidConfig, "invalid S3 host")
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.Newf(errors.CodeInvalidConfig, "S3 host must look like s3://bucket/prefix, got %q", host)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

func (s *S3) jobKey(jobID int64, elem ...string) string {
	parts := append([]string{s.prefix, strconv.FormatInt(jobID, 10)}, elem...)
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// FetchDetails reads <prefix>/<id>/details.json and returns its "job" document.
func (s *S3) FetchDetails(ctx context.Context, jobID int64) (logcache.JobDetails, error) {
	body, err := s.getObject(ctx, s.jobKey(jobID, s3DetailsObject))
	if err != nil {
		return nil, err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to decode archived job details")
	}
	raw, ok := envelope["job"]
	if !ok {
		return nil, errors.Newf(errors.CodeInternal, "archived details of job %d have no job document", jobID)
	}

	details, err := logcache.DecodeJobDetails(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to decode archived job document")
	}
	return details, nil
}

// FetchLogList lists <prefix>/<id>/files/. A job with no objects at all is
// reported as not found.
func (s *S3) FetchLogList(ctx context.Context, jobID int64) ([]string, error) {
	dir := s.jobKey(jobID, s3FilesDir) + "/"

	names := []string{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(dir),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translateS3Error(err, dir)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dir)
			if name != "" {
				names = append(names, name)
			}
		}
	}

	if len(names) == 0 {
		// Distinguish an archived job without files from an unknown job.
		if _, err := s.getObject(ctx, s.jobKey(jobID, s3DetailsObject)); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// FetchLogData reads <prefix>/<id>/files/<filename>.
func (s *S3) FetchLogData(ctx context.Context, jobID int64, filename string) ([]byte, error) {
	return s.getObject(ctx, s.jobKey(jobID, s3FilesDir, filename))
}

func (s *S3) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateS3Error(err, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeNetwork, "failed to read S3 object"), "key", key)
	}
	return data, nil
}

// translateS3Error maps S3 API error codes onto error codes.
func translateS3Error(err error, key string) error {
	code := errors.CodeNetwork

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			code = errors.CodeNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			code = errors.CodeForbidden
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
			code = errors.CodeRateLimit
		case "InternalError", "ServiceUnavailable":
			code = errors.CodeUnavailable
		default:
			code = errors.CodeInternal
		}
	}

	return errors.WithContext(errors.Wrap(err, code, fmt.Sprintf("S3 request for %s failed", key)), "key", key)
}
