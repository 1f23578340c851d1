package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/gostow/pkg/artifact"
	"github.com/3leaps/gostow/pkg/sink"
)

// MetaContentHash is the user metadata key carrying the artifact hex digest.
const MetaContentHash = "content-sha256"

// API is the subset of the S3 client the sink uses.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Sink uploads artifacts to one bucket.
type Sink struct {
	client       API
	name         string
	bucket       string
	storageClass string
}

// Ensure Sink implements the interfaces.
var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Stater = (*Sink)(nil)
)

// New creates an S3 sink with the given configuration.
//
// The sink uses AWS SDK v2's default credential chain unless explicit
// credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &sink.Error{Kind: sink.Permanent, Op: "New", Sink: cfg.Name, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return NewWithClient(cfg, client), nil
}

// NewWithClient builds a sink around an existing client.
func NewWithClient(cfg Config, client API) *Sink {
	return &Sink{
		client:       client,
		name:         cfg.Name,
		bucket:       cfg.Bucket,
		storageClass: cfg.StorageClass,
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Bucket() string { return s.bucket }

// Close is a no-op; the S3 client holds no resources needing release.
func (s *Sink) Close() error { return nil }

// Put uploads obj in a single request. The SHA-256 checksum is sent so the
// service rejects a body corrupted in transit.
func (s *Sink) Put(ctx context.Context, obj sink.Object) error {
	if _, err := obj.Body.Seek(0, 0); err != nil {
		return &sink.Error{Kind: sink.Permanent, Op: "Put", Sink: s.name, Key: obj.Key, Err: fmt.Errorf("rewind body: %w", err)}
	}

	size := obj.Size
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(obj.Key),
		Body:          obj.Body,
		ContentLength: &size,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if s.storageClass != "" {
		input.StorageClass = types.StorageClass(s.storageClass)
	}
	if digest, ok := decodeHash(obj.ContentHash); ok {
		input.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(digest))
		input.Metadata = map[string]string{MetaContentHash: hex.EncodeToString(digest)}
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.wrapError("Put", obj.Key, err)
	}
	return nil
}

// Stat reports an existing object and the content hash it was uploaded with.
func (s *Sink) Stat(ctx context.Context, key string) (sink.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return sink.ObjectInfo{}, s.wrapError("Stat", key, err)
	}

	info := sink.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}
	if h, ok := out.Metadata[MetaContentHash]; ok {
		info.ContentHash = artifact.HashAlgorithm + ":" + strings.ToLower(h)
	} else if sum := aws.ToString(out.ChecksumSHA256); sum != "" && !strings.Contains(sum, "-") {
		if digest, err := base64.StdEncoding.DecodeString(sum); err == nil {
			info.ContentHash = artifact.FormatHash(digest)
		}
	}
	return info, nil
}

func decodeHash(contentHash string) ([]byte, bool) {
	hexDigest, ok := strings.CutPrefix(contentHash, artifact.HashAlgorithm+":")
	if !ok {
		return nil, false
	}
	digest, err := hex.DecodeString(hexDigest)
	if err != nil || len(digest) != 32 {
		return nil, false
	}
	return digest, true
}

// httpStatusError is implemented by SDK response errors.
type httpStatusError interface {
	HTTPStatusCode() int
}

// wrapError converts S3 errors to sink errors with appropriate sentinel errors.
func (s *Sink) wrapError(op, key string, err error) error {
	wrapped := &sink.Error{Op: op, Sink: s.name, Key: key, Err: err}
	mark := func(sentinel error) error {
		wrapped.Err = fmt.Errorf("%w: %w", sentinel, err)
		return wrapped
	}

	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		return mark(sink.ErrNotFound)
	case errors.As(err, &noSuchBucket):
		return mark(sink.ErrBucketNotFound)
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return mark(sink.ErrNotFound)
		case "NoSuchBucket":
			return mark(sink.ErrBucketNotFound)
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "AccountProblem":
			return mark(sink.ErrAccessDenied)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return mark(sink.ErrInvalidCredentials)
		case "QuotaExceeded", "StorageQuotaExceeded", "EntityTooLarge", "XMinioStorageFull":
			return mark(sink.ErrQuotaExceeded)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return mark(sink.ErrThrottled)
		case "ServiceUnavailable", "InternalError":
			return mark(sink.ErrUnavailable)
		}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		switch code := statusErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return mark(sink.ErrNotFound)
		case code == http.StatusUnauthorized:
			return mark(sink.ErrInvalidCredentials)
		case code == http.StatusForbidden:
			return mark(sink.ErrAccessDenied)
		case code == http.StatusTooManyRequests:
			return mark(sink.ErrThrottled)
		case code >= 500:
			return mark(sink.ErrUnavailable)
		}
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchBucket"):
		return mark(sink.ErrBucketNotFound)
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound"):
		return mark(sink.ErrNotFound)
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden"):
		return mark(sink.ErrAccessDenied)
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		return mark(sink.ErrInvalidCredentials)
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling"):
		return mark(sink.ErrThrottled)
	case strings.Contains(errMsg, "ServiceUnavailable"):
		return mark(sink.ErrUnavailable)
	}

	return wrapped
}
