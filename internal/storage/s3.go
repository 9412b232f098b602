package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// S3 is an object-store backend for S3-compatible services (AWS S3,
// R2, MinIO). Conditional writes use the service's If-Match /
// If-None-Match PUT headers, so the compare-and-swap happens inside
// the store. Append is a bounded read-modify-write loop over
// conditional PUTs.
type S3 struct {
	client *s3.Client
	bucket string
}

// S3Config selects the bucket and optional custom endpoint.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // non-empty for R2/MinIO style endpoints
}

// NewS3 builds an S3 backend using the ambient AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.CodeConfigurationError, "s3 backend requires a bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigurationError, "loading aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// NewS3WithClient wraps an existing client; used by tests.
func NewS3WithClient(client *s3.Client, bucket string) *S3 {
	return &S3{client: client, bucket: bucket}
}

func stripQuotes(etag string) string {
	return strings.Trim(etag, `"`)
}

func (s *S3) mapError(p string, err error) error {
	var noSuchKey *s3types.NoSuchKey
	if stderrors.As(err, &noSuchKey) {
		return errFileNotFound(p)
	}
	var notFound *s3types.NotFound
	if stderrors.As(err, &notFound) {
		return errFileNotFound(p)
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errFileNotFound(p)
		case "PreconditionFailed":
			return errETagMismatch(p, "", "")
		case "InvalidRange":
			return nil // caller treats as empty range
		case "QuotaExceeded":
			return errors.New(errors.CodeQuotaExceeded, "bucket quota exceeded").WithContext("path", p)
		}
	}
	return errors.Wrap(err, errors.CodeNetworkError, "s3 request failed").WithContext("path", p)
}

func (s *S3) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p),
	})
	if err != nil {
		return nil, s.mapError(p, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "reading object body")
	}
	return data, nil
}

func (s *S3) ReadRange(ctx context.Context, p string, start, end int64) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if end <= start && end >= 0 {
		return []byte{}, nil
	}
	rng := fmt.Sprintf("bytes=%d-", start)
	if end > 0 {
		rng = fmt.Sprintf("bytes=%d-%d", start, end-1)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p),
		Range:  aws.String(rng),
	})
	if err != nil {
		mapped := s.mapError(p, err)
		if mapped == nil {
			// InvalidRange: start at or past the object size.
			return []byte{}, nil
		}
		return nil, mapped
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "reading object range")
	}
	return data, nil
}

func (s *S3) Write(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p),
		Body:   bytes.NewReader(data),
	}
	if opts != nil {
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		if len(opts.Metadata) > 0 {
			input.Metadata = opts.Metadata
		}
		if opts.IfNoneMatch == "*" {
			input.IfNoneMatch = aws.String("*")
		}
		if opts.IfMatch != "" {
			input.IfMatch = aws.String(`"` + stripQuotes(opts.IfMatch) + `"`)
		}
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		mapped := s.mapError(p, err)
		if errors.CodeOf(mapped) == errors.CodeETagMismatch && opts != nil && opts.IfNoneMatch == "*" {
			return nil, errFileExists(p)
		}
		return nil, mapped
	}
	return &WriteResult{ETag: stripQuotes(aws.ToString(out.ETag)), Size: int64(len(data))}, nil
}

func (s *S3) WriteAtomic(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error) {
	// S3 PUT is already atomic; readers never observe partial objects.
	return s.Write(ctx, p, data, opts)
}

func (s *S3) WriteConditional(ctx context.Context, p string, data []byte, expectedETag *string) (*WriteResult, error) {
	opts := &WriteOptions{}
	if expectedETag == nil {
		opts.IfNoneMatch = "*"
	} else {
		opts.IfMatch = *expectedETag
	}
	return s.Write(ctx, p, data, opts)
}

func (s *S3) Append(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	// Object stores have no native append; loop a conditional PUT over
	// the observed etag, bounded by MaxAppendRetries.
	_, _, err := errors.WithRetry(ctx, func() (struct{}, error) {
		info, err := s.Stat(ctx, p)
		if errors.CodeOf(err) == errors.CodeFileNotFound {
			_, werr := s.WriteConditional(ctx, p, data, nil)
			return struct{}{}, werr
		}
		if err != nil {
			return struct{}{}, err
		}
		current, err := s.Read(ctx, p)
		if err != nil {
			return struct{}{}, err
		}
		combined := append(current, data...)
		_, werr := s.WriteConditional(ctx, p, combined, &info.ETag)
		return struct{}{}, werr
	}, errors.RetryOptions{
		MaxRetries: MaxAppendRetries,
		BaseDelay:  5 * time.Millisecond,
		Jitter:     true,
		IsRetryable: func(err error) bool {
			code := errors.CodeOf(err)
			return code == errors.CodeETagMismatch || code == errors.CodeAlreadyExists
		},
	})
	return err
}

func (s *S3) Delete(ctx context.Context, p string) (bool, error) {
	if err := ValidatePath(p); err != nil {
		return false, err
	}
	existed, err := s.Exists(ctx, p)
	if err != nil {
		return false, err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p),
	})
	if err != nil {
		return false, s.mapError(p, err)
	}
	return existed, nil
}

func (s *S3) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return 0, err
	}
	count := 0
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return count, s.mapError(prefix, err)
		}
		for _, obj := range out.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return count, s.mapError(aws.ToString(obj.Key), err)
			}
			count++
		}
		if out.NextContinuationToken == nil {
			return count, nil
		}
		token = out.NextContinuationToken
	}
}

func (s *S3) Copy(ctx context.Context, src, dst string) error {
	if err := ValidatePath(src); err != nil {
		return err
	}
	if err := ValidatePath(dst); err != nil {
		return err
	}
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + src),
		Key:        aws.String(dst),
	})
	if err != nil {
		return s.mapError(src, err)
	}
	return nil
}

func (s *S3) Move(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := s.Delete(ctx, src)
	return err
}

func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.Stat(ctx, p)
	if errors.CodeOf(err) == errors.CodeFileNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *S3) Stat(ctx context.Context, p string) (*FileInfo, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p),
	})
	if err != nil {
		return nil, s.mapError(p, err)
	}
	info := &FileInfo{
		Path:        p,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        stripQuotes(aws.ToString(out.ETag)),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

func (s *S3) List(ctx context.Context, prefix string, opts *ListOptions) (*ListResult, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ListOptions{}
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if opts.Delimiter != "" {
		input.Delimiter = aws.String(opts.Delimiter)
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit))
	}
	if opts.Cursor != "" {
		token, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		input.ContinuationToken = aws.String(token)
	}
	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, s.mapError(prefix, err)
	}

	result := &ListResult{}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if opts.Pattern != "" {
			ok, err := path.Match(opts.Pattern, path.Base(key))
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeInvalidInput, "bad list pattern")
			}
			if !ok {
				continue
			}
		}
		info := FileInfo{
			Path: key,
			Size: aws.ToInt64(obj.Size),
			ETag: stripQuotes(aws.ToString(obj.ETag)),
		}
		if obj.LastModified != nil {
			info.ModTime = *obj.LastModified
		}
		result.Files = append(result.Files, info)
	}
	for _, cp := range out.CommonPrefixes {
		result.Prefixes = append(result.Prefixes, aws.ToString(cp.Prefix))
	}
	if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
		result.HasMore = true
		result.Cursor = encodeCursor(aws.ToString(out.NextContinuationToken))
	}
	return result, nil
}

func (s *S3) Mkdir(ctx context.Context, p string) error {
	return ValidatePath(strings.TrimSuffix(p, "/"))
}

func (s *S3) Rmdir(ctx context.Context, p string, recursive bool) error {
	p = strings.TrimSuffix(p, "/")
	if err := ValidatePath(p); err != nil {
		return err
	}
	if recursive {
		_, err := s.DeletePrefix(ctx, p+"/")
		return err
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(p + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return s.mapError(p, err)
	}
	if len(out.Contents) > 0 {
		return errDirectoryNotEmpty(p)
	}
	return nil
}

func (s *S3) Close() error {
	return nil
}

var _ Backend = (*S3)(nil)
