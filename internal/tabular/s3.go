package tabular

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	s3ObjectSuffix      = ".csv"
	s3MaxWriteConflicts = 8
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// S3Store keeps each table as one CSV object. Appends are read-modify-write
// guarded by If-Match on the object's ETag, so a concurrent append makes the
// loser re-read and re-apply rather than overwrite.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// NewS3StoreFromDSN builds a store for s3://bucket/prefix. Region, endpoint
// and static credentials come from MIXLEDGER_S3_* variables and otherwise from
// the default AWS chain.
func NewS3StoreFromDSN(parsed *url.URL) (*S3Store, error) {
	if parsed == nil || strings.TrimSpace(parsed.Host) == "" {
		return nil, fmt.Errorf("%w: s3 bucket required", ErrInvalidInput)
	}
	query := parsed.Query()
	cfg := S3Config{
		Bucket:          parsed.Host,
		Prefix:          strings.Trim(parsed.Path, "/"),
		Region:          firstNonEmpty(query.Get("region"), os.Getenv("MIXLEDGER_S3_REGION")),
		Endpoint:        firstNonEmpty(query.Get("endpoint"), os.Getenv("MIXLEDGER_S3_ENDPOINT")),
		AccessKeyID:     os.Getenv("MIXLEDGER_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("MIXLEDGER_S3_SECRET_ACCESS_KEY"),
		PathStyle: strings.EqualFold(query.Get("path_style"), "true") ||
			strings.EqualFold(os.Getenv("MIXLEDGER_S3_PATH_STYLE"), "true"),
	}
	return NewS3Store(context.Background(), cfg)
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: s3 bucket required", ErrInvalidInput)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3StoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3StoreWithClient(client s3API, bucket, prefix string) *S3Store {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) Backend() string { return "s3" }

func (s *S3Store) key(table string) string {
	return s.prefix + url.PathEscape(table) + s3ObjectSuffix
}

func (s *S3Store) ListTables(ctx context.Context) ([]string, error) {
	names := []string{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, object := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(object.Key), s.prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, s3ObjectSuffix) {
				continue
			}
			decoded, err := url.PathUnescape(strings.TrimSuffix(name, s3ObjectSuffix))
			if err != nil {
				continue
			}
			names = append(names, decoded)
		}
	}
	return names, nil
}

func (s *S3Store) ReadColumn(ctx context.Context, table string, column int) ([]string, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	if err := validateColumn(column); err != nil {
		return nil, err
	}
	rows, _, err := s.load(ctx, table)
	if err != nil {
		return nil, err
	}
	cells := make([]string, 0, len(rows))
	for _, row := range rows {
		cells = append(cells, cellAt(row, column))
	}
	return cells, nil
}

func (s *S3Store) AppendRows(ctx context.Context, table string, rows [][]string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return s.update(ctx, table, false, func(existing [][]string) ([][]string, bool) {
		return append(existing, cloneRows(rows)...), true
	})
}

func (s *S3Store) EnsureTable(ctx context.Context, table string, header []string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	return s.update(ctx, table, true, func(existing [][]string) ([][]string, bool) {
		if len(header) == 0 || (len(existing) > 0 && !headerIsEmpty(existing[0])) {
			return existing, false
		}
		return withHeader(existing, header), true
	})
}

func (s *S3Store) Close() error { return nil }

// update applies fn to the current rows and writes the result conditionally.
// When create is false a missing object is ErrTableNotFound.
func (s *S3Store) update(ctx context.Context, table string, create bool, fn func([][]string) ([][]string, bool)) error {
	for attempt := 0; attempt < s3MaxWriteConflicts; attempt++ {
		rows, etag, err := s.load(ctx, table)
		missing := errors.Is(err, ErrTableNotFound)
		if err != nil && !(missing && create) {
			return err
		}
		next, changed := fn(rows)
		if !changed && !missing {
			return nil
		}
		body, err := encodeCSV(next)
		if err != nil {
			return err
		}
		input := &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(table)),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("text/csv"),
		}
		if missing {
			input.IfNoneMatch = aws.String("*")
		} else {
			input.IfMatch = aws.String(etag)
		}
		_, err = s.client.PutObject(ctx, input)
		if err == nil {
			return nil
		}
		if !isS3Error(err, "PreconditionFailed", "ConditionalRequestConflict") {
			return err
		}
	}
	return fmt.Errorf("s3 table %q: too many concurrent writers", table)
}

func (s *S3Store) load(ctx context.Context, table string) ([][]string, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(table)),
	})
	if err != nil {
		if isS3Error(err, "NoSuchKey", "NotFound") {
			return nil, "", ErrTableNotFound
		}
		return nil, "", err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", err
	}
	rows, err := decodeCSV(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode s3 table %q: %w", table, err)
	}
	return rows, aws.ToString(out.ETag), nil
}

func isS3Error(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

// encodeCSV writes an empty row, or a row holding one empty cell, as a quoted
// empty field. csv.Writer would emit a blank line, which csv.Reader skips.
func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	for _, row := range rows {
		if len(row) == 0 || (len(row) == 1 && row[0] == "") {
			writer.Flush()
			buf.WriteString("\"\"\n")
			continue
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCSV(data []byte) ([][]string, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return [][]string{}, nil
	}
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	return reader.ReadAll()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
