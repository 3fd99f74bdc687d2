// Package s3 stores cloud exports in an S3-compatible bucket. Folders are key
// prefixes marked by zero-byte "name/" objects; file and folder ids are keys.
package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
	"github.com/supporttools/SettingsGuard/pkg/config"
)

// API is the part of the S3 client the backend uses
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend implements cloud.Backend on a bucket
type Backend struct {
	api    API
	bucket string
	root   string
	debug  bool
	logger *logrus.Logger
}

// New wraps an S3 API. prefix becomes the root "folder".
func New(api API, bucket, prefix string, debug bool, logger *logrus.Logger) *Backend {
	root := strings.Trim(prefix, "/")
	if root != "" {
		root += "/"
	}
	return &Backend{api: api, bucket: bucket, root: root, debug: debug, logger: logger}
}

// NewFromConfig builds the S3 client from configuration and wraps it
func NewFromConfig(ctx context.Context, cfg config.S3Config, debug bool, logger *logrus.Logger) (*Backend, error) {
	client, err := NewClient(ctx, cfg, debug, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	return New(client, cfg.Bucket, cfg.Prefix, debug, logger), nil
}

// NewClient initializes an S3 client based on configuration
func NewClient(ctx context.Context, cfg config.S3Config, debug bool, logger *logrus.Logger) (*s3.Client, error) {
	// Create custom HTTP client with TLS configuration
	httpClient := &http.Client{}

	if cfg.UseSSL {
		tlsConfig := &tls.Config{}

		// Load custom CA if specified
		if cfg.CustomCAPath != "" && !cfg.SkipCertValidation {
			rootCAs, _ := x509.SystemCertPool()
			if rootCAs == nil {
				rootCAs = x509.NewCertPool()
			}

			caCert, err := os.ReadFile(cfg.CustomCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read custom CA certificate: %w", err)
			}
			if ok := rootCAs.AppendCertsFromPEM(caCert); !ok {
				return nil, fmt.Errorf("failed to append custom CA certificate")
			}

			tlsConfig.RootCAs = rootCAs
			logger.Infof("Using custom CA certificate from %s", cfg.CustomCAPath)
		}

		if cfg.SkipCertValidation {
			tlsConfig.InsecureSkipVerify = true
			logger.Warn("TLS certificate validation is disabled for S3 connections")
		}

		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.Endpoint != "" && debug {
		logger.Debugf("S3 Debug: region=%s endpoint=%s pathStyle=%v", cfg.Region, cfg.Endpoint, cfg.PathStyle)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	s3Options := []func(*s3.Options){
		func(o *s3.Options) {
			// custom endpoints (MinIO and friends) rarely support virtual hosts
			o.UsePathStyle = cfg.PathStyle || cfg.Endpoint != ""
		},
	}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return s3.NewFromConfig(awsCfg, s3Options...), nil
}

// Name implements cloud.Backend
func (b *Backend) Name() string { return "s3" }

// RootID implements cloud.Backend
func (b *Backend) RootID() string { return b.root }

func folderKey(parentID, name string) string {
	return parentID + name + "/"
}

// FindFolder implements cloud.Backend. A prefix that holds objects counts as
// a folder even without a marker.
func (b *Backend) FindFolder(ctx context.Context, parentID, name string) (string, error) {
	key := folderKey(parentID, name)

	_, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err == nil {
		return key, nil
	}
	if err = classify(err); !errors.Is(err, cloud.ErrNotFound) {
		return "", err
	}

	out, err := b.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return "", classify(err)
	}
	if len(out.Contents) > 0 {
		return key, nil
	}
	return "", cloud.ErrNotFound
}

// CreateFolder implements cloud.Backend by writing the marker object
func (b *Backend) CreateFolder(ctx context.Context, parentID, name string) (string, error) {
	key := folderKey(parentID, name)
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String("application/x-directory"),
	})
	if err != nil {
		return "", classify(err)
	}
	if b.debug {
		b.logger.Debugf("S3 Debug: created folder marker s3://%s/%s", b.bucket, key)
	}
	return key, nil
}

// ListFolders implements cloud.Backend
func (b *Backend) ListFolders(ctx context.Context, parentID string) ([]cloud.FileInfo, error) {
	var out []cloud.FileInfo
	paginator := s3.NewListObjectsV2Paginator(b.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(parentID),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		for _, p := range page.CommonPrefixes {
			key := aws.ToString(p.Prefix)
			out = append(out, cloud.FileInfo{
				ID:     key,
				Name:   strings.TrimSuffix(strings.TrimPrefix(key, parentID), "/"),
				Folder: true,
			})
		}
	}
	return out, nil
}

// ListFiles implements cloud.Backend
func (b *Backend) ListFiles(ctx context.Context, folderID string, pageSize int, pageToken string) (cloud.Page, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(folderID),
		Delimiter: aws.String("/"),
	}
	if pageSize > 0 {
		in.MaxKeys = aws.Int32(int32(pageSize))
	}
	if pageToken != "" {
		in.ContinuationToken = aws.String(pageToken)
	}

	out, err := b.api.ListObjectsV2(ctx, in)
	if err != nil {
		return cloud.Page{}, classify(err)
	}

	var page cloud.Page
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if key == folderID {
			continue
		}
		page.Files = append(page.Files, cloud.FileInfo{
			ID:         key,
			Name:       path.Base(key),
			Size:       aws.ToInt64(obj.Size),
			ModifiedAt: aws.ToTime(obj.LastModified),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextPageToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// CreateFile implements cloud.Backend
func (b *Backend) CreateFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error) {
	key := folderID + name
	_, err := b.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", classify(err)
	}
	b.logger.Debugf("Uploaded s3://%s/%s (%s)", b.bucket, key, humanize.Bytes(uint64(len(data))))
	return key, nil
}

// Stat implements cloud.Backend
func (b *Backend) Stat(ctx context.Context, fileID string) (cloud.FileInfo, error) {
	out, err := b.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(fileID)})
	if err != nil {
		return cloud.FileInfo{}, classify(err)
	}
	return cloud.FileInfo{
		ID:         fileID,
		Name:       path.Base(fileID),
		MimeType:   aws.ToString(out.ContentType),
		Size:       aws.ToInt64(out.ContentLength),
		Folder:     strings.HasSuffix(fileID, "/"),
		ModifiedAt: aws.ToTime(out.LastModified),
	}, nil
}

// Download implements cloud.Backend
func (b *Backend) Download(ctx context.Context, fileID string) ([]byte, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(fileID)})
	if err != nil {
		return nil, classify(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read s3://%s/%s: %v", cloud.ErrTransient, b.bucket, fileID, err)
	}
	return data, nil
}

// About implements cloud.Backend
func (b *Backend) About(ctx context.Context) (string, error) {
	return fmt.Sprintf("s3://%s/%s", b.bucket, b.root), nil
}

// classify maps SDK errors onto the cloud sentinels
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %s", cloud.ErrNotFound, apiErr.ErrorCode())
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return fmt.Errorf("%w: %s", cloud.ErrTransient, apiErr.ErrorCode())
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return fmt.Errorf("%w: s3 returned %d: %v", cloud.ClassifyStatus(statusErr.HTTPStatusCode()), statusErr.HTTPStatusCode(), err)
	}

	if cloud.Classify(err) == cloud.KindTransient {
		return fmt.Errorf("%w: %v", cloud.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", cloud.ErrPermanent, err)
}
