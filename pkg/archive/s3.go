package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/loanprobe/pkg/config"
	"github.com/ethpandaops/loanprobe/pkg/testrun"
	"github.com/sirupsen/logrus"
)

const defaultPrefix = "loanprobe"

// objectPutter is the subset of the S3 client the archiver uses.
type objectPutter interface {
	PutObject(
		ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options),
	) (*s3.PutObjectOutput, error)
}

// s3Archiver implements Archiver for S3-compatible storage.
type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3ArchiveConfig
	client objectPutter
}

// Compile-time interface check.
var _ Archiver = (*s3Archiver)(nil)

// NewS3Archiver creates a new S3 archiver from the given configuration.
func NewS3Archiver(log logrus.FieldLogger, cfg *config.S3ArchiveConfig) Archiver {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Archiver{
		log:    log.WithField("component", "s3-archiver"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

// New returns the S3 archiver when it is enabled and a no-op otherwise.
func New(log logrus.FieldLogger, cfg *config.ArchiveConfig) Archiver {
	if !cfg.S3.Enabled {
		return Noop()
	}

	return NewS3Archiver(log, &cfg.S3)
}

// Preflight writes a small marker object to fail fast on misconfiguration.
func (a *s3Archiver) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("loanprobe write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(a.prefix() + "/.write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// Archive uploads run as {prefix}/runs/{id}.json.
func (a *s3Archiver) Archive(ctx context.Context, run *testrun.TestRun) error {
	body, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.ID, err)
	}

	key := a.resolveKey(run.ID)

	a.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": a.cfg.Bucket,
	}).Debug("Archiving test run")

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("PutObject %s: %w", key, err)
	}

	return nil
}

func (a *s3Archiver) prefix() string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}

	return prefix
}

// resolveKey builds the object key for a run id.
func (a *s3Archiver) resolveKey(id string) string {
	return a.prefix() + "/runs/" + id + ".json"
}
