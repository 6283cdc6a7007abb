// Package artifactmirror implements the optional Artifact Mirror
// (SPEC_FULL.md §4.I): a best-effort upload of a successful task's output
// artifact to S3-compatible object storage, grounded on the teacher's
// go.mod carrying the full aws-sdk-go-v2 chain without exercising it.
package artifactmirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nrel/hpcpipe/pkg/model"
)

// Mirror uploads successful task outputs to an S3-compatible bucket.
// Upload failures are logged and never fail the owning task; mirroring is
// strictly an enrichment on top of the Status Store's recorded state.
type Mirror struct {
	uploader *manager.Uploader
	cfg      model.ArtifactMirrorConfig
	logger   *slog.Logger
}

// New resolves AWS credentials from the environment/shared config (the
// teacher's go.mod already required the default credential chain
// packages) and returns a Mirror targeting cfg's bucket.
func New(ctx context.Context, cfg model.ArtifactMirrorConfig, logger *slog.Logger) (*Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("artifact mirror: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Mirror{
		uploader: manager.NewUploader(client),
		cfg:      cfg,
		logger:   logger.With("component", "artifact-mirror"),
	}, nil
}

// Upload best-effort uploads the file at outputPath for (step, tag),
// returning the resulting object URL. Callers (the entry-point process of
// a successful task, via MaybeUpload) should log and ignore a returned
// error rather than fail the task it belongs to.
func (m *Mirror) Upload(ctx context.Context, step, tag, outputPath string) (string, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return "", fmt.Errorf("artifact mirror: open %s: %w", outputPath, err)
	}
	defer f.Close()

	key := objectKey(m.cfg.Prefix, step, tag, filepath.Base(outputPath))
	result, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("artifact mirror: upload %s: %w", key, err)
	}
	return result.Location, nil
}

func objectKey(prefix, step, tag, basename string) string {
	key := step + tag + "/" + basename
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// MaybeUpload is called by a successful task's entry-point process: if cfg is nil,
// mirroring is disabled for this project and MaybeUpload is a no-op.
func MaybeUpload(ctx context.Context, cfg *model.ArtifactMirrorConfig, logger *slog.Logger, step, tag, outputPath string) string {
	if cfg == nil || outputPath == "" {
		return ""
	}
	m, err := New(ctx, *cfg, logger)
	if err != nil {
		logger.Warn("artifact mirror unavailable", "error", err)
		return ""
	}
	url, err := m.Upload(ctx, step, tag, outputPath)
	if err != nil {
		logger.Warn("artifact mirror upload failed", "step", step, "tag", tag, "error", err)
		return ""
	}
	return url
}
