package artifact

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/scanhunter/internal/config"
)

// New constructs the artifact store selected by cfg.Backend.
// Called once at server startup.
func New(ctx context.Context, cfg config.ArtifactConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "local":
		s, err = NewLocalStore(cfg.Local.Dir)
	case "s3":
		s, err = NewS3Store(ctx, S3Options{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
	case "gcs":
		s, err = NewGCSStore(ctx, GCSOptions{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			CredentialsFile: cfg.GCS.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q: must be one of local, s3, gcs", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
