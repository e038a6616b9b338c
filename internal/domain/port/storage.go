package port

import (
	"context"
	"io"
)

type SourceStorage interface {
	DownloadSource(ctx context.Context, objectKey string, destPath string) error
	UploadArtifact(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
}
