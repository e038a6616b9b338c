package port

import "context"

// Zipper bundles an exported image-sequence directory into a single archive
// for upload.
type Zipper interface {
	CreateZip(ctx context.Context, filePaths []string, outputPath string) error
}
