package port

import (
	"context"
	"errors"

	"github.com/camsync/camsync-export-service/internal/domain/entity"
	"github.com/camsync/camsync-export-service/internal/timeline"
)

// Probe failure classes. An unopenable or undemuxable container is reported
// as a plain wrapped error from the underlying tool.
var (
	ErrNoVideoStream           = errors.New("no video stream")
	ErrIndeterminateRate       = errors.New("frame rate could not be determined")
	ErrIndeterminateFrameCount = errors.New("frame count could not be determined")
)

// Prober inspects a media container and reports frame rate, total frame
// count and audio presence. It must leave no handles open on return.
type Prober interface {
	Probe(ctx context.Context, path string) (*entity.SourceInfo, error)
}

// ProgressFunc receives the number of frames processed so far for one
// source's trim. Advisory; invoked from the trim's worker goroutine.
type ProgressFunc func(framesDone int64)

// Trimmer performs frame-exact extraction of one source's local frame range.
type Trimmer interface {
	// TrimToVideo re-encodes plan's frame range into a new container at
	// outPath. The output's first video frame has pts 0 and its frame count
	// equals plan.Frames().
	TrimToVideo(ctx context.Context, src *entity.SourceInfo, plan timeline.TrimPlan, outPath string, progress ProgressFunc) error

	// TrimToSequence writes plan's frame range as still images under outDir,
	// named by a six-digit global timeline index starting at seqStart so
	// filenames are comparable across sources.
	TrimToSequence(ctx context.Context, src *entity.SourceInfo, plan timeline.TrimPlan, outDir string, seqStart int64, progress ProgressFunc) error
}
