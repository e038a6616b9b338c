package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/camsync/camsync-export-service/internal/domain/entity"
	"github.com/camsync/camsync-export-service/internal/domain/port"
	"github.com/camsync/camsync-export-service/internal/timeline"
	"go.uber.org/zap"
)

// sequenceDigits is the zero-padded width of sequence filenames. Fixed so
// the same master-timeline frame gets the same name in every source's
// output directory.
const sequenceDigits = 6

// TrimmerConfig carries the encode tunables for the video path and the JPEG
// quality (ffmpeg qscale, lower is better) for the sequence path.
type TrimmerConfig struct {
	CRF          int
	Preset       string
	AudioBitrate string
	JPEGQuality  int
}

// Trimmer cuts a single source to a local frame range with ffmpeg. The video
// path decodes sequentially, drops frames outside the range and re-encodes
// with presentation timestamps rebased to zero; the sequence path decodes
// only and writes numbered stills. Cancelling the context kills the ffmpeg
// process at the next frame; partial output is left at the destination for
// the caller's workdir teardown to collect.
type Trimmer struct {
	cfg    TrimmerConfig
	logger *zap.Logger
}

func NewTrimmer(cfg TrimmerConfig, logger *zap.Logger) *Trimmer {
	return &Trimmer{cfg: cfg, logger: logger}
}

func (t *Trimmer) TrimToVideo(ctx context.Context, src *entity.SourceInfo, plan timeline.TrimPlan, outPath string, progress port.ProgressFunc) error {
	if err := validatePlan(src, plan); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	args := t.videoArgs(src, plan, outPath)
	t.logger.Debug("trimming to video",
		zap.String("path", src.Path),
		zap.Int64("local_start", plan.LocalStart),
		zap.Int64("local_end", plan.LocalEnd),
		zap.String("out", outPath),
	)

	if err := t.run(ctx, args, progress); err != nil {
		return fmt.Errorf("re-encode %s frames [%d, %d]: %w", src.Path, plan.LocalStart, plan.LocalEnd, err)
	}
	return nil
}

func (t *Trimmer) TrimToSequence(ctx context.Context, src *entity.SourceInfo, plan timeline.TrimPlan, outDir string, seqStart int64, progress port.ProgressFunc) error {
	if err := validatePlan(src, plan); err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create sequence dir: %w", err)
	}

	args := t.sequenceArgs(src, plan, outDir, seqStart)
	t.logger.Debug("trimming to image sequence",
		zap.String("path", src.Path),
		zap.Int64("local_start", plan.LocalStart),
		zap.Int64("local_end", plan.LocalEnd),
		zap.Int64("sequence_start", seqStart),
		zap.String("out_dir", outDir),
	)

	if err := t.run(ctx, args, progress); err != nil {
		return fmt.Errorf("extract %s frames [%d, %d]: %w", src.Path, plan.LocalStart, plan.LocalEnd, err)
	}
	return nil
}

// videoArgs builds the re-encode invocation. The trim filter decodes
// sequentially and keeps exactly [LocalStart, LocalEnd]; setpts subtracts the
// first kept frame's timestamp so output pts start at zero. Audio gets the
// same window converted to seconds through the exact rational rate, assuming
// audio and video start in near-lockstep.
func (t *Trimmer) videoArgs(src *entity.SourceInfo, plan timeline.TrimPlan, outPath string) []string {
	args := []string{
		"-y",
		"-i", src.Path,
		"-vf", fmt.Sprintf("trim=start_frame=%d:end_frame=%d,setpts=PTS-STARTPTS", plan.LocalStart, plan.LocalEnd+1),
		"-c:v", "libx264",
		"-crf", strconv.Itoa(t.cfg.CRF),
		"-preset", t.cfg.Preset,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
	}

	if src.HasAudio {
		audioStart := src.FrameRate.Timestamp(plan.LocalStart)
		audioEnd := src.FrameRate.Timestamp(plan.LocalEnd + 1)
		args = append(args,
			"-af", fmt.Sprintf("atrim=start=%s:end=%s,asetpts=PTS-STARTPTS", audioStart, audioEnd),
			"-c:a", "aac",
			"-b:a", t.cfg.AudioBitrate,
		)
	} else {
		args = append(args, "-an")
	}

	return append(args, progressArgs(outPath)...)
}

// sequenceArgs builds the decode-only still extraction. -vsync 0 stops
// ffmpeg from duplicating or dropping frames to hit a nominal rate, so one
// input frame yields exactly one file, and -start_number anchors the names
// on the reconciled master timeline.
func (t *Trimmer) sequenceArgs(src *entity.SourceInfo, plan timeline.TrimPlan, outDir string, seqStart int64) []string {
	pattern := filepath.Join(outDir, fmt.Sprintf("%%0%dd.jpg", sequenceDigits))
	args := []string{
		"-y",
		"-i", src.Path,
		"-vf", fmt.Sprintf("trim=start_frame=%d:end_frame=%d", plan.LocalStart, plan.LocalEnd+1),
		"-vsync", "0",
		"-q:v", strconv.Itoa(t.cfg.JPEGQuality),
		"-start_number", strconv.FormatInt(seqStart, 10),
		"-an",
	}
	return append(args, progressArgs(pattern)...)
}

func progressArgs(out string) []string {
	return []string{"-progress", "pipe:1", "-nostats", out}
}

// run executes ffmpeg, feeding frame-count progress updates to the callback
// as they appear on the -progress stream.
func (t *Trimmer) run(ctx context.Context, args []string, progress port.ProgressFunc) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach progress pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if frames, ok := parseProgressLine(scanner.Text()); ok && progress != nil {
			progress(frames)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("trim cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, stderrTail(stderr.String()))
	}
	return nil
}

// parseProgressLine extracts the running frame count from one key=value line
// of ffmpeg's -progress output.
func parseProgressLine(line string) (int64, bool) {
	value, found := strings.CutPrefix(strings.TrimSpace(line), "frame=")
	if !found {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func validatePlan(src *entity.SourceInfo, plan timeline.TrimPlan) error {
	if plan.LocalStart < 0 || plan.LocalEnd < plan.LocalStart {
		return fmt.Errorf("invalid frame range [%d, %d]", plan.LocalStart, plan.LocalEnd)
	}
	if src.FrameCount > 0 && plan.LocalEnd > src.FrameCount-1 {
		return fmt.Errorf("frame range [%d, %d] exceeds %s extent of %d frames",
			plan.LocalStart, plan.LocalEnd, src.Path, src.FrameCount)
	}
	return nil
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	const max = 600
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	if s == "" {
		return "no stderr captured"
	}
	return s
}
