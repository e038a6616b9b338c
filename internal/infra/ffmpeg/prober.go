package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/camsync/camsync-export-service/internal/domain/entity"
	"github.com/camsync/camsync-export-service/internal/domain/port"
	"go.uber.org/zap"
)

// Prober inspects containers with ffprobe. Frame counts are resolved with a
// three-tier fallback: the container-declared count, then duration times
// frame rate, then a full decode-and-count as last resort.
type Prober struct {
	logger *zap.Logger
}

func NewProber(logger *zap.Logger) *Prober {
	return &Prober{logger: logger}
}

type probeReport struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	AvgFrameRate string `json:"avg_frame_rate"`
	NbFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

type probeFormat struct {
	Duration string `json:"duration"`
}

func (p *Prober) Probe(ctx context.Context, path string) (*entity.SourceInfo, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %s", path, err, exitDetail(err))
	}

	var report probeReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("parse ffprobe report for %s: %w", path, err)
	}

	info, err := sourceInfoFromReport(path, &report)
	if err != nil {
		return nil, err
	}

	if info.FrameCount == 0 {
		// Last resort: decode the whole stream and count. Expensive, only
		// reached when neither the container nor its duration metadata can
		// answer.
		p.logger.Warn("no declared frame count or duration, decoding to count frames",
			zap.String("path", path))
		n, err := p.countFrames(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("count frames in %s: %w", path, err)
		}
		info.FrameCount = n
	}

	if info.FrameCount <= 0 {
		return nil, fmt.Errorf("probe %s: %w", path, port.ErrIndeterminateFrameCount)
	}

	p.logger.Debug("source probed",
		zap.String("path", path),
		zap.String("frame_rate", info.FrameRate.String()),
		zap.Int64("frame_count", info.FrameCount),
		zap.Bool("has_audio", info.HasAudio),
	)

	return info, nil
}

func sourceInfoFromReport(path string, report *probeReport) (*entity.SourceInfo, error) {
	var video *probeStream
	hasAudio := false
	for i := range report.Streams {
		switch report.Streams[i].CodecType {
		case "video":
			if video == nil {
				video = &report.Streams[i]
			}
		case "audio":
			hasAudio = true
		}
	}
	if video == nil {
		return nil, fmt.Errorf("probe %s: %w", path, port.ErrNoVideoStream)
	}

	rate, err := parseRational(video.AvgFrameRate)
	if err != nil || rate.Num <= 0 || rate.Den <= 0 {
		return nil, fmt.Errorf("probe %s: %w (avg_frame_rate=%q)", path, port.ErrIndeterminateRate, video.AvgFrameRate)
	}

	count := parseDeclaredFrames(video.NbFrames)
	if count == 0 {
		// Second tier: duration-based estimate, stream duration first,
		// container duration as backup. Truncated, matching what a decoder
		// would actually produce for a final partial frame interval.
		dur := parseSeconds(video.Duration)
		if dur == 0 {
			dur = parseSeconds(report.Format.Duration)
		}
		if dur > 0 {
			count = int64(dur * rate.Float())
		}
	}

	return &entity.SourceInfo{
		Path:       path,
		FrameRate:  rate,
		FrameCount: count,
		HasAudio:   hasAudio,
		Width:      video.Width,
		Height:     video.Height,
	}, nil
}

func (p *Prober) countFrames(ctx context.Context, path string) (int64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-count_frames",
		"-select_streams", "v:0",
		"-show_entries", "stream=nb_read_frames",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe -count_frames: %w: %s", err, exitDetail(err))
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counted frames %q: %w", strings.TrimSpace(string(out)), err)
	}
	return n, nil
}

// parseRational parses ffprobe's "num/den" rate notation. A bare integer is
// accepted as num/1.
func parseRational(s string) (entity.Rational, error) {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return entity.Rational{}, fmt.Errorf("parse rational %q: %w", s, err)
	}
	if !found {
		return entity.Rational{Num: n, Den: 1}, nil
	}
	d, err := strconv.ParseInt(strings.TrimSpace(den), 10, 64)
	if err != nil {
		return entity.Rational{}, fmt.Errorf("parse rational %q: %w", s, err)
	}
	return entity.Rational{Num: n, Den: d}, nil
}

func parseDeclaredFrames(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseSeconds(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// exitDetail extracts captured stderr from an exec failure so probe and trim
// errors carry the tool's own diagnostic.
func exitDetail(err error) string {
	if exit, ok := err.(*exec.ExitError); ok && len(exit.Stderr) > 0 {
		return strings.TrimSpace(string(exit.Stderr))
	}
	return "no stderr captured"
}
