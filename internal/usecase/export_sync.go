package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/camsync/camsync-export-service/internal/domain/entity"
	"github.com/camsync/camsync-export-service/internal/domain/port"
	"github.com/camsync/camsync-export-service/internal/infra/metrics"
	"github.com/camsync/camsync-export-service/internal/timeline"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// progressLogEvery throttles per-frame progress reporting.
const progressLogEvery = 300

// ExportSyncUseCase runs one synchronized multi-source export end to end:
// stage sources, probe them, reconcile the shared timeline window, trim each
// source to its local slice of that window, and publish the artifacts.
type ExportSyncUseCase struct {
	repo      port.ExportJobRepository
	storage   port.SourceStorage
	prober    port.Prober
	trimmer   port.Trimmer
	zipper    port.Zipper
	publisher port.StatusPublisher
	dlq       port.DLQPublisher
	notifier  port.FailureNotifier
	logger    *zap.Logger
	tempDir   string
	maxRetry  int
}

type ExportSyncConfig struct {
	TempDir    string
	MaxRetries int
}

func NewExportSyncUseCase(
	repo port.ExportJobRepository,
	storage port.SourceStorage,
	prober port.Prober,
	trimmer port.Trimmer,
	zipper port.Zipper,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	logger *zap.Logger,
	cfg ExportSyncConfig,
) *ExportSyncUseCase {
	return &ExportSyncUseCase{
		repo:      repo,
		storage:   storage,
		prober:    prober,
		trimmer:   trimmer,
		zipper:    zipper,
		publisher: publisher,
		dlq:       dlq,
		notifier:  notifier,
		logger:    logger,
		tempDir:   cfg.TempDir,
		maxRetry:  cfg.MaxRetries,
	}
}

func (uc *ExportSyncUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "ExportSyncUseCase.Execute")
	defer span.End()

	totalTimer := time.Now()

	var msg entity.ExportRequestMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		uc.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		return nil
	}

	span.SetAttributes(
		attribute.String("job.id", msg.JobID.String()),
		attribute.String("job.kind", string(msg.Kind)),
		attribute.Int("job.sources", len(msg.Sources)),
	)

	log := uc.logger.With(
		zap.String("job_id", msg.JobID.String()),
		zap.String("kind", string(msg.Kind)),
		zap.Int("sources", len(msg.Sources)),
	)

	job, err := uc.repo.FindByID(ctx, msg.JobID)
	if err != nil {
		job = entity.NewExportJob(msg.UserID, msg.Kind, sourceKeys(msg.Sources), sourceOffsets(msg.Sources), uc.maxRetry)
		if msg.JobID != uuid.Nil {
			job.ID = msg.JobID
		}
		if err := uc.repo.Create(ctx, job); err != nil {
			log.Error("failed to create job record", zap.Error(err))
			return fmt.Errorf("create job: %w", err)
		}
	}

	if len(msg.Sources) == 0 {
		log.Warn("export request has no sources")
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, "no sources to export")
	}
	if !msg.Kind.Valid() {
		log.Warn("export request has unknown kind")
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, fmt.Sprintf("unknown export kind %q", msg.Kind))
	}

	if !job.CanRetry() {
		log.Warn("job exhausted retries, sending to DLQ")
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, "max retries exceeded")
	}

	job.MarkProcessing()
	if err := uc.repo.Update(ctx, job); err != nil {
		log.Error("failed to update job to PROCESSING", zap.Error(err))
		return fmt.Errorf("update job: %w", err)
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()
	metrics.SourcesPerExport.Observe(float64(len(msg.Sources)))

	completed, err := uc.exportPipeline(ctx, job, msg, rawMsg, log)
	if err != nil {
		return err
	}

	// Permanent failures also return a nil error (the message is acked after
	// dead-lettering), so only a confirmed completion counts as one.
	if completed {
		metrics.ExportsTotal.WithLabelValues("completed").Inc()
		metrics.ExportStageDuration.WithLabelValues("total").Observe(time.Since(totalTimer).Seconds())
	}

	return nil
}

// exportPipeline runs the staged export. The bool reports whether the job
// reached COMPLETED; a false with a nil error means the failure was terminal
// and already dead-lettered.
func (uc *ExportSyncUseCase) exportPipeline(
	ctx context.Context,
	job *entity.ExportJob,
	msg entity.ExportRequestMessage,
	rawMsg []byte,
	log *zap.Logger,
) (bool, error) {
	tracer := otel.Tracer("usecase")

	workDir := filepath.Join(uc.tempDir, job.ID.String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return false, fmt.Errorf("create workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	// Stage every source into its own directory so duplicate basenames from
	// different cameras cannot collide.
	stageStart := time.Now()
	ctx2, spanStage := tracer.Start(ctx, "stage_sources")
	localPaths := make([]string, len(msg.Sources))
	for i, src := range msg.Sources {
		dest := filepath.Join(workDir, fmt.Sprintf("src_%d", i), filepath.Base(src.VideoKey))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			spanStage.End()
			return false, fmt.Errorf("create source dir: %w", err)
		}
		if err := uc.storage.DownloadSource(ctx2, src.VideoKey, dest); err != nil {
			spanStage.End()
			log.Error("failed to download source", zap.String("video_key", src.VideoKey), zap.Error(err))
			return false, uc.handleRetryableFailure(ctx, job, msg, rawMsg, fmt.Sprintf("download %s: %v", src.VideoKey, err), log)
		}
		localPaths[i] = dest
	}
	spanStage.End()
	metrics.ExportStageDuration.WithLabelValues("stage").Observe(time.Since(stageStart).Seconds())

	// Inspect every source before any output is written; one bad source
	// aborts the whole batch.
	probeStart := time.Now()
	ctx3, spanProbe := tracer.Start(ctx, "probe_sources")
	infos := make([]*entity.SourceInfo, len(localPaths))
	for i, path := range localPaths {
		info, err := uc.prober.Probe(ctx3, path)
		if err != nil {
			spanProbe.End()
			log.Error("source inspection failed", zap.String("video_key", msg.Sources[i].VideoKey), zap.Error(err))
			return false, uc.handlePermanentFailure(ctx, job, msg, rawMsg,
				fmt.Sprintf("inspect %s: %v", msg.Sources[i].VideoKey, err))
		}
		infos[i] = info
	}
	spanProbe.End()
	metrics.ExportStageDuration.WithLabelValues("probe").Observe(time.Since(probeStart).Seconds())

	window, err := timeline.Reconcile(frameCounts(infos), sourceOffsets(msg.Sources), trimBounds(msg))
	if err != nil {
		var empty *timeline.EmptyOverlapError
		if errors.As(err, &empty) {
			log.Warn("no overlapping frames across sources",
				zap.Int64("start", empty.Start), zap.Int64("end", empty.End))
			return false, uc.handlePermanentFailure(ctx, job, msg, rawMsg,
				"no overlapping frames to export, check frame offsets and trim range")
		}
		return false, uc.handlePermanentFailure(ctx, job, msg, rawMsg, "reconcile timeline: "+err.Error())
	}

	log.Info("timeline reconciled",
		zap.Int64("window_start", window.Start),
		zap.Int64("window_end", window.End),
		zap.Int64("frames", window.Frames()),
		zap.Strings("source_resolutions", sourceResolutions(infos)),
	)

	// Trim every source to its slice of the window. A failed source does not
	// stop its siblings, but any failure marks the whole batch failed.
	trimStart := time.Now()
	artifactKeys := make([]string, 0, len(localPaths))
	var srcErrors []string
	for i, path := range localPaths {
		if ctx.Err() != nil {
			return false, uc.handleRetryableFailure(ctx, job, msg, rawMsg, "export cancelled: "+ctx.Err().Error(), log)
		}

		key, err := uc.exportSource(ctx, msg, infos[i], window, i, path)
		if err != nil {
			log.Error("source export failed",
				zap.String("video_key", msg.Sources[i].VideoKey),
				zap.Error(err),
			)
			srcErrors = append(srcErrors, fmt.Sprintf("%s: %v", msg.Sources[i].VideoKey, err))
			continue
		}
		artifactKeys = append(artifactKeys, key)
		metrics.FramesExportedTotal.Add(float64(window.Frames()))
	}
	metrics.ExportStageDuration.WithLabelValues("trim").Observe(time.Since(trimStart).Seconds())

	if len(srcErrors) > 0 {
		return false, uc.handleRetryableFailure(ctx, job, msg, rawMsg,
			fmt.Sprintf("%d of %d sources failed: %s", len(srcErrors), len(localPaths), strings.Join(srcErrors, "; ")),
			log)
	}

	job.MarkCompleted(window.Start, window.End, artifactKeys)
	if err := uc.repo.Update(ctx, job); err != nil {
		log.Error("failed to update job to COMPLETED", zap.Error(err))
		return false, fmt.Errorf("update job completed: %w", err)
	}

	uc.publishStatus(ctx, job, sourceResolutions(infos), log)

	log.Info("export completed",
		zap.Int64("window_start", window.Start),
		zap.Int64("window_end", window.End),
		zap.Int64("frames_per_source", window.Frames()),
		zap.Strings("artifact_keys", artifactKeys),
	)

	return true, nil
}

// exportSource trims one source and uploads the resulting artifact,
// returning its object key.
func (uc *ExportSyncUseCase) exportSource(
	ctx context.Context,
	msg entity.ExportRequestMessage,
	info *entity.SourceInfo,
	window timeline.Window,
	index int,
	localPath string,
) (string, error) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "export_source")
	span.SetAttributes(
		attribute.Int("source.index", index),
		attribute.String("source.video_key", msg.Sources[index].VideoKey),
	)
	defer span.End()

	log := uc.logger.With(zap.String("job_id", msg.JobID.String()))
	plan := timeline.PlanFor(window, msg.Sources[index].FrameOffset)
	progress := uc.progressReporter(log, index, window.Frames())

	switch msg.Kind {
	case entity.ExportKindVideo:
		outPath := SyncedVideoPath(localPath)
		if err := uc.trimmer.TrimToVideo(ctx, info, plan, outPath, progress); err != nil {
			return "", err
		}
		key := fmt.Sprintf("%s/%s/synced/%s", msg.UserID, msg.JobID, filepath.Base(localPath))
		if err := uc.uploadFile(ctx, key, outPath, "video/mp4"); err != nil {
			return "", err
		}
		return key, nil

	case entity.ExportKindSequence:
		outDir := SequenceDir(localPath)
		if err := uc.trimmer.TrimToSequence(ctx, info, plan, outDir, window.Start, progress); err != nil {
			return "", err
		}
		frames, err := filepath.Glob(filepath.Join(outDir, "*.jpg"))
		if err != nil {
			return "", fmt.Errorf("glob sequence frames: %w", err)
		}
		if len(frames) == 0 {
			return "", fmt.Errorf("no frames written to %s", outDir)
		}
		zipPath := outDir + "_frames.zip"
		if err := uc.zipper.CreateZip(ctx, frames, zipPath); err != nil {
			return "", fmt.Errorf("zip sequence: %w", err)
		}
		key := fmt.Sprintf("%s/%s/%s", msg.UserID, msg.JobID, filepath.Base(zipPath))
		if err := uc.uploadFile(ctx, key, zipPath, "application/zip"); err != nil {
			return "", err
		}
		return key, nil

	default:
		return "", fmt.Errorf("unknown export kind %q", msg.Kind)
	}
}

func (uc *ExportSyncUseCase) uploadFile(ctx context.Context, key, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}

	if err := uc.storage.UploadArtifact(ctx, key, f, stat.Size(), contentType); err != nil {
		return fmt.Errorf("upload artifact: %w", err)
	}
	return nil
}

func (uc *ExportSyncUseCase) progressReporter(log *zap.Logger, index int, total int64) port.ProgressFunc {
	var last int64
	return func(framesDone int64) {
		if framesDone-last < progressLogEvery && framesDone < total {
			return
		}
		last = framesDone
		log.Debug("trim progress",
			zap.Int("source_index", index),
			zap.Int64("frames_done", framesDone),
			zap.Int64("frames_total", total),
		)
	}
}

func (uc *ExportSyncUseCase) handleRetryableFailure(
	ctx context.Context,
	job *entity.ExportJob,
	msg entity.ExportRequestMessage,
	rawMsg []byte,
	errMsg string,
	log *zap.Logger,
) error {
	job.MarkFailed(errMsg)
	_ = uc.repo.Update(ctx, job)

	if !job.CanRetry() {
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, errMsg)
	}

	metrics.RetryTotal.WithLabelValues(strconv.Itoa(job.Attempt)).Inc()
	uc.publishStatus(ctx, job, nil, log)

	return fmt.Errorf("retryable failure (attempt %d/%d): %s", job.Attempt, job.MaxAttempts, errMsg)
}

func (uc *ExportSyncUseCase) handlePermanentFailure(
	ctx context.Context,
	job *entity.ExportJob,
	msg entity.ExportRequestMessage,
	rawMsg []byte,
	errMsg string,
) error {
	job.MarkFailed(errMsg)
	_ = uc.repo.Update(ctx, job)

	_ = uc.dlq.PublishToDLQ(ctx, rawMsg, errMsg)

	uc.publishStatus(ctx, job, nil, uc.logger)

	metrics.ExportsTotal.WithLabelValues("dlq").Inc()

	if msg.UserEmail != "" {
		_ = uc.notifier.NotifyFailure(ctx, msg.UserEmail, job.ID.String(), job.SourceKeys, errMsg)
	}

	return nil
}

func (uc *ExportSyncUseCase) publishStatus(ctx context.Context, job *entity.ExportJob, resolutions []string, log *zap.Logger) {
	statusMsg := entity.ExportStatusMessage{
		JobID:             job.ID,
		UserID:            job.UserID,
		Status:            job.Status,
		Kind:              job.Kind,
		SourceCount:       len(job.SourceKeys),
		WindowStart:       job.WindowStart,
		WindowEnd:         job.WindowEnd,
		FrameCount:        job.FrameCount,
		ArtifactKeys:      job.ArtifactKeys,
		SourceResolutions: resolutions,
		ErrorMessage:      job.ErrorMessage,
		Attempt:           job.Attempt,
		MaxAttempts:       job.MaxAttempts,
	}
	data, _ := json.Marshal(statusMsg)
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
}

// SyncedVideoPath is the deterministic video-kind output location: a
// "synced" sibling directory keeping the source's own filename.
func SyncedVideoPath(sourcePath string) string {
	return filepath.Join(filepath.Dir(sourcePath), "synced", filepath.Base(sourcePath))
}

// SequenceDir is the deterministic sequence-kind output location: a sibling
// directory named after the source without its extension.
func SequenceDir(sourcePath string) string {
	base := filepath.Base(sourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(sourcePath), stem)
}

func sourceKeys(sources []entity.ExportSource) []string {
	keys := make([]string, len(sources))
	for i, s := range sources {
		keys[i] = s.VideoKey
	}
	return keys
}

func sourceOffsets(sources []entity.ExportSource) []int64 {
	offsets := make([]int64, len(sources))
	for i, s := range sources {
		offsets[i] = s.FrameOffset
	}
	return offsets
}

// sourceResolutions renders each probed source's pixel dimensions for the
// status message and logs.
func sourceResolutions(infos []*entity.SourceInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = fmt.Sprintf("%dx%d", info.Width, info.Height)
	}
	return out
}

func frameCounts(infos []*entity.SourceInfo) []int64 {
	counts := make([]int64, len(infos))
	for i, info := range infos {
		counts[i] = info.FrameCount
	}
	return counts
}

// trimBounds maps the request's optional trim fields onto reconciliation
// bounds; an absent side leaves that side unconstrained.
func trimBounds(msg entity.ExportRequestMessage) *timeline.Bounds {
	if msg.TrimStart == nil && msg.TrimEnd == nil {
		return nil
	}
	b := &timeline.Bounds{Start: 0, End: int64(1)<<62 - 1}
	if msg.TrimStart != nil {
		b.Start = *msg.TrimStart
	}
	if msg.TrimEnd != nil {
		b.End = *msg.TrimEnd
	}
	return b
}
