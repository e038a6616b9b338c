package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/camsync/camsync-export-service/internal/domain/entity"
	"github.com/camsync/camsync-export-service/internal/domain/port"
	"github.com/camsync/camsync-export-service/internal/infra/metrics"
	"github.com/camsync/camsync-export-service/internal/timeline"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubRepo struct {
	jobs map[uuid.UUID]*entity.ExportJob
}

func newStubRepo() *stubRepo {
	return &stubRepo{jobs: map[uuid.UUID]*entity.ExportJob{}}
}

func (r *stubRepo) Create(_ context.Context, job *entity.ExportJob) error {
	r.jobs[job.ID] = job
	return nil
}

func (r *stubRepo) Update(_ context.Context, job *entity.ExportJob) error {
	r.jobs[job.ID] = job
	return nil
}

func (r *stubRepo) FindByID(_ context.Context, id uuid.UUID) (*entity.ExportJob, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return job, nil
}

type stubStorage struct {
	downloadErr map[string]error
	uploaded    []string
}

func (s *stubStorage) DownloadSource(_ context.Context, key string, dest string) error {
	if err := s.downloadErr[key]; err != nil {
		return err
	}
	return os.WriteFile(dest, []byte("video-bytes"), 0o644)
}

func (s *stubStorage) UploadArtifact(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}
	s.uploaded = append(s.uploaded, key)
	return nil
}

type stubProber struct {
	counts map[string]int64
	errs   map[string]error
}

func (p *stubProber) Probe(_ context.Context, path string) (*entity.SourceInfo, error) {
	base := filepath.Base(path)
	if err := p.errs[base]; err != nil {
		return nil, err
	}
	return &entity.SourceInfo{
		Path:       path,
		FrameRate:  entity.Rational{Num: 25, Den: 1},
		FrameCount: p.counts[base],
		HasAudio:   true,
		Width:      1280,
		Height:     720,
	}, nil
}

type stubTrimmer struct {
	videoPlans    []timeline.TrimPlan
	sequencePlans []timeline.TrimPlan
	seqStarts     []int64
	failFor       string
}

func (t *stubTrimmer) TrimToVideo(_ context.Context, src *entity.SourceInfo, plan timeline.TrimPlan, outPath string, progress port.ProgressFunc) error {
	if filepath.Base(src.Path) == t.failFor {
		return fmt.Errorf("simulated encode failure")
	}
	t.videoPlans = append(t.videoPlans, plan)
	if progress != nil {
		progress(plan.Frames())
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("trimmed"), 0o644)
}

func (t *stubTrimmer) TrimToSequence(_ context.Context, src *entity.SourceInfo, plan timeline.TrimPlan, outDir string, seqStart int64, _ port.ProgressFunc) error {
	if filepath.Base(src.Path) == t.failFor {
		return fmt.Errorf("simulated decode failure")
	}
	t.sequencePlans = append(t.sequencePlans, plan)
	t.seqStarts = append(t.seqStarts, seqStart)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for i := int64(0); i < plan.Frames(); i++ {
		name := fmt.Sprintf("%06d.jpg", seqStart+i)
		if err := os.WriteFile(filepath.Join(outDir, name), []byte("jpg"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type stubZipper struct{ zips []string }

func (z *stubZipper) CreateZip(_ context.Context, _ []string, outputPath string) error {
	z.zips = append(z.zips, outputPath)
	return os.WriteFile(outputPath, []byte("zip"), 0o644)
}

type stubPublisher struct{ statuses []entity.ExportStatusMessage }

func (p *stubPublisher) PublishStatus(_ context.Context, msg []byte) error {
	var status entity.ExportStatusMessage
	if err := json.Unmarshal(msg, &status); err != nil {
		return err
	}
	p.statuses = append(p.statuses, status)
	return nil
}

func (p *stubPublisher) last() entity.ExportStatusMessage {
	return p.statuses[len(p.statuses)-1]
}

type stubDLQ struct{ reasons []string }

func (d *stubDLQ) PublishToDLQ(_ context.Context, _ []byte, reason string) error {
	d.reasons = append(d.reasons, reason)
	return nil
}

type stubNotifier struct{ notified []string }

func (n *stubNotifier) NotifyFailure(_ context.Context, userEmail, _ string, _ []string, _ string) error {
	n.notified = append(n.notified, userEmail)
	return nil
}

type fixture struct {
	uc        *ExportSyncUseCase
	repo      *stubRepo
	storage   *stubStorage
	prober    *stubProber
	trimmer   *stubTrimmer
	zipper    *stubZipper
	publisher *stubPublisher
	dlq       *stubDLQ
	notifier  *stubNotifier
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		repo:      newStubRepo(),
		storage:   &stubStorage{downloadErr: map[string]error{}},
		prober:    &stubProber{counts: map[string]int64{}, errs: map[string]error{}},
		trimmer:   &stubTrimmer{},
		zipper:    &stubZipper{},
		publisher: &stubPublisher{},
		dlq:       &stubDLQ{},
		notifier:  &stubNotifier{},
	}
	f.uc = NewExportSyncUseCase(
		f.repo, f.storage, f.prober, f.trimmer, f.zipper,
		f.publisher, f.dlq, f.notifier,
		zap.NewNop(),
		ExportSyncConfig{TempDir: t.TempDir(), MaxRetries: 3},
	)
	return f
}

func requestBody(t *testing.T, msg entity.ExportRequestMessage) []byte {
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func threeSourceRequest(kind entity.ExportKind) entity.ExportRequestMessage {
	return entity.ExportRequestMessage{
		JobID:     uuid.New(),
		UserID:    "operator-1",
		UserEmail: "op@example.com",
		Kind:      kind,
		Sources: []entity.ExportSource{
			{VideoKey: "event/cam_a.mp4", FrameOffset: 0},
			{VideoKey: "event/cam_b.mp4", FrameOffset: -5},
			{VideoKey: "event/cam_c.mp4", FrameOffset: 10},
		},
	}
}

func TestExecuteVideoKindHappyPath(t *testing.T) {
	f := newFixture(t)
	f.prober.counts = map[string]int64{"cam_a.mp4": 100, "cam_b.mp4": 90, "cam_c.mp4": 120}

	msg := threeSourceRequest(entity.ExportKindVideo)
	err := f.uc.Execute(context.Background(), requestBody(t, msg))
	require.NoError(t, err)

	job, err := f.repo.FindByID(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCompleted, job.Status)
	assert.Equal(t, int64(5), job.WindowStart)
	assert.Equal(t, int64(99), job.WindowEnd)
	assert.Equal(t, int64(95), job.FrameCount)

	// Every source's plan covers the same number of frames, shifted by its
	// offset.
	require.Len(t, f.trimmer.videoPlans, 3)
	for _, plan := range f.trimmer.videoPlans {
		assert.Equal(t, int64(95), plan.Frames())
	}
	assert.Equal(t, timeline.TrimPlan{LocalStart: 5, LocalEnd: 99}, f.trimmer.videoPlans[0])
	assert.Equal(t, timeline.TrimPlan{LocalStart: 0, LocalEnd: 94}, f.trimmer.videoPlans[1])
	assert.Equal(t, timeline.TrimPlan{LocalStart: 15, LocalEnd: 109}, f.trimmer.videoPlans[2])

	require.Len(t, f.storage.uploaded, 3)
	assert.Equal(t, fmt.Sprintf("operator-1/%s/synced/cam_a.mp4", msg.JobID), f.storage.uploaded[0])

	status := f.publisher.last()
	assert.Equal(t, entity.JobStatusCompleted, status.Status)
	assert.Len(t, status.ArtifactKeys, 3)
	assert.Equal(t, []string{"1280x720", "1280x720", "1280x720"}, status.SourceResolutions)
	assert.Empty(t, f.dlq.reasons)
}

func TestExecuteTerminalStatusCounters(t *testing.T) {
	completed := func() float64 {
		return testutil.ToFloat64(metrics.ExportsTotal.WithLabelValues("completed"))
	}
	dlq := func() float64 {
		return testutil.ToFloat64(metrics.ExportsTotal.WithLabelValues("dlq"))
	}

	// A dead-lettered export is acked like a completed one but must only
	// move the dlq counter.
	f := newFixture(t)
	f.prober.errs["cam_a.mp4"] = fmt.Errorf("probe cam_a.mp4: %w", port.ErrNoVideoStream)
	completedBefore, dlqBefore := completed(), dlq()
	require.NoError(t, f.uc.Execute(context.Background(), requestBody(t, threeSourceRequest(entity.ExportKindVideo))))
	assert.Equal(t, completedBefore, completed())
	assert.Equal(t, dlqBefore+1, dlq())

	f = newFixture(t)
	f.prober.counts = map[string]int64{"cam_a.mp4": 100, "cam_b.mp4": 90, "cam_c.mp4": 120}
	completedBefore, dlqBefore = completed(), dlq()
	require.NoError(t, f.uc.Execute(context.Background(), requestBody(t, threeSourceRequest(entity.ExportKindVideo))))
	assert.Equal(t, completedBefore+1, completed())
	assert.Equal(t, dlqBefore, dlq())
}

func TestExecuteSequenceKindUsesGlobalNumbering(t *testing.T) {
	f := newFixture(t)
	f.prober.counts = map[string]int64{"cam_a.mp4": 100, "cam_b.mp4": 90, "cam_c.mp4": 120}

	msg := threeSourceRequest(entity.ExportKindSequence)
	err := f.uc.Execute(context.Background(), requestBody(t, msg))
	require.NoError(t, err)

	// Every sequence starts numbering at the reconciled window start so the
	// same filename across output directories is the same moment in time.
	require.Len(t, f.trimmer.seqStarts, 3)
	for _, s := range f.trimmer.seqStarts {
		assert.Equal(t, int64(5), s)
	}

	require.Len(t, f.zipper.zips, 3)
	require.Len(t, f.storage.uploaded, 3)
	assert.Equal(t, fmt.Sprintf("operator-1/%s/cam_b_frames.zip", msg.JobID), f.storage.uploaded[1])
}

func TestExecuteUserTrimNarrowsWindow(t *testing.T) {
	f := newFixture(t)
	f.prober.counts = map[string]int64{"cam_a.mp4": 100, "cam_b.mp4": 90, "cam_c.mp4": 120}

	start, end := int64(10), int64(30)
	msg := threeSourceRequest(entity.ExportKindVideo)
	msg.TrimStart = &start
	msg.TrimEnd = &end

	require.NoError(t, f.uc.Execute(context.Background(), requestBody(t, msg)))

	job, _ := f.repo.FindByID(context.Background(), msg.JobID)
	assert.Equal(t, int64(10), job.WindowStart)
	assert.Equal(t, int64(30), job.WindowEnd)
	assert.Equal(t, timeline.TrimPlan{LocalStart: 5, LocalEnd: 25}, f.trimmer.videoPlans[1])
}

func TestExecuteProbeFailureAbortsBeforeAnyTrim(t *testing.T) {
	f := newFixture(t)
	f.prober.counts = map[string]int64{"cam_a.mp4": 100, "cam_c.mp4": 120}
	f.prober.errs["cam_b.mp4"] = fmt.Errorf("probe cam_b.mp4: %w", port.ErrNoVideoStream)

	msg := threeSourceRequest(entity.ExportKindVideo)
	err := f.uc.Execute(context.Background(), requestBody(t, msg))
	require.NoError(t, err) // permanent failure acks the message

	job, _ := f.repo.FindByID(context.Background(), msg.JobID)
	assert.Equal(t, entity.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "cam_b.mp4")
	assert.Contains(t, job.ErrorMessage, "no video stream")

	assert.Empty(t, f.trimmer.videoPlans, "no trim may start after a failed inspection")
	assert.Empty(t, f.storage.uploaded)
	assert.Empty(t, f.publisher.last().SourceResolutions)
	assert.Len(t, f.dlq.reasons, 1)
	assert.Equal(t, []string{"op@example.com"}, f.notifier.notified)
}

func TestExecuteEmptyOverlapIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.prober.counts = map[string]int64{"cam_a.mp4": 50, "cam_b.mp4": 50, "cam_c.mp4": 50}

	msg := threeSourceRequest(entity.ExportKindVideo)
	msg.Sources[1].FrameOffset = -200 // pushes cam_b past any overlap

	err := f.uc.Execute(context.Background(), requestBody(t, msg))
	require.NoError(t, err)

	job, _ := f.repo.FindByID(context.Background(), msg.JobID)
	assert.Equal(t, entity.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "no overlapping frames")
	assert.Empty(t, f.storage.uploaded)
	assert.Len(t, f.dlq.reasons, 1)
}

func TestExecuteTrimFailureContinuesSiblingsButFailsBatch(t *testing.T) {
	f := newFixture(t)
	f.prober.counts = map[string]int64{"cam_a.mp4": 100, "cam_b.mp4": 90, "cam_c.mp4": 120}
	f.trimmer.failFor = "cam_b.mp4"

	msg := threeSourceRequest(entity.ExportKindVideo)
	err := f.uc.Execute(context.Background(), requestBody(t, msg))
	require.Error(t, err) // retryable: the message is nacked for redelivery
	assert.Contains(t, err.Error(), "1 of 3 sources failed")

	// The siblings were still attempted and uploaded.
	assert.Len(t, f.trimmer.videoPlans, 2)
	assert.Len(t, f.storage.uploaded, 2)

	job, _ := f.repo.FindByID(context.Background(), msg.JobID)
	assert.Equal(t, entity.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "cam_b.mp4")
}

func TestExecuteNoSourcesIsPermanent(t *testing.T) {
	f := newFixture(t)

	msg := entity.ExportRequestMessage{
		JobID:  uuid.New(),
		UserID: "operator-1",
		Kind:   entity.ExportKindVideo,
	}
	err := f.uc.Execute(context.Background(), requestBody(t, msg))
	require.NoError(t, err)

	job, _ := f.repo.FindByID(context.Background(), msg.JobID)
	assert.Equal(t, entity.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "no sources")
	assert.Len(t, f.dlq.reasons, 1)
}

func TestExecuteMalformedMessageGoesToDLQ(t *testing.T) {
	f := newFixture(t)

	err := f.uc.Execute(context.Background(), []byte("{not json"))
	require.NoError(t, err)
	require.Len(t, f.dlq.reasons, 1)
	assert.Contains(t, f.dlq.reasons[0], "unmarshal_error")
}

func TestExecuteExhaustedRetriesGoToDLQ(t *testing.T) {
	f := newFixture(t)
	f.prober.counts = map[string]int64{"cam_a.mp4": 100, "cam_b.mp4": 90, "cam_c.mp4": 120}

	msg := threeSourceRequest(entity.ExportKindVideo)
	job := entity.NewExportJob(msg.UserID, msg.Kind, sourceKeys(msg.Sources), sourceOffsets(msg.Sources), 3)
	job.ID = msg.JobID
	job.Attempt = 3
	require.NoError(t, f.repo.Create(context.Background(), job))

	err := f.uc.Execute(context.Background(), requestBody(t, msg))
	require.NoError(t, err)
	require.Len(t, f.dlq.reasons, 1)
	assert.Contains(t, f.dlq.reasons[0], "max retries")
}

func TestOutputPathHelpers(t *testing.T) {
	assert.Equal(t,
		filepath.Join("/work/src_0", "synced", "cam_a.mp4"),
		SyncedVideoPath("/work/src_0/cam_a.mp4"))
	assert.Equal(t,
		filepath.Join("/work/src_1", "cam_b"),
		SequenceDir("/work/src_1/cam_b.mp4"))
}
