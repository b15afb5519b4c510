package watermark

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/gifmark/internal/model"
	"github.com/aliskhannn/gifmark/internal/preview"
	taskrepo "github.com/aliskhannn/gifmark/internal/repository/task"
	"github.com/aliskhannn/gifmark/internal/task"
)

var (
	ErrNotReady     = errors.New("task result not ready")
	ErrTaskFinished = errors.New("task already finished")
	ErrInvalidMark  = errors.New("invalid watermark image")
)

// fileStorage defines the interface for storing originals, marks and results.
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// producer defines the interface for enqueueing tasks into a message broker.
type producer interface {
	Produce(ctx context.Context, t model.Task) error
}

// repository defines the persistence operations on task records.
type repository interface {
	CreateTask(ctx context.Context, t model.Task) (uuid.UUID, error)
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.TaskStatus, progress float64, errMsg string) error
	CompleteTask(ctx context.Context, id uuid.UUID, resultPath string) error
	DeleteTask(ctx context.Context, id uuid.UUID) error
}

// manager runs watermarking jobs.
type manager interface {
	Submit(ctx context.Context, id uuid.UUID, data []byte, spec model.WatermarkSpec) error
	Get(id uuid.UUID) (task.Info, error)
	Wait(ctx context.Context, id uuid.UUID) (task.Info, error)
	Cancel(id uuid.UUID) error
	Forget(id uuid.UUID) error
}

// Upload is a file received from a client.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Service accepts watermarking requests, queues them, and runs them when
// their message comes back from the queue.
type Service struct {
	fileStorage fileStorage
	producer    producer
	repo        repository
	manager     manager
}

// NewService creates a new Service.
func NewService(fs fileStorage, p producer, r repository, m manager) *Service {
	return &Service{fileStorage: fs, producer: p, repo: r, manager: m}
}

// Submit stores the source GIF and optional watermark bitmap, records a
// pending task and publishes it for processing.
func (s *Service) Submit(ctx context.Context, src Upload, spec model.WatermarkSpec, mark *Upload) (model.Task, error) {
	var markData []byte
	if mark != nil {
		data, err := io.ReadAll(mark.Body)
		if err != nil {
			return model.Task{}, fmt.Errorf("submit: failed to read mark: %w", err)
		}
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return model.Task{}, fmt.Errorf("%w: %v", ErrInvalidMark, err)
		}
		markData = data
		spec.Image = img
	}

	if err := spec.Validate(); err != nil {
		return model.Task{}, err
	}

	id := uuid.New()
	t := model.Task{
		ID:       id,
		Filename: src.Filename,
		Spec:     spec,
		Status:   model.StatusPending,
	}

	sourcePath, err := s.fileStorage.Save(ctx, "original", id.String()+".gif", src.Body)
	if err != nil {
		return model.Task{}, fmt.Errorf("submit: failed to save file: %w", err)
	}
	t.SourcePath = sourcePath

	if markData != nil {
		markPath, err := s.fileStorage.Save(ctx, "marks", id.String()+path.Ext(mark.Filename), bytes.NewReader(markData))
		if err != nil {
			return model.Task{}, fmt.Errorf("submit: failed to save mark: %w", err)
		}
		t.MarkPath = markPath
	}

	if _, err := s.repo.CreateTask(ctx, t); err != nil {
		return model.Task{}, fmt.Errorf("submit: failed to create task: %w", err)
	}

	if err := s.producer.Produce(ctx, t); err != nil {
		return model.Task{}, fmt.Errorf("submit: failed to enqueue task: %w", err)
	}

	zlog.Logger.Info().
		Str("task", id.String()).
		Str("kind", string(spec.Kind)).
		Str("filename", src.Filename).
		Msg("task submitted")

	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	return t, nil
}

// Process runs a stored task to a terminal status and records the outcome.
// Stage errors are recorded on the task and not returned, since running the
// task again would fail the same way.
func (s *Service) Process(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("process: %w", err)
	}
	if t.Status.Terminal() {
		return t, nil
	}

	data, err := s.load(ctx, t.SourcePath)
	if err != nil {
		return model.Task{}, fmt.Errorf("process: failed to load original: %w", err)
	}

	if t.MarkPath != "" {
		markData, err := s.load(ctx, t.MarkPath)
		if err != nil {
			return model.Task{}, fmt.Errorf("process: failed to load mark: %w", err)
		}
		img, err := imaging.Decode(bytes.NewReader(markData))
		if err != nil {
			return s.fail(ctx, t, fmt.Errorf("%w: %v", ErrInvalidMark, err))
		}
		t.Spec.Image = img
	}

	if err := s.manager.Submit(ctx, id, data, t.Spec); err != nil {
		return s.fail(ctx, t, err)
	}
	defer func() {
		if err := s.manager.Forget(id); err != nil {
			zlog.Logger.Warn().Err(err).Str("task", id.String()).Msg("failed to forget task")
		}
	}()

	info, err := s.manager.Wait(ctx, id)
	if err != nil {
		return model.Task{}, fmt.Errorf("process: %w", err)
	}

	switch info.Status {
	case model.StatusDone:
		resultPath, err := s.fileStorage.Save(ctx, "watermarked", id.String()+".gif", bytes.NewReader(info.Result))
		if err != nil {
			return s.fail(ctx, t, fmt.Errorf("failed to save result: %w", err))
		}
		if err := s.repo.CompleteTask(ctx, id, resultPath); err != nil {
			if !errors.Is(err, taskrepo.ErrTaskNotActive) {
				return model.Task{}, fmt.Errorf("process: %w", err)
			}
			// cancelled or deleted after the run finished
			return s.discard(ctx, id, resultPath)
		}
		t.Status, t.Progress, t.ResultPath = model.StatusDone, 1, resultPath
	case model.StatusCancelled:
		if ctx.Err() != nil {
			// shutting down; the task stays active and runs again on redelivery
			return model.Task{}, fmt.Errorf("process: interrupted: %w", ctx.Err())
		}
		if err := s.repo.UpdateStatus(ctx, id, model.StatusCancelled, info.Progress, ""); err != nil && !errors.Is(err, taskrepo.ErrTaskNotActive) {
			return model.Task{}, fmt.Errorf("process: %w", err)
		}
		t.Status, t.Progress = model.StatusCancelled, info.Progress
	default:
		return s.fail(ctx, t, info.Err)
	}

	return t, nil
}

// discard removes a result nobody will read and returns the task as stored.
func (s *Service) discard(ctx context.Context, id uuid.UUID, resultPath string) (model.Task, error) {
	if err := s.fileStorage.Delete(ctx, resultPath); err != nil {
		zlog.Logger.Warn().Err(err).Str("task", id.String()).Str("path", resultPath).Msg("failed to delete orphaned result")
	}

	t, err := s.repo.GetTask(ctx, id)
	if errors.Is(err, taskrepo.ErrTaskNotFound) {
		return model.Task{ID: id, Status: model.StatusCancelled}, nil
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("process: %w", err)
	}
	return t, nil
}

func (s *Service) fail(ctx context.Context, t model.Task, cause error) (model.Task, error) {
	zlog.Logger.Err(cause).Str("task", t.ID.String()).Msg("task failed")

	if err := s.repo.UpdateStatus(ctx, t.ID, model.StatusFailed, t.Progress, cause.Error()); err != nil && !errors.Is(err, taskrepo.ErrTaskNotActive) {
		return model.Task{}, fmt.Errorf("process: failed to record failure: %w", err)
	}

	t.Status = model.StatusFailed
	t.Error = cause.Error()
	return t, nil
}

func (s *Service) load(ctx context.Context, p string) ([]byte, error) {
	r, err := s.fileStorage.Load(ctx, p)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// PersistUpdate writes a running task's status change to the database.
// Terminal statuses are written by Process once the outcome is stored.
func (s *Service) PersistUpdate(info task.Info) {
	if info.Status.Terminal() || info.Status == model.StatusPending {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.UpdateStatus(ctx, info.ID, info.Status, info.Progress, ""); err != nil {
		zlog.Logger.Warn().Err(err).Str("task", info.ID.String()).Msg("failed to persist task status")
	}
}

// Status returns the task record, with live progress when the task is
// running in this process.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (model.Task, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}

	if info, err := s.manager.Get(id); err == nil && !t.Status.Terminal() && !info.Status.Terminal() {
		t.Status = info.Status
		t.Progress = info.Progress
	}

	return t, nil
}

// Result opens the watermarked GIF of a finished task.
func (s *Service) Result(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusDone {
		return nil, fmt.Errorf("%w: task is %s", ErrNotReady, t.Status)
	}

	return s.fileStorage.Load(ctx, t.ResultPath)
}

// Preview renders a width x height PNG thumbnail of the first frame of a
// finished task's result.
func (s *Service) Preview(ctx context.Context, id uuid.UUID, width, height int) ([]byte, error) {
	r, err := s.Result(ctx, id)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}

	return preview.Thumbnail(data, width, height)
}

// Cancel stops a pending or running task.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task is %s", ErrTaskFinished, t.Status)
	}

	if err := s.manager.Cancel(id); err != nil && !errors.Is(err, task.ErrTaskNotFound) {
		if errors.Is(err, task.ErrTaskFinished) {
			return fmt.Errorf("%w: %v", ErrTaskFinished, err)
		}
		return err
	}

	// Not picked up yet, or picked up by this process: either way the
	// record is cancelled now and Process skips or finishes it.
	if err := s.repo.UpdateStatus(ctx, id, model.StatusCancelled, t.Progress, ""); err != nil {
		if errors.Is(err, taskrepo.ErrTaskNotActive) {
			return ErrTaskFinished
		}
		return err
	}

	zlog.Logger.Info().Str("task", id.String()).Msg("task cancelled")

	return nil
}

// Delete removes a finished task together with its stored files.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("%w: task is %s", task.ErrTaskActive, t.Status)
	}

	for _, p := range []string{t.SourcePath, t.MarkPath, t.ResultPath} {
		if p == "" {
			continue
		}
		if err := s.fileStorage.Delete(ctx, p); err != nil {
			zlog.Logger.Warn().Err(err).Str("path", p).Msg("failed to delete file")
		}
	}

	return s.repo.DeleteTask(ctx, id)
}
