package watermark

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/gifmark/internal/gifcodec"
	"github.com/aliskhannn/gifmark/internal/model"
	"github.com/aliskhannn/gifmark/internal/pipeline"
	taskrepo "github.com/aliskhannn/gifmark/internal/repository/task"
	"github.com/aliskhannn/gifmark/internal/task"
	wm "github.com/aliskhannn/gifmark/internal/watermark"
)

type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (m *memStorage) Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := subdir + "/" + filename
	m.files[p] = data
	return p, nil
}

func (m *memStorage) Load(ctx context.Context, p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	if !ok {
		return nil, errors.New("no such object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, p)
	return nil
}

type memRepo struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]model.Task
	log   []model.TaskStatus

	beforeComplete func(id uuid.UUID)
}

func newMemRepo() *memRepo {
	return &memRepo{tasks: make(map[uuid.UUID]model.Task)}
}

func (r *memRepo) CreateTask(ctx context.Context, t model.Task) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.Spec.Image = nil
	r.tasks[t.ID] = t
	r.log = append(r.log, t.Status)
	return t.ID, nil
}

func (r *memRepo) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return model.Task{}, taskrepo.ErrTaskNotFound
	}
	return t, nil
}

func (r *memRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status model.TaskStatus, progress float64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return taskrepo.ErrTaskNotActive
	}
	t.Status, t.Progress, t.Error = status, progress, errMsg
	r.tasks[id] = t
	r.log = append(r.log, status)
	return nil
}

func (r *memRepo) CompleteTask(ctx context.Context, id uuid.UUID, resultPath string) error {
	if r.beforeComplete != nil {
		r.beforeComplete(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return taskrepo.ErrTaskNotActive
	}
	t.Status, t.Progress, t.ResultPath = model.StatusDone, 1, resultPath
	r.tasks[id] = t
	r.log = append(r.log, model.StatusDone)
	return nil
}

func (r *memRepo) DeleteTask(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return taskrepo.ErrTaskNotFound
	}
	delete(r.tasks, id)
	return nil
}

type memProducer struct {
	sent []model.Task
}

func (p *memProducer) Produce(ctx context.Context, t model.Task) error {
	p.sent = append(p.sent, t)
	return nil
}

type fixture struct {
	svc      *Service
	storage  *memStorage
	repo     *memRepo
	producer *memProducer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	r, err := wm.NewRenderer("")
	require.NoError(t, err)

	m := task.NewManager(pipeline.New(r, pipeline.Options{Workers: 2}), 2)
	f := &fixture{storage: newMemStorage(), repo: newMemRepo(), producer: &memProducer{}}
	f.svc = NewService(f.storage, f.producer, f.repo, m)
	m.OnUpdate(f.svc.PersistUpdate)
	return f
}

func sourceGIF(t *testing.T) []byte {
	t.Helper()
	palette := color.Palette{color.RGBA{A: 0xff}, color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}}
	g := &gif.GIF{}
	for i := 0; i < 3; i++ {
		pm := image.NewPaletted(image.Rect(0, 0, 24, 24), palette)
		for j := range pm.Pix {
			pm.Pix[j] = uint8((j + i) % 2)
		}
		g.Image = append(g.Image, pm)
		g.Delay = append(g.Delay, 5)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, g))
	return buf.Bytes()
}

func pngMark(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+3] = 0xff, 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSubmitAndProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := model.WatermarkSpec{Kind: model.KindImage, Opacity: 1, Position: model.Position{X: 50, Y: 50}}
	submitted, err := f.svc.Submit(ctx,
		Upload{Filename: "cat.gif", Body: bytes.NewReader(sourceGIF(t))},
		spec,
		&Upload{Filename: "logo.png", Body: bytes.NewReader(pngMark(t))},
	)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, submitted.Status)
	require.Equal(t, "original/"+submitted.ID.String()+".gif", submitted.SourcePath)
	require.Equal(t, "marks/"+submitted.ID.String()+".png", submitted.MarkPath)
	require.Len(t, f.producer.sent, 1)

	done, err := f.svc.Process(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, done.Status)

	stored, err := f.svc.Status(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, stored.Status)
	require.Equal(t, 1.0, stored.Progress)

	r, err := f.svc.Result(ctx, submitted.ID)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)

	doc, err := gifcodec.Decode(data)
	require.NoError(t, err)
	require.Len(t, doc.Frames, 3)
	require.Equal(t, color.NRGBA{R: 0xff, A: 0xff}, doc.Frames[0].Image().NRGBAAt(12, 12))

	thumb, err := f.svc.Preview(ctx, submitted.ID, 8, 8)
	require.NoError(t, err)
	pimg, err := png.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	require.Equal(t, 8, pimg.Bounds().Dx())

	f.repo.mu.Lock()
	require.Contains(t, f.repo.log, model.StatusCompositing)
	require.Equal(t, model.StatusDone, f.repo.log[len(f.repo.log)-1])
	f.repo.mu.Unlock()

	// processing the same message again is a no-op
	again, err := f.svc.Process(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, again.Status)

	require.NoError(t, f.svc.Delete(ctx, submitted.ID))
	require.Empty(t, f.storage.files)
}

func TestProcessDropsResultOfTaskCancelledWhileSaving(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted, err := f.svc.Submit(ctx,
		Upload{Filename: "a.gif", Body: bytes.NewReader(sourceGIF(t))},
		model.WatermarkSpec{Kind: model.KindText, Text: "x", Opacity: 1},
		nil,
	)
	require.NoError(t, err)

	f.repo.beforeComplete = func(id uuid.UUID) {
		require.NoError(t, f.repo.UpdateStatus(ctx, id, model.StatusCancelled, 0.9, ""))
	}

	got, err := f.svc.Process(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, got.Status)

	stored, err := f.svc.Status(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, stored.Status)
	require.Empty(t, stored.ResultPath)

	f.storage.mu.Lock()
	defer f.storage.mu.Unlock()
	require.NotContains(t, f.storage.files, "watermarked/"+submitted.ID.String()+".gif")
	require.Contains(t, f.storage.files, submitted.SourcePath)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := func() Upload { return Upload{Filename: "a.gif", Body: bytes.NewReader(sourceGIF(t))} }

	_, err := f.svc.Submit(ctx, src(), model.WatermarkSpec{Kind: "glitter", Opacity: 1}, nil)
	var unsupported *model.UnsupportedWatermarkError
	require.True(t, errors.As(err, &unsupported))

	_, err = f.svc.Submit(ctx, src(), model.WatermarkSpec{Kind: model.KindImage, Opacity: 1}, nil)
	require.ErrorIs(t, err, model.ErrInvalidWatermark)

	_, err = f.svc.Submit(ctx, src(), model.WatermarkSpec{Kind: model.KindImage, Opacity: 1},
		&Upload{Filename: "x.png", Body: strings.NewReader("not an image")})
	require.ErrorIs(t, err, ErrInvalidMark)

	require.Empty(t, f.producer.sent)
	require.Empty(t, f.repo.tasks)
}

func TestProcessRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted, err := f.svc.Submit(ctx,
		Upload{Filename: "broken.gif", Body: strings.NewReader("GIF89a but not really")},
		model.WatermarkSpec{Kind: model.KindText, Text: "x", Opacity: 1},
		nil,
	)
	require.NoError(t, err)

	got, err := f.svc.Process(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.Status)

	stored, err := f.svc.Status(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, stored.Status)
	require.Contains(t, stored.Error, "decode")

	_, err = f.svc.Result(ctx, submitted.ID)
	require.ErrorIs(t, err, ErrNotReady)

	_, err = f.svc.Preview(ctx, submitted.ID, 8, 8)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestCancelPendingTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted, err := f.svc.Submit(ctx,
		Upload{Filename: "a.gif", Body: bytes.NewReader(sourceGIF(t))},
		model.WatermarkSpec{Kind: model.KindText, Text: "x", Opacity: 1},
		nil,
	)
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(ctx, submitted.ID))
	require.ErrorIs(t, f.svc.Cancel(ctx, submitted.ID), ErrTaskFinished)

	got, err := f.svc.Process(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, got.Status)

	_, err = f.svc.Status(ctx, uuid.New())
	require.ErrorIs(t, err, taskrepo.ErrTaskNotFound)
}
