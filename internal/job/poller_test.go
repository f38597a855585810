package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/artifact"
	"github.com/maauso/reelforge/internal/backend"
	"github.com/maauso/reelforge/internal/tier"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type statusStep struct {
	res backend.StatusResult
	err error
}

// scriptedBackend answers status queries from a script and repeats the last
// step once the script runs out.
type scriptedBackend struct {
	mu      sync.Mutex
	steps   []statusStep
	calls   int
	jobIDs  []string
	submits []backend.SubmitRequest
	jobID   string
	subErr  error
}

func (s *scriptedBackend) GetStatus(_ context.Context, jobID string) (backend.StatusResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobIDs = append(s.jobIDs, jobID)
	i := min(s.calls, len(s.steps)-1)
	s.calls++
	return s.steps[i].res, s.steps[i].err
}

func (s *scriptedBackend) Submit(_ context.Context, req backend.SubmitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits = append(s.submits, req)
	if s.subErr != nil {
		return "", s.subErr
	}
	return s.jobID, nil
}

func (s *scriptedBackend) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeGetter serves artifact bytes.
type fakeGetter struct {
	mu       sync.Mutex
	data     []byte
	err      error
	urls     []string
	timeouts []time.Duration
}

func (g *fakeGetter) Download(_ context.Context, url string, timeout time.Duration) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.urls = append(g.urls, url)
	g.timeouts = append(g.timeouts, timeout)
	return g.data, g.err
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func mp4Bytes(n int) []byte {
	b := make([]byte, n)
	copy(b, []byte{0, 0, 0, 0x20, 'f', 't', 'y', 'p', 'm', 'p', '4', '2'})
	return b
}

func status(s backend.Status, outputs ...string) statusStep {
	return statusStep{res: backend.StatusResult{Status: s, Outputs: outputs}}
}

func newTestPoller(be *scriptedBackend, getter *fakeGetter, rec *sleepRecorder, opts ...PollerOption) *Poller {
	dl := artifact.NewDownloader(getter,
		artifact.WithSleep(rec.sleep),
		artifact.WithLogger(discard),
	)
	opts = append([]PollerOption{
		WithSleep(rec.sleep),
		WithPollerLogger(discard),
		WithOutputWaits(2, time.Second),
	}, opts...)
	return NewPoller(be, dl, opts...)
}

func TestPoller_QualityJobCompletesOnThirdCheck(t *testing.T) {
	be := &scriptedBackend{steps: []statusStep{
		status(backend.StatusSubmitted),
		status(backend.StatusProcessing),
		status(backend.StatusCompleted, "https://cdn.example/out.mp4"),
	}}
	getter := &fakeGetter{data: mp4Bytes(600 * 1024)}
	rec := &sleepRecorder{}
	p := newTestPoller(be, getter, rec)

	j := NewGenerationJob("job-q", "corr-q", Request{Prompt: "p"}, tier.Quality)
	res, err := p.Run(context.Background(), j)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, j.GetStatus())
	assert.Equal(t, 3, j.Clone().StatusChecks)
	assert.Equal(t, 1, j.Clone().DownloadAttempts)
	assert.Equal(t, "https://cdn.example/out.mp4", j.Clone().OutputURL)
	assert.Equal(t, int64(600*1024), res.Size)
	assert.Equal(t, artifact.ContainerMP4, res.Container)
	assert.Equal(t, []time.Duration{DefaultBaseInterval, DefaultBaseInterval}, rec.sleeps)
	assert.Equal(t, []string{"job-q", "job-q", "job-q"}, be.jobIDs)
	assert.Equal(t, []time.Duration{tier.Quality.Config().DownloadTimeout}, getter.timeouts)
}

func TestPoller_BackendFailureEndsJob(t *testing.T) {
	be := &scriptedBackend{steps: []statusStep{
		status(backend.StatusProcessing),
		{res: backend.StatusResult{Status: backend.StatusFailed, Error: "content policy violation"}},
	}}
	p := newTestPoller(be, &fakeGetter{}, &sleepRecorder{})

	j := NewGenerationJob("job-f", "corr-f", Request{Prompt: "p"}, tier.Fast)
	_, err := p.Run(context.Background(), j)

	require.ErrorIs(t, err, apperr.ErrBackend)
	assert.Equal(t, StatusFailed, j.GetStatus())
	assert.Equal(t, "content policy violation", j.Clone().Error)
	assert.Contains(t, apperr.UserMessage(err), "content policy violation")
	assert.Contains(t, apperr.UserMessage(err), "job-f")
	assert.Equal(t, 2, be.Calls())
}

func TestPoller_TimesOutAfterBudget(t *testing.T) {
	be := &scriptedBackend{steps: []statusStep{status(backend.StatusProcessing)}}
	rec := &sleepRecorder{}
	p := newTestPoller(be, &fakeGetter{}, rec, WithMaxAttempts(40))

	j := NewGenerationJob("job-t", "corr-t", Request{Prompt: "p"}, tier.Balanced)
	_, err := p.Run(context.Background(), j)

	require.ErrorIs(t, err, apperr.ErrTimeout)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 40, ae.Attempts)
	assert.Equal(t, "job-t", ae.JobID)
	assert.Equal(t, StatusTimedOut, j.GetStatus())
	assert.Equal(t, 40, be.Calls())

	require.Len(t, rec.sleeps, 39)
	for i, d := range rec.sleeps {
		assert.Equal(t, PollInterval(i, 40, DefaultBaseInterval), d, "sleep %d", i)
	}
}

func TestPoller_TransientErrorsDoNotEndPolling(t *testing.T) {
	be := &scriptedBackend{steps: []statusStep{
		{err: apperr.Transient("backend.GetStatus", "", errors.New("connection reset"))},
		{err: &apperr.Error{Kind: apperr.KindBackend, StatusCode: 503, Message: "unavailable"}},
		{err: &apperr.Error{Kind: apperr.KindBackend, StatusCode: 429, Message: "slow down"}},
		status(backend.StatusCompleted, "https://cdn.example/a.mp4"),
	}}
	p := newTestPoller(be, &fakeGetter{data: mp4Bytes(200 * 1024)}, &sleepRecorder{})

	j := NewGenerationJob("job-r", "corr-r", Request{Prompt: "p"}, tier.Fast)
	_, err := p.Run(context.Background(), j)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.GetStatus())
	assert.Equal(t, 4, be.Calls())
}

func TestPoller_ClientErrorIsFatal(t *testing.T) {
	be := &scriptedBackend{steps: []statusStep{
		{err: apperr.Backend("backend.GetStatus", 404, "job not found")},
	}}
	p := newTestPoller(be, &fakeGetter{}, &sleepRecorder{})

	j := NewGenerationJob("job-404", "corr", Request{Prompt: "p"}, tier.Fast)
	_, err := p.Run(context.Background(), j)

	require.ErrorIs(t, err, apperr.ErrBackend)
	assert.Equal(t, StatusFailed, j.GetStatus())
	assert.Equal(t, 1, be.Calls())
}

func TestPoller_CompletionWithoutOutputs(t *testing.T) {
	t.Run("outputs appear on re-query", func(t *testing.T) {
		be := &scriptedBackend{steps: []statusStep{
			status(backend.StatusCompleted),
			status(backend.StatusCompleted, "https://cdn.example/late.mp4"),
		}}
		rec := &sleepRecorder{}
		p := newTestPoller(be, &fakeGetter{data: mp4Bytes(120 * 1024)}, rec)

		j := NewGenerationJob("job-late", "c", Request{Prompt: "p"}, tier.Fast)
		_, err := p.Run(context.Background(), j)

		require.NoError(t, err)
		assert.Equal(t, 1, j.Clone().OutputWaits)
		assert.Equal(t, []time.Duration{time.Second}, rec.sleeps)
	})

	t.Run("outputs never appear", func(t *testing.T) {
		be := &scriptedBackend{steps: []statusStep{status(backend.StatusCompleted)}}
		p := newTestPoller(be, &fakeGetter{}, &sleepRecorder{})

		j := NewGenerationJob("job-empty", "c", Request{Prompt: "p"}, tier.Fast)
		_, err := p.Run(context.Background(), j)

		require.ErrorIs(t, err, apperr.ErrBackend)
		assert.Equal(t, StatusFailed, j.GetStatus())
		assert.Equal(t, "backend reported completion with no outputs", j.Clone().Error)
		assert.Equal(t, 2, j.Clone().OutputWaits)
		assert.Equal(t, 3, be.Calls())
	})
}

func TestPoller_UndersizedArtifactFailsJob(t *testing.T) {
	be := &scriptedBackend{steps: []statusStep{status(backend.StatusCompleted, "https://cdn.example/tiny.mp4")}}
	getter := &fakeGetter{data: mp4Bytes(400 * 1024)}
	p := newTestPoller(be, getter, &sleepRecorder{})

	j := NewGenerationJob("job-small", "c", Request{Prompt: "p"}, tier.Quality)
	_, err := p.Run(context.Background(), j)

	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, StatusFailed, j.GetStatus())
	assert.Equal(t, 5, j.Clone().DownloadAttempts)
	assert.Len(t, getter.urls, 5)
}

func TestPoller_CancelledContext(t *testing.T) {
	be := &scriptedBackend{steps: []statusStep{status(backend.StatusProcessing)}}
	ctx, cancel := context.WithCancel(context.Background())
	p := newTestPoller(be, &fakeGetter{}, &sleepRecorder{}, WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	j := NewGenerationJob("job-c", "c", Request{Prompt: "p"}, tier.Fast)
	_, err := p.Run(ctx, j)

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, j.IsTerminal())
}
