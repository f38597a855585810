package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/tier"
)

type scriptedGetter struct {
	mu       sync.Mutex
	calls    int
	timeouts []time.Duration
	script   []func() ([]byte, error)
}

func (g *scriptedGetter) Download(_ context.Context, _ string, timeout time.Duration) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.timeouts = append(g.timeouts, timeout)
	i := g.calls
	g.calls++
	if i >= len(g.script) {
		i = len(g.script) - 1
	}
	return g.script[i]()
}

type recordingSleep struct {
	waits []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func mp4Bytes(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte{0, 0, 0, 0x20})
	copy(b[4:], "ftypisom")
	return b
}

func fails(err error) func() ([]byte, error) {
	return func() ([]byte, error) { return nil, err }
}

func returns(b []byte) func() ([]byte, error) {
	return func() ([]byte, error) { return b, nil }
}

func newTestDownloader(g Getter, s *recordingSleep, logs io.Writer) *Downloader {
	if logs == nil {
		logs = io.Discard
	}
	return NewDownloader(g,
		WithSleep(s.sleep),
		WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
	)
}

func TestFetch_SucceedsFirstTry(t *testing.T) {
	g := &scriptedGetter{script: []func() ([]byte, error){returns(mp4Bytes(600 * 1024))}}
	s := &recordingSleep{}
	d := newTestDownloader(g, s, nil)

	res, err := d.Fetch(context.Background(), Request{JobID: "j1", URL: "https://cdn/a.mp4", Tier: tier.Quality})
	require.NoError(t, err)

	assert.Equal(t, int64(600*1024), res.Size)
	assert.Equal(t, ContainerMP4, res.Container)
	assert.True(t, res.SignatureMatched)
	assert.Len(t, res.Attempts, 1)
	assert.Empty(t, s.waits)
	assert.Equal(t, []time.Duration{180 * time.Second}, g.timeouts)
}

func TestFetch_BackoffSequenceAndFinalError(t *testing.T) {
	g := &scriptedGetter{script: []func() ([]byte, error){
		fails(apperr.Transient("backend.Download", "https://cdn/a.mp4", errors.New("connection reset"))),
	}}
	s := &recordingSleep{}
	d := newTestDownloader(g, s, nil)

	_, err := d.Fetch(context.Background(), Request{JobID: "j1", URL: "https://cdn/a.mp4", Tier: tier.Fast})
	require.Error(t, err)

	assert.Equal(t, 5, g.calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 8 * time.Second}, s.waits)

	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 5, ae.Attempts)
	assert.Equal(t, "j1", ae.JobID)
	assert.Equal(t, "https://cdn/a.mp4", ae.URL)
	assert.Contains(t, ae.Message, ClassConnection)
	assert.Contains(t, apperr.UserMessage(err), "https://cdn/a.mp4")
	assert.ErrorIs(t, err, apperr.ErrTransient)
}

func TestFetch_UndersizedIsRetriedThenValidationError(t *testing.T) {
	g := &scriptedGetter{script: []func() ([]byte, error){returns(mp4Bytes(50 * 1024))}}
	s := &recordingSleep{}
	d := newTestDownloader(g, s, nil)

	_, err := d.Fetch(context.Background(), Request{JobID: "j1", URL: "https://cdn/a.mp4", Tier: tier.Balanced})
	require.Error(t, err)

	assert.Equal(t, 5, g.calls)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), ClassValidation)
}

func TestFetch_RecoversAfterTimeout(t *testing.T) {
	g := &scriptedGetter{script: []func() ([]byte, error){
		fails(apperr.Transient("backend.Download", "u", context.DeadlineExceeded)),
		returns(mp4Bytes(200 * 1024)),
	}}
	s := &recordingSleep{}
	d := newTestDownloader(g, s, nil)

	res, err := d.Fetch(context.Background(), Request{JobID: "j1", URL: "u", Tier: tier.Fast})
	require.NoError(t, err)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, ClassTimeout, res.Attempts[0].Outcome)
	assert.Equal(t, "ok", res.Attempts[1].Outcome)
	assert.Equal(t, []time.Duration{2 * time.Second}, s.waits)
}

func TestFetch_UnknownSignatureOnlyWarns(t *testing.T) {
	var logs bytes.Buffer
	g := &scriptedGetter{script: []func() ([]byte, error){returns(make([]byte, 120*1024))}}
	d := newTestDownloader(g, &recordingSleep{}, &logs)

	res, err := d.Fetch(context.Background(), Request{JobID: "j1", URL: "u", Tier: tier.Fast})
	require.NoError(t, err)

	assert.False(t, res.SignatureMatched)
	assert.Contains(t, logs.String(), "no recognised video signature")
}

func TestFetch_DuplicateGuard(t *testing.T) {
	g := &scriptedGetter{script: []func() ([]byte, error){returns(mp4Bytes(120 * 1024))}}
	d := newTestDownloader(g, &recordingSleep{}, nil)
	req := Request{JobID: "j1", URL: "u", Tier: tier.Fast}

	_, err := d.Fetch(context.Background(), req)
	require.NoError(t, err)

	_, err = d.Fetch(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, g.calls)

	// Another job may fetch the same URL.
	_, err = d.Fetch(context.Background(), Request{JobID: "j2", URL: "u", Tier: tier.Fast})
	require.NoError(t, err)

	d.Forget("j1")
	_, err = d.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, g.calls)
}

func TestFetch_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := &scriptedGetter{script: []func() ([]byte, error){
		func() ([]byte, error) {
			cancel()
			return nil, context.Canceled
		},
	}}
	s := &recordingSleep{}
	d := newTestDownloader(g, s, nil)

	_, err := d.Fetch(ctx, Request{JobID: "j1", URL: "u", Tier: tier.Fast})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, g.calls)
	assert.Empty(t, s.waits)
}

func TestSniff(t *testing.T) {
	ts := make([]byte, 2*tsPacketSize)
	ts[0], ts[tsPacketSize] = 0x47, 0x47

	tests := []struct {
		name string
		data []byte
		want Container
	}{
		{"mp4 ftyp", mp4Bytes(16), ContainerMP4},
		{"mp4 moov", append([]byte{0, 0, 0, 8}, []byte("moov")...), ContainerMP4},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}, ContainerWebM},
		{"flv", []byte("FLV\x01\x05"), ContainerFLV},
		{"avi", []byte("RIFF\x00\x00\x00\x00AVI LIST"), ContainerAVI},
		{"gif", []byte("GIF89a...."), ContainerGIF},
		{"ts", ts, ContainerTS},
		{"html", []byte("<!DOCTYPE html><html>"), ContainerUnknown},
		{"empty", nil, ContainerUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sniff(tt.data))
		})
	}
	assert.True(t, strings.HasPrefix(ContainerWebM.Ext(), "."))
	assert.Equal(t, ".mp4", ContainerUnknown.Ext())
}
