package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/download_service/internal/dispatch"
	"github.com/italolelis/download_service/internal/transfer"
	"github.com/italolelis/download_service/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperation struct {
	mu                            sync.Mutex
	resumed, suspended, cancelled int
}

func (o *fakeOperation) Resume()  { o.mu.Lock(); o.resumed++; o.mu.Unlock() }
func (o *fakeOperation) Suspend() { o.mu.Lock(); o.suspended++; o.mu.Unlock() }
func (o *fakeOperation) Cancel()  { o.mu.Lock(); o.cancelled++; o.mu.Unlock() }

func (o *fakeOperation) cancels() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.cancelled
}

// fakeTransport hands out inert operations; tests drive the delegate directly.
type fakeTransport struct {
	err error
	ops map[transfer.ID]*fakeOperation
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ops: make(map[transfer.ID]*fakeOperation)}
}

func (f *fakeTransport) NewTask(_ context.Context, id transfer.ID, _ transfer.Request, _ transport.Delegate) (transfer.Operation, error) {
	if f.err != nil {
		return nil, f.err
	}

	op := &fakeOperation{}
	f.ops[id] = op

	return op, nil
}

type observed struct {
	progress []float64
	results  []transfer.Result
}

func observe(tr *transfer.Transfer) *observed {
	o := &observed{}
	tr.OnProgress(func(f float64) { o.progress = append(o.progress, f) })
	tr.OnComplete(func(r transfer.Result) { o.results = append(o.results, r) })

	return o
}

func response(status int, length int64) *transport.Response {
	return &transport.Response{StatusCode: status, Status: http.StatusText(status), ContentLength: length}
}

func TestManager_ProgressThenSuccess(t *testing.T) {
	ctx := context.Background()
	m := New(newFakeTransport(), dispatch.Inline{})

	tr, err := m.Start(ctx, transfer.Request{URL: "http://example.com/a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	got, ok := m.Get(tr.ID())
	require.True(t, ok)
	assert.Same(t, tr, got)

	o := observe(tr)

	assert.Equal(t, transport.Allow, m.DidReceiveResponse(ctx, tr.ID(), response(http.StatusOK, 1000)))
	assert.Equal(t, int64(1000), tr.ExpectedSize())

	m.DidReceiveData(ctx, tr.ID(), make([]byte, 400))
	m.DidReceiveData(ctx, tr.ID(), make([]byte, 600))
	m.DidComplete(ctx, tr.ID(), nil)

	assert.Equal(t, []float64{0.4, 1.0}, o.progress)
	require.Len(t, o.results, 1)
	assert.True(t, o.results[0].Success())
	assert.Len(t, o.results[0].Data, 1000)
	assert.Equal(t, transfer.StateSucceeded, tr.State())
	assert.Zero(t, m.Len())

	_, ok = m.Get(tr.ID())
	assert.False(t, ok)
}

func TestManager_UnknownSizeReportsNoProgress(t *testing.T) {
	ctx := context.Background()

	for _, length := range []int64{-1, 0} {
		t.Run(fmt.Sprint(length), func(t *testing.T) {
			m := New(newFakeTransport(), nil)

			tr, err := m.Start(ctx, transfer.Request{URL: "http://example.com/stream"})
			require.NoError(t, err)

			o := observe(tr)

			m.DidReceiveResponse(ctx, tr.ID(), response(http.StatusOK, length))
			m.DidReceiveData(ctx, tr.ID(), []byte("abc"))
			m.DidReceiveData(ctx, tr.ID(), []byte("def"))
			m.DidComplete(ctx, tr.ID(), nil)

			assert.Empty(t, o.progress)
			require.Len(t, o.results, 1)
			assert.Equal(t, []byte("abcdef"), o.results[0].Data)
			assert.Zero(t, tr.ExpectedSize())
		})
	}
}

func TestManager_ProgressClampedWhenServerSendsMore(t *testing.T) {
	ctx := context.Background()
	m := New(newFakeTransport(), nil)

	tr, err := m.Start(ctx, transfer.Request{URL: "http://example.com/a"})
	require.NoError(t, err)

	o := observe(tr)

	m.DidReceiveResponse(ctx, tr.ID(), response(http.StatusOK, 10))
	m.DidReceiveData(ctx, tr.ID(), make([]byte, 8))
	m.DidReceiveData(ctx, tr.ID(), make([]byte, 8))
	m.DidComplete(ctx, tr.ID(), nil)

	assert.Equal(t, []float64{0.8, 1.0}, o.progress)
}

func TestManager_OrphanedEvents(t *testing.T) {
	ctx := context.Background()
	m := New(newFakeTransport(), nil)

	tr, err := m.Start(ctx, transfer.Request{URL: "http://example.com/a"})
	require.NoError(t, err)

	o := observe(tr)

	unknown := transfer.ID("not-registered")
	assert.Equal(t, transport.Cancel, m.DidReceiveResponse(ctx, unknown, response(http.StatusOK, 10)))
	m.DidReceiveData(ctx, unknown, []byte("x"))
	m.DidComplete(ctx, unknown, nil)

	m.DidComplete(ctx, tr.ID(), transfer.ErrCancelled)
	m.DidReceiveData(ctx, tr.ID(), []byte("late"))
	m.DidComplete(ctx, tr.ID(), nil)

	require.Len(t, o.results, 1, "completion fires once")
	assert.ErrorIs(t, o.results[0].Err, transfer.ErrCancelled)
	assert.Zero(t, tr.BytesReceived())
	assert.Zero(t, m.Len())
}

func TestManager_ServerError(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected", func(t *testing.T) {
		m := New(newFakeTransport(), nil)

		tr, err := m.Start(ctx, transfer.Request{URL: "http://example.com/missing"})
		require.NoError(t, err)

		o := observe(tr)

		assert.Equal(t, transport.Cancel, m.DidReceiveResponse(ctx, tr.ID(), response(http.StatusNotFound, 9)))
		m.DidReceiveData(ctx, tr.ID(), []byte("not found"))
		m.DidComplete(ctx, tr.ID(), transfer.ErrCancelled)

		require.Len(t, o.results, 1)

		var serverErr *transfer.ServerError
		require.ErrorAs(t, o.results[0].Err, &serverErr)
		assert.Equal(t, http.StatusNotFound, serverErr.StatusCode)
		assert.Equal(t, "http://example.com/missing", serverErr.URL)
		assert.Zero(t, tr.BytesReceived())
	})

	t.Run("accepted", func(t *testing.T) {
		m := New(newFakeTransport(), nil, WithAcceptNonSuccessStatus(true))

		tr, err := m.Start(ctx, transfer.Request{URL: "http://example.com/missing"})
		require.NoError(t, err)

		o := observe(tr)

		assert.Equal(t, transport.Allow, m.DidReceiveResponse(ctx, tr.ID(), response(http.StatusNotFound, 9)))
		m.DidReceiveData(ctx, tr.ID(), []byte("not found"))
		m.DidComplete(ctx, tr.ID(), nil)

		require.Len(t, o.results, 1)
		assert.Equal(t, []byte("not found"), o.results[0].Data)
	})
}

func TestManager_BufferLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("announced", func(t *testing.T) {
		m := New(newFakeTransport(), nil, WithMaxBufferSize(500))

		tr, err := m.Start(ctx, transfer.Request{URL: "http://example.com/big"})
		require.NoError(t, err)

		o := observe(tr)

		assert.Equal(t, transport.Cancel, m.DidReceiveResponse(ctx, tr.ID(), response(http.StatusOK, 1000)))
		m.DidComplete(ctx, tr.ID(), transfer.ErrCancelled)

		var limitErr *transfer.BufferLimitError
		require.ErrorAs(t, o.results[0].Err, &limitErr)
		assert.Equal(t, int64(500), limitErr.Limit)
	})

	t.Run("streamed", func(t *testing.T) {
		ft := newFakeTransport()
		m := New(ft, nil, WithMaxBufferSize(500))

		tr, err := m.Start(ctx, transfer.Request{URL: "http://example.com/stream"})
		require.NoError(t, err)

		o := observe(tr)

		assert.Equal(t, transport.Allow, m.DidReceiveResponse(ctx, tr.ID(), response(http.StatusOK, -1)))
		m.DidReceiveData(ctx, tr.ID(), make([]byte, 400))
		m.DidReceiveData(ctx, tr.ID(), make([]byte, 400))
		assert.Equal(t, 1, ft.ops[tr.ID()].cancels())
		assert.Equal(t, int64(400), tr.BytesReceived())

		m.DidComplete(ctx, tr.ID(), transfer.ErrCancelled)

		var limitErr *transfer.BufferLimitError
		require.ErrorAs(t, o.results[0].Err, &limitErr)
		assert.Equal(t, int64(800), limitErr.Received)
	})
}

func TestManager_InvalidRequest(t *testing.T) {
	ft := newFakeTransport()
	ft.err = &transfer.InvalidRequestError{URL: "ftp://x", Reason: "unsupported scheme"}

	m := New(ft, nil)

	tr, err := m.Start(context.Background(), transfer.Request{URL: "ftp://x"})
	assert.Nil(t, tr)

	var invalid *transfer.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, m.Len())
}

func TestManager_CallbackMayQueryManager(t *testing.T) {
	ctx := context.Background()
	m := New(newFakeTransport(), dispatch.Inline{})

	tr, err := m.Start(ctx, transfer.Request{URL: "http://example.com/a"})
	require.NoError(t, err)

	var registered []bool
	tr.OnProgress(func(float64) {
		_, ok := m.Get(tr.ID())
		registered = append(registered, ok)
	})
	tr.OnComplete(func(transfer.Result) {
		registered = append(registered, m.Len() == 1)
	})

	m.DidReceiveResponse(ctx, tr.ID(), response(http.StatusOK, 2))
	m.DidReceiveData(ctx, tr.ID(), []byte("ok"))
	m.DidComplete(ctx, tr.ID(), nil)

	assert.Equal(t, []bool{true, false}, registered)
}

func newHTTPManager(t *testing.T, opts ...Option) (*Manager, *dispatch.Queue) {
	t.Helper()

	client := transport.NewClient(transport.Options{ChunkSize: 256})
	queue := dispatch.NewQueue()

	t.Cleanup(func() {
		client.Close()
		queue.Close()
	})

	return New(client, queue, opts...), queue
}

func TestManager_ConcurrentDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := strings.Repeat(r.URL.Path, 500)
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	m, _ := newHTTPManager(t)

	const n = 16

	type outcome struct {
		path     string
		result   transfer.Result
		progress []float64
	}

	results := make(chan outcome, n)

	for i := range n {
		path := fmt.Sprintf("/file-%02d", i)

		tr, err := m.Start(context.Background(), transfer.Request{URL: srv.URL + path})
		require.NoError(t, err)

		var progress []float64
		tr.OnProgress(func(f float64) { progress = append(progress, f) })
		tr.OnComplete(func(r transfer.Result) {
			results <- outcome{path: path, result: r, progress: progress}
		})
		tr.Resume()
	}

	for range n {
		select {
		case o := <-results:
			require.NoError(t, o.result.Err)
			assert.Equal(t, strings.Repeat(o.path, 500), string(o.result.Data))
			require.NotEmpty(t, o.progress)
			assert.InDelta(t, 1.0, o.progress[len(o.progress)-1], 1e-9)
			assert.IsNonDecreasing(t, o.progress)
		case <-time.After(10 * time.Second):
			t.Fatal("downloads did not complete")
		}
	}

	assert.Zero(t, m.Len())
}

func TestManager_CancelImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	m, _ := newHTTPManager(t)

	tr, err := m.Start(context.Background(), transfer.Request{URL: srv.URL})
	require.NoError(t, err)

	done := make(chan transfer.Result, 2)
	tr.OnComplete(func(r transfer.Result) { done <- r })

	tr.Resume()
	tr.Cancel()
	tr.Cancel()

	select {
	case r := <-done:
		assert.ErrorIs(t, r.Err, transfer.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled download did not complete")
	}

	assert.Zero(t, m.Len())
	assert.Equal(t, transfer.StateFailed, tr.State())
	assert.Empty(t, done)
}

func TestManager_ServerErrorOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	m, _ := newHTTPManager(t)

	tr, err := m.Start(context.Background(), transfer.Request{URL: srv.URL})
	require.NoError(t, err)

	done := make(chan transfer.Result, 1)
	tr.OnComplete(func(r transfer.Result) { done <- r })
	tr.Resume()

	select {
	case r := <-done:
		var serverErr *transfer.ServerError
		require.ErrorAs(t, r.Err, &serverErr)
		assert.Equal(t, http.StatusGone, serverErr.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete")
	}
}
