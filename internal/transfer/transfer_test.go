package transfer_test

import (
	"errors"
	"testing"

	"github.com/italolelis/download_service/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOperation struct {
	resumed, suspended, cancelled int
}

func (o *fakeOperation) Resume()  { o.resumed++ }
func (o *fakeOperation) Suspend() { o.suspended++ }
func (o *fakeOperation) Cancel()  { o.cancelled++ }

func TestTransfer_Lifecycle(t *testing.T) {
	op := &fakeOperation{}
	tr := transfer.New("t1", transfer.Request{URL: "http://example.com"}, op)

	assert.Equal(t, transfer.StateCreated, tr.State())

	tr.Suspend()
	assert.Equal(t, 0, op.suspended, "suspend before resume is ignored")

	tr.Resume()
	assert.Equal(t, transfer.StateActive, tr.State())

	tr.Suspend()
	assert.Equal(t, transfer.StateSuspended, tr.State())

	tr.Resume()
	assert.Equal(t, transfer.StateActive, tr.State())
	assert.Equal(t, 2, op.resumed)
	assert.Equal(t, 1, op.suspended)

	done, ok := tr.Finish(nil)
	require.True(t, ok)
	assert.Nil(t, done, "no completion callback attached")
	assert.Equal(t, transfer.StateSucceeded, tr.State())

	tr.Resume()
	tr.Cancel()
	assert.Equal(t, 2, op.resumed, "terminal state is absorbing")
	assert.Equal(t, 0, op.cancelled)
}

func TestTransfer_FinishDeliversBufferOnce(t *testing.T) {
	tr := transfer.New("t1", transfer.Request{}, &fakeOperation{})

	var results []transfer.Result
	tr.OnComplete(func(r transfer.Result) { results = append(results, r) })

	tr.SetExpectedSize(6)
	tr.Append([]byte("abc"))
	assert.Equal(t, int64(6), tr.Append([]byte("def")))
	assert.Equal(t, int64(6), tr.BytesReceived())

	done, ok := tr.Finish(nil)
	require.True(t, ok)
	done()

	again, ok := tr.Finish(errors.New("late"))
	assert.False(t, ok)
	assert.Nil(t, again)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success())
	assert.Equal(t, []byte("abcdef"), results[0].Data)
	assert.NoError(t, tr.Err())
}

func TestTransfer_FinishWithError(t *testing.T) {
	tr := transfer.New("t1", transfer.Request{}, &fakeOperation{})

	var got transfer.Result
	tr.OnComplete(func(r transfer.Result) { got = r })
	tr.Append([]byte("partial"))

	done, ok := tr.Finish(transfer.ErrCancelled)
	require.True(t, ok)
	done()

	assert.False(t, got.Success())
	assert.ErrorIs(t, got.Err, transfer.ErrCancelled)
	assert.Nil(t, got.Data)
	assert.Equal(t, transfer.StateFailed, tr.State())
	assert.ErrorIs(t, tr.Err(), transfer.ErrCancelled)
}

func TestTransfer_ProgressHandler(t *testing.T) {
	tr := transfer.New("t1", transfer.Request{}, &fakeOperation{})

	assert.Nil(t, tr.ProgressHandler(0.5), "unset callback drops the event")
	assert.InDelta(t, 0.5, tr.Progress(), 1e-9)

	var got []float64
	tr.OnProgress(func(f float64) { got = append(got, f) })
	tr.ProgressHandler(0.75)()
	assert.Equal(t, []float64{0.75}, got)

	_, _ = tr.Finish(nil)
	assert.Nil(t, tr.ProgressHandler(1), "no progress after terminal")
}

func TestTransfer_SetExpectedSizeUnknown(t *testing.T) {
	tr := transfer.New("t1", transfer.Request{}, &fakeOperation{})
	tr.SetExpectedSize(-1)
	assert.Equal(t, int64(0), tr.ExpectedSize())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "suspended", transfer.StateSuspended.String())
	assert.Equal(t, "unknown", transfer.State(42).String())
	assert.True(t, transfer.StateFailed.Terminal())
	assert.False(t, transfer.StateActive.Terminal())
}
