package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aistudio-proxy/AIStudioProxyAPI/internal/interfaces"
)

func testRequest(model string) *Request {
	return NewRequest(context.Background(), model, false,
		gjson.Parse(`[{"role":"user","content":"hi"}]`), gjson.Result{}, interfaces.Params{})
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	first := testRequest("model-a")
	second := testRequest("model-b")
	require.Nil(t, q.Enqueue(first))
	require.Nil(t, q.Enqueue(second))
	assert.Equal(t, 2, q.Len())

	got, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, first.ID, got.ID)

	got, ok = q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
	assert.Less(t, first.EnqueueSeq, second.EnqueueSeq)
}

func TestDequeueSkipsCancelledRequests(t *testing.T) {
	q := NewQueue()
	cancelled := testRequest("model-a")
	live := testRequest("model-a")
	require.Nil(t, q.Enqueue(cancelled))
	require.Nil(t, q.Enqueue(live))

	require.True(t, q.Cancel(cancelled.ID))

	got, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	assert.Equal(t, live.ID, got.ID)

	select {
	case outcome := <-cancelled.Result():
		require.NotNil(t, outcome.Err)
		assert.Equal(t, interfaces.KindClientClosed, outcome.Err.Kind)
		assert.Equal(t, "client_closed_request", outcome.Err.Code)
	default:
		t.Fatal("cancelled request got no outcome")
	}
}

func TestCancelUnknownID(t *testing.T) {
	q := NewQueue()
	assert.False(t, q.Cancel("req_does_not_exist"))
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	req := testRequest("model-a")

	done := make(chan *Request, 1)
	go func() {
		got, ok := q.Dequeue(context.Background())
		if ok {
			done <- got
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.Nil(t, q.Enqueue(req))

	select {
	case got := <-done:
		assert.Equal(t, req.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue never woke up")
	}
}

func TestDequeueHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestSnapshotPositions(t *testing.T) {
	q := NewQueue()
	first := testRequest("model-a")
	second := testRequest("model-b")
	require.Nil(t, q.Enqueue(first))
	require.Nil(t, q.Enqueue(second))

	entries := q.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, second.ID, entries[1].ID)
	assert.Equal(t, 2, entries[1].Position)
	assert.Equal(t, "model-b", entries[1].Model)
}

func TestFinishDeliversOnce(t *testing.T) {
	q := NewQueue()
	req := testRequest("model-a")
	require.Nil(t, q.Enqueue(req))
	got, ok := q.Dequeue(context.Background())
	require.True(t, ok)

	q.Finish(got, Outcome{Response: &interfaces.InternalResponse{Content: "hello"}})
	q.Finish(got, Outcome{Err: interfaces.NewError(interfaces.KindInternal, "internal_error", "dup")})

	outcome := <-req.Result()
	require.NotNil(t, outcome.Response)
	assert.Equal(t, "hello", outcome.Response.Content)
	assert.False(t, q.Cancel(req.ID))
}

func TestCloseRejectsEnqueue(t *testing.T) {
	q := NewQueue()
	q.Close()
	perr := q.Enqueue(testRequest("model-a"))
	require.NotNil(t, perr)
	assert.Equal(t, "queue_closed", perr.Code)

	_, ok := q.Dequeue(context.Background())
	assert.False(t, ok)
}

func TestDrainAnswersEveryoneWaiting(t *testing.T) {
	q := NewQueue()
	first := testRequest("model-a")
	second := testRequest("model-a")
	require.Nil(t, q.Enqueue(first))
	require.Nil(t, q.Enqueue(second))

	emergency := interfaces.NewError(interfaces.KindRotationExhausted, "emergency_mode",
		"no usable auth profiles remain")
	assert.Equal(t, 2, q.Drain(emergency))
	assert.Equal(t, 0, q.Len())

	for _, req := range []*Request{first, second} {
		outcome := <-req.Result()
		require.NotNil(t, outcome.Err)
		assert.Equal(t, "emergency_mode", outcome.Err.Code)
	}
}
