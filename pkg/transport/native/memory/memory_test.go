package memory

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

const (
	testHost  = "box"
	queuePath = `.\private$\orders`
	shortWait = 20 * time.Millisecond
)

func newQueue(t *testing.T, s *Subsystem) native.Queue {
	t.Helper()

	q, err := s.Create(context.Background(), queuePath, true)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = q.Close()
	})

	return q
}

func send(t *testing.T, q native.Queue, body string, ntx native.Tx) {
	t.Helper()

	require.NoError(t, q.Send(context.Background(), &native.Entry{
		Label:       body,
		Body:        bytes.NewReader([]byte(body)),
		Extension:   []byte(`{"k":"v"}`),
		Recoverable: true,
	}, ntx))
}

func bodyOf(t *testing.T, e *native.Entry) string {
	t.Helper()

	b, err := io.ReadAll(e.Body)
	require.NoError(t, err)

	return string(b)
}

func TestSubsystem_CreateExistsDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))

	exists, err := s.Exists(ctx, queuePath)
	require.NoError(t, err)
	assert.False(t, exists)

	q, err := s.Create(ctx, queuePath, true)
	require.NoError(t, err)
	assert.True(t, q.Transactional())
	assert.Equal(t, queuePath, q.Path())

	_, err = s.Create(ctx, `FormatName:DIRECT=OS:BOX\private$\orders`, true)
	require.ErrorIs(t, err, native.ErrQueueExists)

	exists, err = s.Exists(ctx, `box\private$\ORDERS`)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, queuePath))
	require.ErrorIs(t, s.Delete(ctx, queuePath), native.ErrQueueNotFound)
	require.ErrorIs(t, s.Purge(ctx, queuePath), native.ErrQueueNotFound)

	_, err = s.Open(ctx, queuePath, native.AccessReceive, native.DefaultReceiveFilter)
	require.ErrorIs(t, err, native.ErrQueueNotFound)

	_, err = s.Exists(ctx, "bogus")
	require.Error(t, err)
}

func TestTx_CommitPublishesSends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))
	q := newQueue(t, s)

	ntx, err := s.Begin(ctx)
	require.NoError(t, err)

	send(t, q, "first", ntx)
	send(t, q, "second", ntx)

	assert.Equal(t, native.ReceiveTimeout, q.Receive(ctx, shortWait, nil).Status)

	require.NoError(t, ntx.Commit(ctx))
	require.ErrorIs(t, ntx.Commit(ctx), native.ErrTxDone)
	require.ErrorIs(t, ntx.Abort(ctx), native.ErrTxDone)
	require.NoError(t, ntx.Close())

	res := q.Receive(ctx, shortWait, nil)
	require.Equal(t, native.ReceiveOK, res.Status)
	assert.Equal(t, "first", bodyOf(t, res.Entry))
	assert.NotEmpty(t, res.Entry.ID)
	assert.Equal(t, []byte(`{"k":"v"}`), res.Entry.Extension)

	res = q.Receive(ctx, shortWait, nil)
	require.Equal(t, native.ReceiveOK, res.Status)
	assert.Equal(t, "second", bodyOf(t, res.Entry))
}

func TestTx_AbortRestoresReceivedInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))
	q := newQueue(t, s)

	for _, b := range []string{"a", "b", "c"} {
		send(t, q, b, nil)
	}

	ntx, err := s.Begin(ctx)
	require.NoError(t, err)

	for _, want := range []string{"a", "b"} {
		res := q.Receive(ctx, shortWait, ntx)
		require.Equal(t, native.ReceiveOK, res.Status)
		assert.Equal(t, want, bodyOf(t, res.Entry))
	}

	send(t, q, "buffered", ntx)

	require.NoError(t, ntx.Abort(ctx))

	var got []string

	for e, err := range q.Enumerate(ctx) {
		require.NoError(t, err)
		got = append(got, bodyOf(t, e))
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestTx_CloseAbortsActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))
	q := newQueue(t, s)

	send(t, q, "only", nil)

	ntx, err := s.Begin(ctx)
	require.NoError(t, err)

	require.Equal(t, native.ReceiveOK, q.Receive(ctx, shortWait, ntx).Status)
	require.NoError(t, ntx.Close())

	res := q.Receive(ctx, shortWait, nil)
	require.Equal(t, native.ReceiveOK, res.Status)
	assert.Equal(t, "only", bodyOf(t, res.Entry))
}

func TestTx_SendAfterDoneFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))
	q := newQueue(t, s)

	ntx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, ntx.Commit(ctx))

	err = q.Send(ctx, &native.Entry{Body: bytes.NewReader(nil)}, ntx)
	require.ErrorIs(t, err, native.ErrTxDone)
}

func TestHandle_ReceiveWakesOnCommit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))
	q := newQueue(t, s)

	done := make(chan native.ReceiveResult, 1)

	go func() {
		done <- q.Receive(ctx, 5*time.Second, nil)
	}()

	time.Sleep(shortWait)

	ntx, err := s.Begin(ctx)
	require.NoError(t, err)
	send(t, q, "wake", ntx)
	require.NoError(t, ntx.Commit(ctx))

	select {
	case res := <-done:
		require.Equal(t, native.ReceiveOK, res.Status)
		assert.Equal(t, "wake", bodyOf(t, res.Entry))
	case <-time.After(2 * time.Second):
		t.Fatal("receive was not woken by commit")
	}
}

func TestHandle_InvalidAndDeleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))
	q := newQueue(t, s)

	require.NoError(t, s.Invalidate(queuePath))
	assert.Equal(t, native.ReceiveInvalidHandle, q.Receive(ctx, shortWait, nil).Status)
	require.ErrorIs(t, q.Send(ctx, &native.Entry{}, nil), native.ErrInvalidHandle)

	fresh, err := s.Open(ctx, queuePath, native.AccessSendAndReceive, native.DefaultReceiveFilter)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, queuePath))
	assert.Equal(t, native.ReceiveQueueDeleted, fresh.Receive(ctx, shortWait, nil).Status)

	_, err = s.Create(ctx, queuePath, true)
	require.NoError(t, err)
	assert.Equal(t, native.ReceiveInvalidHandle, fresh.Receive(ctx, shortWait, nil).Status)

	require.NoError(t, fresh.Close())
	require.ErrorIs(t, fresh.Close(), native.ErrInvalidHandle)
	assert.Equal(t, native.ReceiveInvalidHandle, fresh.Receive(ctx, shortWait, nil).Status)
}

func TestHandle_AccessMode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))
	newQueue(t, s)

	sendOnly, err := s.Open(ctx, queuePath, native.AccessSend, native.PropertyFilter{})
	require.NoError(t, err)
	defer sendOnly.Close()

	assert.Equal(t, native.ReceiveFailed, sendOnly.Receive(ctx, shortWait, nil).Status)

	receiveOnly, err := s.Open(ctx, queuePath, native.AccessReceive, native.DefaultReceiveFilter)
	require.NoError(t, err)
	defer receiveOnly.Close()

	require.Error(t, receiveOnly.Send(ctx, &native.Entry{}, nil))
}

func TestHandle_PropertyFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))
	q := newQueue(t, s)
	send(t, q, "payload", nil)

	idOnly, err := s.Open(ctx, queuePath, native.AccessReceive, native.PropertyFilter{ID: true})
	require.NoError(t, err)
	defer idOnly.Close()

	for e, err := range idOnly.Enumerate(ctx) {
		require.NoError(t, err)
		assert.NotEmpty(t, e.ID)
		assert.Empty(t, e.Label)
		assert.Nil(t, e.Extension)
		assert.Empty(t, bodyOf(t, e))
	}

	res := q.Receive(ctx, shortWait, nil)
	require.Equal(t, native.ReceiveOK, res.Status)
	assert.Empty(t, res.Entry.Label)
	assert.Equal(t, "payload", bodyOf(t, res.Entry))
}

func TestSubsystem_ExpiryAndDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(WithHostname(testHost), WithClock(func() time.Time { return now }))
	q := newQueue(t, s)

	require.NoError(t, q.Send(ctx, &native.Entry{
		Label:            "dead-lettered",
		Body:             bytes.NewReader([]byte("x")),
		TimeToBeReceived: time.Second,
		// expiring entries are normally not dead-lettered; force it here
		UseDeadLetterQueue: true,
	}, nil))
	require.NoError(t, q.Send(ctx, &native.Entry{
		Label:            "dropped",
		Body:             bytes.NewReader([]byte("y")),
		TimeToBeReceived: time.Second,
	}, nil))

	now = now.Add(2 * time.Second)

	assert.Equal(t, native.ReceiveTimeout, q.Receive(ctx, shortWait, nil).Status)

	dead := s.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "dead-lettered", dead[0].Label)
}

func TestHandle_SetPermissions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New(WithHostname(testHost))
	q := newQueue(t, s)

	require.NoError(t, q.SetPermissions(ctx, "alice", native.RightsGenericWrite))
	require.NoError(t, q.SetPermissions(ctx, "admins", native.RightsFullControl))

	assert.Equal(t, map[string]native.AccessRights{
		"alice":  native.RightsGenericWrite,
		"admins": native.RightsFullControl,
	}, s.Permissions(`box\private$\orders`))
	assert.Nil(t, s.Permissions(`.\private$\missing`))
}

func TestHandle_ReceiveHonoursContext(t *testing.T) {
	t.Parallel()

	s := New(WithHostname(testHost))
	q := newQueue(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.Equal(t, native.ReceiveTimeout, q.Receive(ctx, 5*time.Second, nil).Status)
	assert.Less(t, time.Since(start), time.Second)
}
