package redis

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

const (
	testHost  = "box"
	queuePath = `.\private$\orders`
	shortWait = 30 * time.Millisecond
)

func newTestSubsystem(t *testing.T, opts ...Option) (*Subsystem, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})

	opts = append([]Option{WithHostname(testHost), WithPollInterval(5 * time.Millisecond)}, opts...)

	return New(client, opts...), mr
}

func newQueue(t *testing.T, s *Subsystem) native.Queue {
	t.Helper()

	q, err := s.Create(context.Background(), queuePath, true)
	require.NoError(t, err)

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
	s, mr := newTestSubsystem(t)

	exists, err := s.Exists(ctx, queuePath)
	require.NoError(t, err)
	assert.False(t, exists)

	q, err := s.Create(ctx, queuePath, false)
	require.NoError(t, err)
	assert.False(t, q.Transactional())

	_, err = s.Create(ctx, `BOX\private$\Orders`, true)
	require.ErrorIs(t, err, native.ErrQueueExists)

	assert.True(t, mr.Exists("txtransport:queue:orders@box"))

	opened, err := s.Open(ctx, queuePath, native.AccessReceive, native.DefaultReceiveFilter)
	require.NoError(t, err)
	assert.False(t, opened.Transactional())

	send(t, q, "gone", nil)

	require.NoError(t, s.Delete(ctx, queuePath))
	require.ErrorIs(t, s.Delete(ctx, queuePath), native.ErrQueueNotFound)
	require.ErrorIs(t, s.Purge(ctx, queuePath), native.ErrQueueNotFound)
	assert.Empty(t, mr.Keys())

	_, err = s.Open(ctx, queuePath, native.AccessReceive, native.DefaultReceiveFilter)
	require.ErrorIs(t, err, native.ErrQueueNotFound)
}

func TestTx_CommitPublishesSends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestSubsystem(t)
	q := newQueue(t, s)

	ntx, err := s.Begin(ctx)
	require.NoError(t, err)

	send(t, q, "first", ntx)
	send(t, q, "second", ntx)

	assert.Equal(t, native.ReceiveTimeout, q.Receive(ctx, shortWait, nil).Status)

	require.NoError(t, ntx.Commit(ctx))
	require.ErrorIs(t, ntx.Commit(ctx), native.ErrTxDone)
	require.NoError(t, ntx.Close())

	for _, want := range []string{"first", "second"} {
		res := q.Receive(ctx, shortWait, nil)
		require.Equal(t, native.ReceiveOK, res.Status)
		assert.Equal(t, want, bodyOf(t, res.Entry))
		assert.Equal(t, []byte(`{"k":"v"}`), res.Entry.Extension)
		assert.True(t, res.Entry.Recoverable)
		assert.Empty(t, res.Entry.Label)
	}
}

func TestTx_AbortRestoresReceivedInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestSubsystem(t)
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

	n, err := q.(native.Counter).Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, ntx.Abort(ctx))
	require.ErrorIs(t, ntx.Abort(ctx), native.ErrTxDone)

	var got []string

	for e, err := range q.Enumerate(ctx) {
		require.NoError(t, err)
		got = append(got, bodyOf(t, e))
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)

	for _, key := range mr.Keys() {
		assert.NotContains(t, key, ":tx:")
	}
}

func TestTx_CommitDropsReceived(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestSubsystem(t)
	q := newQueue(t, s)

	send(t, q, "only", nil)

	ntx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, native.ReceiveOK, q.Receive(ctx, shortWait, ntx).Status)
	require.NoError(t, ntx.Commit(ctx))

	assert.Equal(t, native.ReceiveTimeout, q.Receive(ctx, shortWait, nil).Status)
	assert.ElementsMatch(t, []string{"txtransport:queue:orders@box"}, mr.Keys())
}

func TestTx_CloseAbortsActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestSubsystem(t)
	q := newQueue(t, s)

	send(t, q, "only", nil)

	ntx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.Equal(t, native.ReceiveOK, q.Receive(ctx, shortWait, ntx).Status)
	require.NoError(t, ntx.Close())

	res := q.Receive(ctx, shortWait, nil)
	require.Equal(t, native.ReceiveOK, res.Status)
	assert.Equal(t, "only", bodyOf(t, res.Entry))

	err = q.Send(ctx, &native.Entry{}, ntx)
	require.ErrorIs(t, err, native.ErrTxDone)
}

func TestHandle_InvalidAndDeleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestSubsystem(t)
	q := newQueue(t, s)

	require.NoError(t, s.Delete(ctx, queuePath))
	assert.Equal(t, native.ReceiveQueueDeleted, q.Receive(ctx, shortWait, nil).Status)

	fresh, err := s.Create(ctx, queuePath, true)
	require.NoError(t, err)
	assert.Equal(t, native.ReceiveInvalidHandle, q.Receive(ctx, shortWait, nil).Status)
	require.ErrorIs(t, q.Send(ctx, &native.Entry{}, nil), native.ErrInvalidHandle)

	require.NoError(t, fresh.Close())
	require.ErrorIs(t, fresh.Close(), native.ErrInvalidHandle)
	assert.Equal(t, native.ReceiveInvalidHandle, fresh.Receive(ctx, shortWait, nil).Status)
}

func TestHandle_AccessMode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestSubsystem(t)
	newQueue(t, s)

	sendOnly, err := s.Open(ctx, queuePath, native.AccessSend, native.PropertyFilter{})
	require.NoError(t, err)
	assert.Equal(t, native.ReceiveFailed, sendOnly.Receive(ctx, shortWait, nil).Status)

	receiveOnly, err := s.Open(ctx, queuePath, native.AccessReceive, native.DefaultReceiveFilter)
	require.NoError(t, err)
	require.Error(t, receiveOnly.Send(ctx, &native.Entry{}, nil))
}

func TestSubsystem_ExpiryAndDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := newTestSubsystem(t, WithClock(func() time.Time { return now }))
	q := newQueue(t, s)

	require.NoError(t, q.Send(ctx, &native.Entry{
		Label:              "dead-lettered",
		Body:               bytes.NewReader([]byte("x")),
		TimeToBeReceived:   time.Second,
		UseDeadLetterQueue: true,
	}, nil))
	require.NoError(t, q.Send(ctx, &native.Entry{
		Label:            "dropped",
		Body:             bytes.NewReader([]byte("y")),
		TimeToBeReceived: time.Second,
	}, nil))
	send(t, q, "alive", nil)

	now = now.Add(2 * time.Second)

	ntx, err := s.Begin(ctx)
	require.NoError(t, err)

	res := q.Receive(ctx, shortWait, ntx)
	require.Equal(t, native.ReceiveOK, res.Status)
	assert.Equal(t, "alive", bodyOf(t, res.Entry))
	require.NoError(t, ntx.Commit(ctx))

	dead, err := s.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "dead-lettered", dead[0].Label)
}

func TestHandle_SetPermissions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newTestSubsystem(t)
	q := newQueue(t, s)

	require.NoError(t, q.SetPermissions(ctx, "alice", native.RightsGenericWrite))
	require.NoError(t, q.SetPermissions(ctx, "admins", native.RightsFullControl))

	assert.Equal(t, "generic_write", mr.HGet("txtransport:queue:orders@box:acl", "alice"))
	assert.Equal(t, "full_control", mr.HGet("txtransport:queue:orders@box:acl", "admins"))
}

func TestHandle_ReceiveHonoursContext(t *testing.T) {
	t.Parallel()

	s, _ := newTestSubsystem(t)
	q := newQueue(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.Equal(t, native.ReceiveTimeout, q.Receive(ctx, 5*time.Second, nil).Status)
	assert.Less(t, time.Since(start), time.Second)
}
