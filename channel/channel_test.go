package channel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campushub/realtime/backoff"
	"github.com/campushub/realtime/wire"
)

// fakeConn is a scriptable Conn for lifecycle tests. Frames queued on
// frames are delivered in order; an error queued on errCh terminates
// the read loop like a dropped connection.
type fakeConn struct {
	frames chan []byte
	errCh  chan error

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		errCh:  make(chan error, 1),
	}
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.frames:
		return websocket.MessageText, data, nil
	case err := <-f.errCh:
		return 0, nil, err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return net.ErrClosed
	}

	buf := make([]byte, len(p))
	copy(buf, p)
	f.writes = append(f.writes, buf)

	return nil
}

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeConn) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]byte, len(f.writes))
	copy(out, f.writes)

	return out
}

func (f *fakeConn) dropConnection() {
	f.errCh <- fmt.Errorf("connection reset by peer")
}

// fakeDialer counts dial attempts and can fail the first N (or all) of
// them. Dial times are recorded for backoff assertions.
type fakeDialer struct {
	mu         sync.Mutex
	failFirst  int
	alwaysFail bool
	calls      int
	callTimes  []time.Time
	conns      []*fakeConn
}

func (d *fakeDialer) dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	d.callTimes = append(d.callTimes, time.Now())

	if d.alwaysFail || d.failFirst >= d.calls {
		return nil, fmt.Errorf("connection refused")
	}

	conn := newFakeConn()
	d.conns = append(d.conns, conn)

	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.conns) == 0 {
		return nil
	}

	return d.conns[len(d.conns)-1]
}

// statusRecorder collects status callbacks.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(_ Key, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) all() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, len(r.statuses))
	copy(out, r.statuses)

	return out
}

// newTestChannel builds a channel with jitter disabled so backoff
// delays are exactly the policy's.
func newTestChannel(t *testing.T, opts Options) *Channel {
	t.Helper()

	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 8}
	}

	ch := New(opts)
	ch.jitter = func(time.Duration) time.Duration { return 0 }

	return ch
}

// waitState polls until the channel reaches want. Inside a synctest
// bubble the sleeps cost nothing.
func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()

	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		if ch.State() == want {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatalf("channel never reached %s, stuck in %s", want, ch.State())
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "forum:general", ForumKey("general").String())
	assert.Equal(t, "notifications:7", NotificationsKey(7).String())
	assert.Equal(t, "chat:7", ChatKey(7).String())
}

func TestKey_URL(t *testing.T) {
	key := ForumKey("robotics")
	assert.Equal(t, "wss://api.campus.example/ws/forum/robotics", key.URL("wss://api.campus.example"))
}

func TestOpen_Idempotent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{}
		ch := newTestChannel(t, Options{Key: NotificationsKey(1), Dial: dialer.dial})

		t.Cleanup(ch.Close)

		require.NoError(t, ch.Open(context.Background()))
		require.NoError(t, ch.Open(context.Background()))
		require.NoError(t, ch.Open(context.Background()))

		waitState(t, ch, StateOpen)
		assert.Equal(t, 1, dialer.dialCount())
	})
}

func TestOpen_AfterCloseFails(t *testing.T) {
	dialer := &fakeDialer{}
	ch := newTestChannel(t, Options{Key: NotificationsKey(1), Dial: dialer.dial})

	ch.Close()

	err := ch.Open(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StateClosedPermanent, ch.State())
}

func TestChannel_RoutesDecodedFrames(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{}

		var (
			mu     sync.Mutex
			frames []wire.Frame
		)

		ch := newTestChannel(t, Options{
			Key:  NotificationsKey(1),
			Dial: dialer.dial,
			OnFrame: func(_ Key, f wire.Frame) {
				mu.Lock()
				frames = append(frames, f)
				mu.Unlock()
			},
		})

		t.Cleanup(ch.Close)

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateOpen)

		dialer.lastConn().frames <- []byte(`{"event":"new_notification","notif_id":5,"notification_type":"comment","message":"new comment","timestamp":"2026-08-29T10:00:00+00:00"}`)
		synctest.Wait()

		mu.Lock()
		defer mu.Unlock()

		require.Len(t, frames, 1)
		require.NotNil(t, frames[0].Notification)
		assert.Equal(t, int64(5), frames[0].Notification.ID)
	})
}

func TestChannel_MalformedFrameIsDroppedNotFatal(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{}

		var (
			mu     sync.Mutex
			frames []wire.Frame
		)

		ch := newTestChannel(t, Options{
			Key:  NotificationsKey(1),
			Dial: dialer.dial,
			OnFrame: func(_ Key, f wire.Frame) {
				mu.Lock()
				frames = append(frames, f)
				mu.Unlock()
			},
		})

		t.Cleanup(ch.Close)

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateOpen)

		conn := dialer.lastConn()
		conn.frames <- []byte(`{garbage`)
		conn.frames <- []byte(`{"event":"wat"}`)
		conn.frames <- []byte(`{"event":"new_notification","notif_id":9,"timestamp":"2026-08-29T10:00:00+00:00"}`)
		synctest.Wait()

		// Channel survived the garbage and delivered the good frame.
		assert.Equal(t, StateOpen, ch.State())

		mu.Lock()
		defer mu.Unlock()

		require.Len(t, frames, 1)
		assert.Equal(t, int64(9), frames[0].Notification.ID)
	})
}

func TestReconnect_BackoffDelaysGrow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{failFirst: 3}
		policy := backoff.Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 8}

		ch := newTestChannel(t, Options{
			Key:    ChatKey(2),
			Dial:   dialer.dial,
			Policy: policy,
		})

		t.Cleanup(ch.Close)

		start := time.Now()

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateOpen)
		require.Equal(t, 4, dialer.dialCount())

		// Dial 1 immediately, then delay(0)=1s, delay(1)=2s, delay(2)=4s.
		dialer.mu.Lock()
		offsets := make([]time.Duration, len(dialer.callTimes))
		for i, at := range dialer.callTimes {
			offsets[i] = at.Sub(start)
		}
		dialer.mu.Unlock()

		assert.Equal(t, time.Duration(0), offsets[0])
		assert.Equal(t, 1*time.Second, offsets[1])
		assert.Equal(t, 3*time.Second, offsets[2])
		assert.Equal(t, 7*time.Second, offsets[3])

		// Successful open resets the failure count.
		assert.Equal(t, 0, ch.Attempt())
	})
}

func TestClose_CancelsPendingReconnectTimer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{alwaysFail: true}

		ch := newTestChannel(t, Options{
			Key:    ChatKey(2),
			Dial:   dialer.dial,
			Policy: backoff.Policy{Base: time.Minute, Cap: time.Hour, MaxAttempts: 8},
		})

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateReconnectScheduled)
		require.Equal(t, 1, dialer.dialCount())
		require.True(t, ch.timerIsPending())

		ch.Close()
		assert.Equal(t, StateClosedPermanent, ch.State())
		assert.False(t, ch.timerIsPending())

		// Advance far past the scheduled delay: the dead timer must not
		// open a new socket.
		time.Sleep(3 * time.Hour)
		synctest.Wait()

		assert.Equal(t, 1, dialer.dialCount())
		assert.Equal(t, StateClosedPermanent, ch.State())
	})
}

func TestClose_WhileTimerFiring_NoRedial(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{alwaysFail: true}

		ch := newTestChannel(t, Options{
			Key:    ChatKey(2),
			Dial:   dialer.dial,
			Policy: backoff.Policy{Base: time.Second, Cap: time.Minute, MaxAttempts: 1000},
		})

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateReconnectScheduled)

		before := dialer.dialCount()

		ch.Close()
		time.Sleep(time.Hour)
		synctest.Wait()

		assert.Equal(t, before, dialer.dialCount())
	})
}

func TestReconnect_Exhausted(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{alwaysFail: true}
		rec := &statusRecorder{}

		ch := newTestChannel(t, Options{
			Key:      ChatKey(2),
			Dial:     dialer.dial,
			Policy:   backoff.Policy{Base: time.Second, Cap: time.Minute, MaxAttempts: 3},
			OnStatus: rec.record,
		})

		t.Cleanup(ch.Close)

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateClosedPermanent)

		// MaxAttempts=3: dials at attempt 0, 1, 2 all fail, then the
		// channel goes permanently offline with no further timer.
		assert.Equal(t, 3, dialer.dialCount())
		assert.False(t, ch.timerIsPending())

		statuses := rec.all()
		require.NotEmpty(t, statuses)
		assert.Equal(t, StatusOffline, statuses[len(statuses)-1])

		// Time passing changes nothing.
		time.Sleep(24 * time.Hour)
		synctest.Wait()
		assert.Equal(t, 3, dialer.dialCount())
	})
}

func TestReconnect_AfterDropWhileOpen(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{}
		rec := &statusRecorder{}

		ch := newTestChannel(t, Options{
			Key:      NotificationsKey(3),
			Dial:     dialer.dial,
			OnStatus: rec.record,
		})

		t.Cleanup(ch.Close)

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateOpen)

		dialer.lastConn().dropConnection()
		waitState(t, ch, StateReconnectScheduled)

		time.Sleep(2 * time.Second)
		waitState(t, ch, StateOpen)

		assert.Equal(t, 2, dialer.dialCount())
		assert.Equal(t, 0, ch.Attempt())
		assert.Equal(t, []Status{StatusConnected, StatusReconnecting, StatusConnected}, rec.all())
	})
}

func TestSend_NotConnected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{alwaysFail: true}

		ch := newTestChannel(t, Options{
			Key:    ChatKey(2),
			Dial:   dialer.dial,
			Policy: backoff.Policy{Base: time.Minute, Cap: time.Hour, MaxAttempts: 8},
		})

		t.Cleanup(ch.Close)

		// Idle channel: never opened.
		err := ch.Send(context.Background(), []byte(`{"content":"hi"}`))
		assert.ErrorIs(t, err, ErrNotConnected)

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateReconnectScheduled)

		// Reconnect pending: still a fast failure, nothing queued.
		err = ch.Send(context.Background(), []byte(`{"content":"hi"}`))
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestSend_WritesPayload(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{}
		ch := newTestChannel(t, Options{Key: ChatKey(2), Dial: dialer.dial})

		t.Cleanup(ch.Close)

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateOpen)

		require.NoError(t, ch.Send(context.Background(), []byte(`{"recipient_id":4,"content":"hello"}`)))

		writes := dialer.lastConn().written()
		require.Len(t, writes, 1)
		assert.JSONEq(t, `{"recipient_id":4,"content":"hello"}`, string(writes[0]))
	})
}

func TestSendJSON_MarshalsBody(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{}
		ch := newTestChannel(t, Options{Key: ForumKey("general"), Dial: dialer.dial})

		t.Cleanup(ch.Close)

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateOpen)

		send := wire.ForumSend{Token: "tok-1", Room: "general", Content: "hello room"}
		require.NoError(t, ch.SendJSON(context.Background(), send))

		writes := dialer.lastConn().written()
		require.Len(t, writes, 1)
		assert.JSONEq(t, `{"token":"tok-1","room":"general","content":"hello room"}`, string(writes[0]))
	})
}

func TestSend_AfterClose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{}
		ch := newTestChannel(t, Options{Key: ChatKey(2), Dial: dialer.dial})

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateOpen)

		ch.Close()

		err := ch.Send(context.Background(), []byte(`{}`))
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestClose_Idempotent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{}
		ch := newTestChannel(t, Options{Key: ChatKey(2), Dial: dialer.dial})

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateOpen)

		ch.Close()
		ch.Close()

		assert.Equal(t, StateClosedPermanent, ch.State())
	})
}

func TestServe_PingsWhenQuiet(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		dialer := &fakeDialer{}
		ch := newTestChannel(t, Options{
			Key:          NotificationsKey(1),
			Dial:         dialer.dial,
			PingInterval: 10 * time.Second,
		})

		t.Cleanup(ch.Close)

		require.NoError(t, ch.Open(context.Background()))
		waitState(t, ch, StateOpen)

		time.Sleep(11 * time.Second)
		synctest.Wait()

		writes := dialer.lastConn().written()
		require.NotEmpty(t, writes)
		assert.JSONEq(t, `{"event":"ping"}`, string(writes[0]))
	})
}
