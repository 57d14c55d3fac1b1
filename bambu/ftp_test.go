package bambu

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a control connection whose Stor can be held open.
type fakeConn struct {
	noopErr error
	stored  chan struct{}
	release chan struct{}
	noops   atomic.Int32
	quits   atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{stored: make(chan struct{}, 1), release: make(chan struct{})}
}

func (c *fakeConn) NoOp() error {
	c.noops.Add(1)
	return c.noopErr
}

func (c *fakeConn) Quit() error {
	c.quits.Add(1)
	return nil
}

func (c *fakeConn) Stor(_ string, r io.Reader) error {
	c.stored <- struct{}{}
	<-c.release
	_, err := io.Copy(io.Discard, r)
	return err
}

func (c *fakeConn) List(string) ([]*ftp.Entry, error) {
	return []*ftp.Entry{
		{Name: "cache", Type: ftp.EntryTypeFolder},
		{Name: "plate.3mf", Type: ftp.EntryTypeFile, Size: 42},
	}, nil
}

func (c *fakeConn) Retr(string) (*ftp.Response, error) {
	return nil, errors.New("550 not found")
}

// fakeDialer hands out fakeConns and counts dials per serial. A serial
// listed in gates blocks until its channel is closed.
type fakeDialer struct {
	mu    sync.Mutex
	dials map[string]int
	conns map[string][]*fakeConn
	gates map[string]chan struct{}
	// started receives the serial of every dial as it begins.
	started chan string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		dials:   make(map[string]int),
		conns:   make(map[string][]*fakeConn),
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

func (d *fakeDialer) dial(ctx context.Context, key connKey, _ string) (ftpConn, error) {
	d.mu.Lock()
	d.dials[key.serial]++
	gate := d.gates[key.serial]
	d.mu.Unlock()
	d.started <- key.serial

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := newFakeConn()
	d.mu.Lock()
	d.conns[key.serial] = append(d.conns[key.serial], c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) count(serial string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[serial]
}

func newTestStore(d *fakeDialer) *FTPSStore {
	s := NewFTPSStore(nil, time.Second, discardLogger())
	s.dial = d.dial
	return s
}

func TestSlowDialDoesNotBlockOtherDevices(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	gate := make(chan struct{})
	d.gates["SLOW"] = gate
	s := newTestStore(d)
	t.Cleanup(func() { close(gate); s.Close() })
	ctx := context.Background()

	go s.Session(ctx, "10.0.0.1", "SLOW", "tok")
	require.Equal(t, "SLOW", <-d.started)

	done := make(chan error, 1)
	go func() {
		_, err := s.Session(ctx, "10.0.0.2", "FAST", "tok")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("session for another device waited on a pending dial")
	}
}

func TestBusySessionIsReusedWithoutWaiting(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	s := newTestStore(d)
	ctx := context.Background()

	sess, err := s.Session(ctx, "10.0.0.1", "ABC", "tok")
	require.NoError(t, err)
	conn := d.conns["ABC"][0]

	uploaded := make(chan error, 1)
	go func() { uploaded <- sess.Upload(ctx, "/plate.3mf", strings.NewReader("data")) }()
	<-conn.stored

	lookups := make(chan FileSession, 2)
	go func() {
		again, err := s.Session(ctx, "10.0.0.1", "ABC", "tok")
		assert.NoError(t, err)
		lookups <- again
	}()
	go func() {
		other, err := s.Session(ctx, "10.0.0.2", "XYZ", "tok")
		assert.NoError(t, err)
		lookups <- other
	}()
	for range 2 {
		select {
		case got := <-lookups:
			assert.NotNil(t, got)
		case <-time.After(time.Second):
			t.Fatal("lookup blocked behind an in-flight transfer")
		}
	}

	close(conn.release)
	require.NoError(t, <-uploaded)
	assert.Equal(t, 1, d.count("ABC"))
	assert.Zero(t, conn.noops.Load(), "a busy session gets no NOOP")

	require.NoError(t, s.Close())
	assert.Equal(t, int32(1), conn.quits.Load())
}

func TestConcurrentLookupsShareOneDial(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	gate := make(chan struct{})
	d.gates["ABC"] = gate
	s := newTestStore(d)
	ctx := context.Background()

	const callers = 5
	results := make(chan FileSession, callers)
	for range callers {
		go func() {
			sess, err := s.Session(ctx, "10.0.0.1", "ABC", "tok")
			assert.NoError(t, err)
			results <- sess
		}()
	}
	<-d.started
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pending[connKey{host: "10.0.0.1", serial: "ABC"}] != nil
	}, time.Second, 5*time.Millisecond)
	close(gate)

	first := <-results
	for range callers - 1 {
		assert.Same(t, first, <-results)
	}
	assert.Equal(t, 1, d.count("ABC"))
}

func TestStaleSessionIsRedialed(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	s := newTestStore(d)
	ctx := context.Background()

	first, err := s.Session(ctx, "10.0.0.1", "ABC", "tok")
	require.NoError(t, err)
	stale := d.conns["ABC"][0]
	stale.noopErr = errors.New("421 timeout")

	second, err := s.Session(ctx, "10.0.0.1", "ABC", "tok")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, d.count("ABC"))
	assert.Equal(t, int32(1), stale.quits.Load())

	// A healthy idle session answers NOOP and is kept.
	third, err := s.Session(ctx, "10.0.0.1", "ABC", "tok")
	require.NoError(t, err)
	assert.Same(t, second, third)
	assert.Equal(t, int32(1), d.conns["ABC"][1].noops.Load())
}

func TestCloseFailsInflightLookup(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	gate := make(chan struct{})
	d.gates["ABC"] = gate
	s := newTestStore(d)

	errs := make(chan error, 1)
	go func() {
		_, err := s.Session(context.Background(), "10.0.0.1", "ABC", "tok")
		errs <- err
	}()
	<-d.started

	require.NoError(t, s.Close())
	close(gate)

	require.ErrorIs(t, <-errs, errStoreClosed)
	assert.Equal(t, int32(1), d.conns["ABC"][0].quits.Load())
	s.mu.Lock()
	assert.Empty(t, s.sessions)
	assert.Empty(t, s.pending)
	s.mu.Unlock()
}

func TestFTPSessionListSkipsFolders(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	s := newTestStore(d)
	sess, err := s.Session(context.Background(), "10.0.0.1", "ABC", "tok")
	require.NoError(t, err)

	files, err := sess.List(context.Background(), "/")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "plate.3mf", files[0].Name)
	assert.Equal(t, "/plate.3mf", files[0].Path)
	assert.Equal(t, int64(42), files[0].Size)

	_, err = sess.Download(context.Background(), "/missing.3mf", io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftps retr /missing.3mf")
}
