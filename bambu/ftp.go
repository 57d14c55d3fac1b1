package bambu

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sourcegraph/conc"

	"github.com/john/printbridge/printer"
)

const (
	ftpPort     = 990
	ftpUsername = "bblp"
)

// FileSession is an open file-transfer session to one device.
type FileSession interface {
	Upload(ctx context.Context, remotePath string, r io.Reader) error
	List(ctx context.Context, dir string) ([]printer.FileInfo, error)
	Download(ctx context.Context, remotePath string, w io.Writer) (int64, error)
}

// FileStore produces file-transfer sessions, reusing an open one when it
// is still healthy.
type FileStore interface {
	Session(ctx context.Context, host, serial, token string) (FileSession, error)
	Close() error
}

// errStoreClosed is returned to a dial that completes after Close.
var errStoreClosed = errors.New("ftps store closed")

// ftpConn is the part of *ftp.ServerConn a session uses.
type ftpConn interface {
	NoOp() error
	Quit() error
	Stor(path string, r io.Reader) error
	List(path string) ([]*ftp.Entry, error)
	Retr(path string) (*ftp.Response, error)
}

// pendingSession is an in-flight lookup for one key. Callers that ask for
// the key while it exists wait on done and share the outcome.
type pendingSession struct {
	done chan struct{}
	sess *ftpSession
	err  error
}

// FTPSStore is a FileStore backed by implicit FTPS on port 990.
type FTPSStore struct {
	tlsConfig *tls.Config
	timeout   time.Duration
	logger    *slog.Logger
	dial      func(ctx context.Context, key connKey, token string) (ftpConn, error)

	mu       sync.Mutex
	gen      uint64
	sessions map[connKey]*ftpSession
	pending  map[connKey]*pendingSession
}

// NewFTPSStore creates a store dialing with the given TLS configuration.
func NewFTPSStore(tlsConfig *tls.Config, timeout time.Duration, logger *slog.Logger) *FTPSStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FTPSStore{
		tlsConfig: tlsConfig,
		timeout:   timeout,
		logger:    logger,
		sessions:  make(map[connKey]*ftpSession),
		pending:   make(map[connKey]*pendingSession),
	}
	s.dial = s.dialFTPS
	return s
}

// Session returns the open session for (host, serial), dialing if needed.
// The store lock is never held across network I/O, so a slow dial or a
// long transfer for one device does not hold up any other.
func (s *FTPSStore) Session(ctx context.Context, host, serial, token string) (FileSession, error) {
	key := connKey{host: host, serial: serial}

	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		s.mu.Unlock()
		select {
		case <-p.done:
			if p.err != nil {
				return nil, p.err
			}
			return p.sess, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingSession{done: make(chan struct{})}
	s.pending[key] = p
	gen := s.gen
	cached := s.sessions[key]
	s.mu.Unlock()

	sess, err := s.open(ctx, key, token, cached)

	s.mu.Lock()
	if s.pending[key] == p {
		delete(s.pending, key)
	}
	if err == nil && gen != s.gen {
		// Close ran while this lookup was in flight.
		s.mu.Unlock()
		sess.close()
		sess, err = nil, fmt.Errorf("ftps session %s: %w", key, errStoreClosed)
		s.mu.Lock()
	}
	if err == nil {
		s.sessions[key] = sess
	}
	p.sess, p.err = sess, err
	close(p.done)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return sess, nil
}

// open reuses cached when it still answers, otherwise dials a new session.
func (s *FTPSStore) open(ctx context.Context, key connKey, token string, cached *ftpSession) (*ftpSession, error) {
	if cached != nil {
		if cached.alive() {
			return cached, nil
		}
		s.mu.Lock()
		if s.sessions[key] == cached {
			delete(s.sessions, key)
		}
		s.mu.Unlock()
		cached.close()
		s.logger.Debug("ftps session stale", "key", key.String())
	}

	conn, err := s.dial(ctx, key, token)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("ftps session opened", "key", key.String())
	return &ftpSession{conn: conn, key: key}, nil
}

func (s *FTPSStore) dialFTPS(ctx context.Context, key connKey, token string) (ftpConn, error) {
	tlsConfig := s.tlsConfig.Clone()
	if !tlsConfig.InsecureSkipVerify {
		tlsConfig.ServerName = key.serial
	}
	addr := net.JoinHostPort(key.host, strconv.Itoa(ftpPort))
	conn, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(s.timeout),
		ftp.DialWithTLS(tlsConfig),
	)
	if err != nil {
		return nil, fmt.Errorf("ftps dial %s: %w", addr, err)
	}
	if err := conn.Login(ftpUsername, token); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftps login %s: %w", addr, err)
	}
	return conn, nil
}

// Close ends every open session. Lookups still in flight fail with
// errStoreClosed.
func (s *FTPSStore) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[connKey]*ftpSession)
	s.pending = make(map[connKey]*pendingSession)
	s.gen++
	s.mu.Unlock()

	var wg conc.WaitGroup
	for key, sess := range sessions {
		wg.Go(func() {
			if err := sess.close(); err != nil {
				s.logger.Warn("ftps quit failed", "key", key.String(), "error", err)
			}
		})
	}
	wg.Wait()
	return nil
}

// ftpSession serializes access to one control connection.
type ftpSession struct {
	key  connKey
	mu   sync.Mutex
	conn ftpConn
}

// alive reports whether the session can be reused. A session busy with a
// transfer is in use and therefore alive; callers queue behind it.
func (f *ftpSession) alive() bool {
	if !f.mu.TryLock() {
		return true
	}
	defer f.mu.Unlock()
	return f.conn.NoOp() == nil
}

func (f *ftpSession) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.Quit()
}

func (f *ftpSession) Upload(ctx context.Context, remotePath string, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.conn.Stor(remotePath, r); err != nil {
		return fmt.Errorf("ftps stor %s: %w", remotePath, err)
	}
	return nil
}

func (f *ftpSession) List(ctx context.Context, dir string) ([]printer.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := f.conn.List(dir)
	if err != nil {
		return nil, fmt.Errorf("ftps list %s: %w", dir, err)
	}
	var result []printer.FileInfo
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		result = append(result, printer.FileInfo{
			Name:     e.Name,
			Path:     path.Join(dir, e.Name),
			Size:     int64(e.Size),
			Modified: e.Time,
		})
	}
	return result, nil
}

func (f *ftpSession) Download(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	resp, err := f.conn.Retr(remotePath)
	if err != nil {
		return 0, fmt.Errorf("ftps retr %s: %w", remotePath, err)
	}
	defer resp.Close()
	n, err := io.Copy(w, resp)
	if err != nil {
		return n, fmt.Errorf("reading %s: %w", remotePath, err)
	}
	return n, nil
}
