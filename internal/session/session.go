// Package session owns the TCP/TLS connection lifecycle to the pool:
// dialing, the optional TLS handshake, socket timeouts, and the three
// timers (work, response, hashrate debounce) described in §4.2.
//
// All callbacks registered on a Session run on a single goroutine (the
// "reactor"), matching the design note in §9: a single-threaded event
// loop serializes every handler so the id=1/2/3 subscribe/authorize
// chain in the protocol engine can't be reordered by concurrent I/O.
package session

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bep/debounce"

	"gpuminer/internal/config"
	"gpuminer/internal/logger"
	"gpuminer/internal/wire"
)

// socketTimeout bounds the TCP dial, the TLS handshake and every socket
// write. Reads carry no deadline.
const socketTimeout = 10 * time.Second

// responseTimeout is fixed by the specification at 2s (§4.2).
const responseTimeout = 2 * time.Second

// Session is safe to Stop concurrently with its own reactor loop but
// its callbacks (OnLine, OnDisconnected, ...) are only ever invoked
// from the reactor goroutine.
type Session struct {
	log *logger.Logger

	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	actions chan func()
	lines   chan []byte
	readErr chan error
	stopCh  chan struct{}
	closed  sync.Once

	workTimer     *time.Timer
	responseTimer *time.Timer
	debounceFire  func(f func())

	workTimeout time.Duration

	// OnLine is called on the reactor goroutine for every well-formed
	// (non-empty) line read from the socket.
	OnLine func(line []byte)
	// OnDisconnected is called exactly once, on the reactor goroutine,
	// when the session terminates for any reason (socket error, work
	// timeout, response timeout, or explicit Stop).
	OnDisconnected func(err error)
	// OnWorkTimeout fires before OnDisconnected when the work timer
	// expires, so the protocol engine can distinguish the cause.
	OnWorkTimeout func()
	// OnResponseTimeout fires before OnDisconnected when a submission
	// response doesn't arrive within 2s.
	OnResponseTimeout func()
}

// Dial opens the socket to the pool endpoint, performing a TLS
// handshake when the endpoint's security level requires one. The dial
// and the handshake are each bounded by socketTimeout; Send applies the
// same timeout to every write, and reads have no timeout.
func Dial(log *logger.Logger, pool config.PoolConfig, workTimeout time.Duration, hashrateDebounce time.Duration) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", pool.Host, pool.Port)

	raw, err := net.DialTimeout("tcp", addr, socketTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
		tc.SetNoDelay(true)
	}

	conn := raw
	if pool.Security != config.SecurityNone {
		tlsConn, err := handshakeTLS(raw, pool)
		if err != nil {
			raw.Close()
			if isVerificationError(err) {
				log.Errorf("session", "TLS verification failed for %s: %v (use tls-allow-selfsigned if this pool uses a self-signed certificate)", addr, err)
			}
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	s := &Session{
		log:          log,
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, 8192),
		actions:      make(chan func(), 64),
		lines:        make(chan []byte, 64),
		readErr:      make(chan error, 1),
		stopCh:       make(chan struct{}),
		workTimeout:  workTimeout,
		debounceFire: debounce.New(hashrateDebounce),
	}
	return s, nil
}

func handshakeTLS(conn net.Conn, pool config.PoolConfig) (*tls.Conn, error) {
	cfg := &tls.Config{ServerName: pool.Host}

	switch pool.Security {
	case config.SecurityTLS12:
		cfg.MinVersion = tls.VersionTLS12
	case config.SecurityTLSAllowSelfSigned:
		cfg.InsecureSkipVerify = true
	}

	if !cfg.InsecureSkipVerify {
		certPool, err := systemCertPool()
		if err == nil && certPool != nil {
			cfg.RootCAs = certPool
		}
	}

	tlsConn := tls.Client(conn, cfg)
	tlsConn.SetDeadline(time.Now().Add(socketTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// systemCertPool mirrors §6's TLS roots: on POSIX, SSL_CERT_FILE or the
// distro CA bundle; crypto/tls.Config.RootCAs=nil already does the
// platform-correct thing on Windows, so this only needs to special-case
// the POSIX override.
func systemCertPool() (*x509.CertPool, error) {
	if path := os.Getenv("SSL_CERT_FILE"); path != "" {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(pem)
		return pool, nil
	}
	if pool, err := x509.SystemCertPool(); err == nil {
		return pool, nil
	}
	pem, err := os.ReadFile("/etc/ssl/certs/ca-certificates.crt")
	if err != nil {
		return nil, nil // fall back to Go's default (nil RootCAs)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(pem)
	return pool, nil
}

func isVerificationError(err error) bool {
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	return errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) || errors.As(err, &certInvalid)
}

// Run starts the dedicated read goroutine and the single-threaded
// reactor loop. It blocks until the session terminates.
func (s *Session) Run() {
	go s.readLoop()
	s.resetWorkTimer()
	defer s.stopTimers()

	for {
		select {
		case line := <-s.lines:
			if len(line) == 0 {
				continue
			}
			if s.OnLine != nil {
				s.OnLine(line)
			}
		case err := <-s.readErr:
			s.terminate(err)
			return
		case fn := <-s.actions:
			fn()
		case <-s.workTimerC():
			s.log.Warnf("session", "work timeout: no work received in %s", s.workTimeout)
			if s.OnWorkTimeout != nil {
				s.OnWorkTimeout()
			}
			s.terminate(fmt.Errorf("work timeout"))
			return
		case <-s.responseTimerC():
			s.log.Warnf("session", "response timeout: no response received within %s", responseTimeout)
			if s.OnResponseTimeout != nil {
				s.OnResponseTimeout()
			}
			s.terminate(fmt.Errorf("response timeout"))
			return
		case <-s.stopCh:
			s.terminate(nil)
			return
		}
	}
}

// Do schedules fn to run on the reactor goroutine. Safe to call from
// any goroutine (notably the search loop posting a solution).
func (s *Session) Do(fn func()) {
	select {
	case s.actions <- fn:
	case <-s.stopCh:
	}
}

func (s *Session) readLoop() {
	for {
		line, err := wire.ReadFrame(s.reader)
		if err != nil {
			select {
			case s.readErr <- err:
			case <-s.stopCh:
			}
			return
		}
		if !wire.WellFormed(line) {
			// Defensive against partial reads (§4.1): the line is
			// dropped without a log line, in every dialect.
			continue
		}
		select {
		case s.lines <- line:
		case <-s.stopCh:
			return
		}
	}
}

// Send writes one frame to the socket. Safe for concurrent callers;
// serialized by writeMu the way the teacher's upstream client
// serializes writes.
func (s *Session) Send(body []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(socketTimeout))
	_, err := s.conn.Write(wire.Encode(body))
	return err
}

// ResetWorkTimer rearms the work timer; called whenever a new work
// package is received.
func (s *Session) ResetWorkTimer() {
	s.Do(s.resetWorkTimer)
}

func (s *Session) resetWorkTimer() {
	if s.workTimer != nil {
		s.workTimer.Stop()
	}
	s.workTimer = time.NewTimer(s.workTimeout)
}

func (s *Session) workTimerC() <-chan time.Time {
	if s.workTimer == nil {
		return nil
	}
	return s.workTimer.C
}

// ArmResponseTimer starts the 2s response timeout after submitSolution.
func (s *Session) ArmResponseTimer() {
	s.Do(func() {
		if s.responseTimer != nil {
			s.responseTimer.Stop()
		}
		s.responseTimer = time.NewTimer(responseTimeout)
	})
}

// CancelResponseTimer stops the response timer once a submit reply
// arrives. Called from handleSubmitResponse, which already runs on the
// reactor goroutine, so this must act inline rather than queue through
// Do: queuing would leave a window where the timer could still fire in
// Run's select before the cancel is processed.
func (s *Session) CancelResponseTimer() {
	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}
}

func (s *Session) responseTimerC() <-chan time.Time {
	if s.responseTimer == nil {
		return nil
	}
	return s.responseTimer.C
}

// DebounceHashrate coalesces rapid submitHashrate calls into one send
// after the configured trailing delay (§4.2).
func (s *Session) DebounceHashrate(fn func()) {
	s.debounceFire(fn)
}

func (s *Session) stopTimers() {
	if s.workTimer != nil {
		s.workTimer.Stop()
	}
	if s.responseTimer != nil {
		s.responseTimer.Stop()
	}
}

func (s *Session) terminate(err error) {
	s.conn.Close()
	if s.OnDisconnected != nil {
		s.OnDisconnected(err)
	}
}

// Stop disconnects the session. Pending reads are aborted and
// swallowed by readLoop observing stopCh.
func (s *Session) Stop() {
	s.closed.Do(func() {
		close(s.stopCh)
		s.conn.Close()
	})
}

// Backoff reproduces the teacher's reconnectLoop policy
// (upstream/client.go: double the delay on every failure, cap it, add
// jitter, reset on success) as a reusable value a supervisor can drive
// instead of inlining the loop at every call site.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

// NewBackoff builds a Backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{Initial: initial, Max: max, current: initial}
}

// Next returns the delay to wait before the next attempt and advances
// the internal state for the one after that.
func (b *Backoff) Next() time.Duration {
	delay := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return delay + jitter
}

// Reset is called after a successful connection so the next failure
// starts from Initial again.
func (b *Backoff) Reset() {
	b.current = b.Initial
}
