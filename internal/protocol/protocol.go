// Package protocol implements component C of the specification: the
// dialect-aware state machine sitting on top of a session.Session,
// speaking one of "stratum", "ethproxy" or "ethereum-stratum" to the
// pool and translating its wire messages to and from work.WorkPackage
// and work.Solution values.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"gpuminer/internal/config"
	"gpuminer/internal/logger"
	"gpuminer/internal/session"
	"gpuminer/internal/work"
)

// State is the connection state machine from §4.3.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateExtranonceSubscribing
	StateAuthorizing
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateExtranonceSubscribing:
		return "extranonce-subscribing"
	case StateAuthorizing:
		return "authorizing"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// fixed message ids: each message kind carries a constant id, matching
// the wire examples in §6; they tag a message kind, not a per-call
// correlation id.
const (
	idSubscribe           = 1
	idExtranonceSubscribe = 2
	idAuthorize           = 3
	idSubmit              = 4
	idGetWork             = 5
	idSubmitHashrate      = 6
)

const clientVersion = "gpuminer/1.0.0"

// sessionState is the per-connection mutable state from §3: extranonce,
// outstanding-response bookkeeping and the session-wide difficulty.
type sessionState struct {
	authorized         bool
	nextWorkDifficulty float64
	extraNonce         [8]byte
	extraNonceHexSize  uint8
	responsePending    bool
	staleFlag          bool
}

// Engine drives one pool connection through the subscribe/authorize/run
// state machine and translates dialect-specific wire shapes to and from
// the shared work.WorkPackage/work.Solution types.
type Engine struct {
	log     *logger.Logger
	pool    config.PoolConfig
	sess    *session.Session
	runUUID uuid.UUID

	state State
	st    sessionState

	current work.WorkPackage

	// OnWorkPackage is invoked on the session reactor goroutine whenever
	// a new work package supersedes the current one (§4.3: "only when
	// the header hash differs").
	OnWorkPackage func(work.WorkPackage)
	// OnSolutionAccepted/OnSolutionRejected report a submission's final
	// outcome, stale indicating a superseding notify arrived while the
	// submission was outstanding.
	OnSolutionAccepted func(stale bool)
	OnSolutionRejected func(stale bool)
	// OnDisconnected forwards the session's terminal error.
	OnDisconnected func(err error)
}

// NewEngine constructs an Engine bound to freshly dialed session. Call
// Run to start the handshake.
func NewEngine(log *logger.Logger, pool config.PoolConfig, workTimeout, hashrateDebounce time.Duration, runUUID uuid.UUID) (*Engine, error) {
	sess, err := session.Dial(log, pool, workTimeout, hashrateDebounce)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		log:     log,
		pool:    pool,
		sess:    sess,
		runUUID: runUUID,
		state:   StateConnecting,
		st:      sessionState{nextWorkDifficulty: 1.0},
	}
	sess.OnLine = e.handleLine
	sess.OnDisconnected = e.handleDisconnected
	sess.OnWorkTimeout = func() { log.Warnf("protocol", "no work for %s, reconnecting", pool.Host) }
	sess.OnResponseTimeout = func() { log.Warnf("protocol", "submission response timed out") }
	return e, nil
}

// Run starts the session reactor (blocking) after kicking off the
// subscribe handshake. Call from its own goroutine.
func (e *Engine) Run() {
	e.sess.Do(e.beginHandshake)
	e.sess.Run()
}

// Stop tears down the underlying session.
func (e *Engine) Stop() { e.sess.Stop() }

func (e *Engine) beginHandshake() {
	e.state = StateSubscribing
	if err := e.sess.Send(e.encodeSubscribe()); err != nil {
		e.log.Errorf("protocol", "send subscribe: %v", err)
	}
}

// SubmitSolution sends an id=4 submission for sol, arming the response
// timer and the stale-submission tracking from §3/§4.3.
func (e *Engine) SubmitSolution(sol work.Solution) {
	e.sess.Do(func() {
		body, err := e.encodeSubmit(sol)
		if err != nil {
			e.log.Errorf("protocol", "encode submit: %v", err)
			return
		}
		e.st.responsePending = true
		e.st.staleFlag = sol.Stale
		if err := e.sess.Send(body); err != nil {
			e.log.Errorf("protocol", "send submit: %v", err)
			return
		}
		e.sess.ArmResponseTimer()
	})
}

// SubmitHashrate debounces and sends an id=6 eth_submitHashrate, per the
// dialects that support it (§4.3/§6: ethproxy and ethereum-stratum).
func (e *Engine) SubmitHashrate(hashesPerSecond float64) {
	if e.pool.Dialect == config.DialectStratum {
		return
	}
	e.sess.DebounceHashrate(func() {
		e.sess.Do(func() {
			body := e.encodeSubmitHashrate(hashesPerSecond)
			if err := e.sess.Send(body); err != nil {
				e.log.Errorf("protocol", "send hashrate: %v", err)
			}
		})
	})
}

// --- inbound dispatch -------------------------------------------------

type inboundEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (e *Engine) handleLine(line []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		e.log.Warnf("protocol", "unparseable line: %q", line)
		return
	}

	switch {
	case env.Method == "client.get_version":
		e.replyVersion(env.ID)
	case env.Method == "mining.notify" || env.Method == "mining.get_work" || env.Method == "eth_getWork":
		e.handleNotify(env.Params)
	case env.Method == "mining.set_difficulty":
		e.handleSetDifficulty(env.Params)
	case env.Method == "mining.set_extranonce":
		e.handleSetExtranonce(env.Params)
	case env.Method != "":
		e.log.Debugf("protocol", "unhandled notification: %s", env.Method)
	default:
		e.handleResponse(env)
	}
}

func (e *Engine) handleResponse(env inboundEnvelope) {
	switch e.state {
	case StateSubscribing:
		e.handleSubscribeResponse(env)
	case StateExtranonceSubscribing:
		e.state = StateAuthorizing
		e.sendAuthorize()
	case StateAuthorizing:
		e.handleAuthorizeResponse(env)
	default:
		if e.st.responsePending && strings.Trim(string(env.ID), `"`) == strconv.Itoa(idSubmit) {
			e.handleSubmitResponse(env)
			return
		}
		// Likely the eth_getWork bootstrap reply for ethproxy.
		if len(env.Result) > 0 && e.pool.Dialect == config.DialectEthproxy {
			e.applyNotifyParams(env.Result)
		}
	}
}

func (e *Engine) handleSubscribeResponse(env inboundEnvelope) {
	if e.pool.Dialect == config.DialectEthereumStratum {
		var result []json.RawMessage
		if err := json.Unmarshal(env.Result, &result); err == nil && len(result) >= 2 {
			var extranonceHex string
			if err := json.Unmarshal(result[1], &extranonceHex); err == nil {
				e.applyExtranonce(extranonceHex)
			}
		}
		e.state = StateExtranonceSubscribing
		if err := e.sess.Send(e.encodeExtranonceSubscribe()); err != nil {
			e.log.Errorf("protocol", "send extranonce subscribe: %v", err)
		}
		return
	}

	if e.pool.Dialect == config.DialectEthproxy {
		// eth_submitLogin's own reply doubles as the authorization
		// result; there is no separate mining.authorize round trip.
		e.st.authorized = true
		e.state = StateRunning
		if err := e.sess.Send(e.encodeGetWork()); err != nil {
			e.log.Errorf("protocol", "send getwork: %v", err)
		}
		return
	}

	e.state = StateAuthorizing
	e.sendAuthorize()
}

func (e *Engine) sendAuthorize() {
	if err := e.sess.Send(e.encodeAuthorize()); err != nil {
		e.log.Errorf("protocol", "send authorize: %v", err)
	}
}

func (e *Engine) handleAuthorizeResponse(env inboundEnvelope) {
	var ok bool
	if err := json.Unmarshal(env.Result, &ok); err != nil || !ok {
		e.log.Warnf("protocol", "pool %s rejected authorization", e.pool.Host)
		e.sess.Stop()
		return
	}
	e.st.authorized = true
	e.state = StateRunning
}

func (e *Engine) handleSubmitResponse(env inboundEnvelope) {
	e.sess.CancelResponseTimer()
	stale := e.st.staleFlag
	e.st.responsePending = false
	e.st.staleFlag = false

	accepted := len(env.Error) == 0 || string(env.Error) == "null"
	if accepted {
		var asBool bool
		if json.Unmarshal(env.Result, &asBool) == nil {
			accepted = asBool
		}
	}

	if accepted {
		if e.OnSolutionAccepted != nil {
			e.OnSolutionAccepted(stale)
		}
	} else {
		if e.OnSolutionRejected != nil {
			e.OnSolutionRejected(stale)
		}
	}
}

func (e *Engine) replyVersion(id json.RawMessage) {
	body, _ := json.Marshal(struct {
		ID     json.RawMessage `json:"id"`
		Result string          `json:"result"`
		Error  interface{}     `json:"error"`
	}{ID: id, Result: clientVersion, Error: nil})
	if err := e.sess.Send(body); err != nil {
		e.log.Errorf("protocol", "reply client.get_version: %v", err)
	}
}

func (e *Engine) handleSetDifficulty(params json.RawMessage) {
	var args []float64
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return
	}
	d := args[0]
	if d < minDifficulty {
		d = minDifficulty
	}
	e.st.nextWorkDifficulty = d
}

func (e *Engine) handleSetExtranonce(params json.RawMessage) {
	var args []string
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return
	}
	e.applyExtranonce(args[0])
}

func (e *Engine) applyExtranonce(hexStr string) {
	hexStr = strings.TrimPrefix(hexStr, "0x")
	e.st.extraNonceHexSize = uint8(len(hexStr))
	padded := hexStr + strings.Repeat("0", 16-len(hexStr))
	raw, err := hex.DecodeString(padded)
	if err != nil || len(raw) != 8 {
		e.log.Warnf("protocol", "malformed extranonce %q", hexStr)
		return
	}
	copy(e.st.extraNonce[:], raw)
}

func (e *Engine) handleNotify(params json.RawMessage) {
	e.applyNotifyParams(params)
}

// applyNotifyParams decodes the dialect-specific job-notify payload into
// a work.WorkPackage and, if the header hash actually changed (§4.3),
// publishes it and resets the work timer.
func (e *Engine) applyNotifyParams(params json.RawMessage) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		e.log.Warnf("protocol", "malformed notify params: %v", err)
		return
	}

	var w work.WorkPackage
	var err error
	switch e.pool.Dialect {
	case config.DialectEthereumStratum:
		w, err = e.parseEthereumStratumNotify(raw)
	default:
		w, err = e.parseStratumOrEthproxyNotify(raw)
	}
	if err != nil {
		e.log.Warnf("protocol", "notify: %v", err)
		return
	}

	w.Boundary = e.currentBoundary(w)

	if w.Equal(e.current) {
		return
	}

	if e.st.responsePending {
		e.st.staleFlag = true
	}

	e.current = w
	if e.sess != nil {
		e.sess.ResetWorkTimer()
	}
	if e.OnWorkPackage != nil {
		e.OnWorkPackage(w)
	}
}

func (e *Engine) currentBoundary(w work.WorkPackage) work.Hash {
	if e.pool.Dialect == config.DialectEthereumStratum {
		return diffToTarget(e.st.nextWorkDifficulty)
	}
	return w.Boundary
}

func (e *Engine) parseStratumOrEthproxyNotify(raw []json.RawMessage) (work.WorkPackage, error) {
	var w work.WorkPackage
	w.Height = e.current.Height

	idx := 0
	var jobID string
	if len(raw) >= 5 {
		if err := json.Unmarshal(raw[0], &jobID); err == nil {
			w.JobID = jobID
			idx = 1
		}
	}

	if len(raw) < idx+2 {
		return w, fmt.Errorf("notify: too few params")
	}

	header, err := decodeHash(raw[idx])
	if err != nil {
		return w, fmt.Errorf("header hash: %w", err)
	}
	seed, err := decodeHash(raw[idx+1])
	if err != nil {
		return w, fmt.Errorf("seed hash: %w", err)
	}
	w.Header = header
	w.SeedHash = seed

	if len(raw) > idx+2 {
		target, err := decodeTarget(raw[idx+2])
		if err != nil {
			return w, fmt.Errorf("target: %w", err)
		}
		w.Boundary = target
	}
	if len(raw) > idx+3 {
		var height string
		if err := json.Unmarshal(raw[idx+3], &height); err == nil {
			w.Height = parseHexOrDecimal(height)
		}
	}
	w.JobLen = len(w.JobID)
	w.ExtraSizeBits = -1
	return w, nil
}

func (e *Engine) parseEthereumStratumNotify(raw []json.RawMessage) (work.WorkPackage, error) {
	if len(raw) < 4 {
		return work.WorkPackage{}, fmt.Errorf("ethereum-stratum notify: expected 4 params, got %d", len(raw))
	}
	var jobID string
	if err := json.Unmarshal(raw[0], &jobID); err != nil {
		return work.WorkPackage{}, fmt.Errorf("job id: %w", err)
	}
	seed, err := decodeHash(raw[1])
	if err != nil {
		return work.WorkPackage{}, fmt.Errorf("seed hash: %w", err)
	}
	header, err := decodeHash(raw[2])
	if err != nil {
		return work.WorkPackage{}, fmt.Errorf("header hash: %w", err)
	}
	var height uint64
	var heightStr string
	if err := json.Unmarshal(raw[3], &heightStr); err == nil {
		height = parseHexOrDecimal(heightStr)
	}

	paddedID, jobLen := padJobID(jobID)
	return work.WorkPackage{
		Header:        header,
		SeedHash:      seed,
		Height:        height,
		JobID:         paddedID,
		JobLen:        jobLen,
		StartNonce:    binary.BigEndian.Uint64(e.st.extraNonce[:]),
		ExtraSizeBits: 4 * int(e.st.extraNonceHexSize),
	}, nil
}

// padJobID right-pads a job id to 32 bytes (64 hex chars) for internal
// storage, per §3/§4.3; jobLen records the original length so a
// submission can truncate it back.
func padJobID(id string) (string, int) {
	id = strings.TrimPrefix(id, "0x")
	n := len(id)
	if n >= 64 {
		return id[:64], n
	}
	return id + strings.Repeat("0", 64-n), n
}

func decodeHash(raw json.RawMessage) (work.Hash, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return work.Hash{}, err
	}
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return work.Hash{}, err
	}
	var h work.Hash
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(h[32-len(b):], b)
	return h, nil
}

// decodeTarget applies the "coinmine.pl fix" (§4.3/§9): some pools send
// a short target string that must be zero-padded on the left (not
// appended on the right) before being read as a big-endian boundary, or
// a target like "1234" would decode as an enormous, trivially-met
// boundary instead of the tiny one it actually names.
func decodeTarget(raw json.RawMessage) (work.Hash, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return work.Hash{}, err
	}
	s = strings.TrimPrefix(s, "0x")
	if len(s) < 64 {
		s = strings.Repeat("0", 64-len(s)) + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return work.Hash{}, err
	}
	var h work.Hash
	copy(h[:], b)
	return h, nil
}

func parseHexOrDecimal(s string) uint64 {
	if strings.HasPrefix(s, "0x") {
		v, _ := strconv.ParseUint(s[2:], 16, 64)
		return v
	}
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
