package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Gateway op codes.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpPresence       = 3
	OpVoiceState     = 4
	OpVoicePing      = 5
	OpResume         = 6
	OpReconnect      = 7
	OpRequestMembers = 8
	OpInvalidSession = 9
	OpHello          = 10
	OpHeartbeatAck   = 11
	OpGuildSync      = 12
)

// Close codes sent by the gateway.
const (
	CloseUnknownError      = 4000
	CloseInvalidSequence   = 4007
	CloseSessionTimeout    = 4009
	CloseAuthFailed        = 4004
	CloseInvalidShard      = 4010
	CloseShardingRequired  = 4011
	CloseInvalidAPIVersion = 4012
	CloseInvalidIntents    = 4013
	CloseDisallowedIntents = 4014
	CloseInvalidToken      = 4801
)

// closeAction is the reconnect decision derived from a close code.
type closeAction int

const (
	actionResume closeAction = iota
	actionIdentify
	actionFatal
)

// classifyClose maps a websocket close code to a reconnect decision.
func classifyClose(code int) closeAction {
	switch code {
	case CloseAuthFailed, CloseInvalidShard, CloseShardingRequired,
		CloseInvalidAPIVersion, CloseInvalidIntents, CloseDisallowedIntents,
		CloseInvalidToken:
		return actionFatal
	case 1000, 1001, CloseInvalidSequence, CloseSessionTimeout:
		// The session is gone but the credentials are fine.
		return actionIdentify
	default:
		return actionResume
	}
}

// Errors.
var (
	ErrNotConnected = errors.New("gateway: not connected")
	ErrBadHello     = errors.New("gateway: first frame was not HELLO")
)

// CloseError is a websocket closure the connection cannot recover from.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway closed with code %d: %s", e.Code, e.Text)
}

// ReconnectError signals that the connection should be re-established.
// Resume reports whether the prior session can be resumed; otherwise the
// caller must clear the session and send a fresh Identify.
type ReconnectError struct {
	ShardID int
	Resume  bool
}

func (e *ReconnectError) Error() string {
	if e.Resume {
		return fmt.Sprintf("gateway: shard %d reconnecting (resume)", e.ShardID)
	}
	return fmt.Sprintf("gateway: shard %d reconnecting (identify)", e.ShardID)
}

// State is the lifecycle state of a shard's connection.
type State int32

const (
	StateConnecting State = iota
	StateIdentifying
	StateConnected
	StateZombied
	StateReconnecting
	StateResuming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateConnected:
		return "connected"
	case StateZombied:
		return "zombied"
	case StateReconnecting:
		return "reconnecting"
	case StateResuming:
		return "resuming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Frame is the gateway wire envelope.
type Frame struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// HelloData is the payload of the first frame on any connection.
type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// IdentifyData starts a fresh session.
type IdentifyData struct {
	Token      string             `json:"token"`
	Intents    int64              `json:"intents"`
	Shard      [2]int             `json:"shard"`
	Properties IdentifyProperties `json:"properties"`
}

// ResumeData reattaches to a prior session.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// ReadyData is the payload of the READY dispatch.
type ReadyData struct {
	Version   int             `json:"version"`
	SessionID string          `json:"session_id"`
	ResumeURL string          `json:"resume_gateway_url"`
	User      json.RawMessage `json:"user"`
	Shard     [2]int          `json:"shard"`
}

// heartbeatFrame is marshaled separately so a missing sequence encodes as
// an explicit null.
type heartbeatFrame struct {
	Op   int    `json:"op"`
	Data *int64 `json:"d"`
}

// Session is the per-shard protocol state. It is owned exclusively by its
// Conn; external readers go through the accessor methods.
type Session struct {
	ShardID    int
	ShardCount int

	mu        sync.Mutex
	sessionID string
	resumeURL string

	// sequence is the last observed dispatch sequence, -1 until the first
	// dispatch arrives.
	sequence atomic.Int64

	heartbeatInterval time.Duration
}

// NewSession creates the session state for one shard.
func NewSession(shardID, shardCount int) *Session {
	s := &Session{ShardID: shardID, ShardCount: shardCount}
	s.sequence.Store(-1)
	return s
}

// Sequence returns the last observed dispatch sequence and whether any
// dispatch has been seen at all.
func (s *Session) Sequence() (int64, bool) {
	v := s.sequence.Load()
	return v, v >= 0
}

// observeSequence records a dispatch sequence. Sequence values are
// monotonic non-decreasing; stale values are ignored.
func (s *Session) observeSequence(seq int64) {
	for {
		cur := s.sequence.Load()
		if seq <= cur {
			return
		}
		if s.sequence.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// HeartbeatInterval returns the server-advertised heartbeat interval, zero
// until HELLO has arrived.
func (s *Session) HeartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatInterval
}

func (s *Session) setHeartbeatInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatInterval = d
}

// ID returns the server-assigned session id, empty until READY.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// ResumeURL returns the gateway URL to resume against, if the server
// provided one.
func (s *Session) ResumeURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeURL
}

func (s *Session) setReady(id, resumeURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	if resumeURL != "" {
		s.resumeURL = resumeURL
	}
}

// Resumable reports whether enough state exists to attempt a Resume.
func (s *Session) Resumable() bool {
	_, ok := s.Sequence()
	return ok && s.ID() != ""
}

// Clear drops all resumable state, forcing the next handshake to Identify.
func (s *Session) Clear() {
	s.mu.Lock()
	s.sessionID = ""
	s.resumeURL = ""
	s.mu.Unlock()
	s.sequence.Store(-1)
}
