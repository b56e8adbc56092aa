package gateway

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/foxwhite25/qq-go/internal/events"
	"github.com/foxwhite25/qq-go/internal/version"
)

const (
	// The gateway allows 120 frames per 60s window; budgeting 110 leaves
	// room for at least 10 heartbeats per minute, which bypass the limiter.
	defaultSendPerMinute = 110

	// Consecutive undecodable frames tolerated before the connection is
	// treated as zombied.
	maxDecodeFailures = 3

	// Ack latency above this triggers a "falling behind" warning.
	behindThreshold = 10 * time.Second
)

// EventSink receives decoded dispatches in arrival order.
type EventSink interface {
	Publish(ev events.Event) bool
}

// Gate delays Identify attempts so the per-bot identify rate limit is
// honored across all shards. *rate.Limiter satisfies it.
type Gate interface {
	Wait(ctx context.Context) error
}

// StateFunc observes shard state transitions.
type StateFunc func(shardID int, state State)

// Config holds the settings for a single shard connection.
type Config struct {
	URL     string
	Token   string
	Intents int64

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// HeartbeatTimeout is the maximum read-side silence before the
	// connection is considered zombied.
	HeartbeatTimeout time.Duration

	// Outbound frame budget. Heartbeats are exempt.
	SendLimit rate.Limit
	SendBurst int
}

func (cfg *Config) applyDefaults() {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.SendLimit == 0 {
		cfg.SendLimit = rate.Limit(float64(defaultSendPerMinute) / 60.0)
		cfg.SendBurst = defaultSendPerMinute
	}
	if cfg.SendBurst == 0 {
		cfg.SendBurst = 1
	}
}

// Conn owns one shard's websocket connection lifecycle.
type Conn struct {
	cfg     Config
	logger  *slog.Logger
	sink    EventSink
	gate    Gate
	onState StateFunc

	session *Session
	limiter *rate.Limiter

	// mu guards ws; writeMu serializes socket writes so heartbeat and
	// protocol frames never interleave.
	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex

	state atomic.Int32

	lastSend atomic.Int64 // unix nanos of the last heartbeat send
	lastAck  atomic.Int64
	latency  atomic.Int64

	decodeFailures int

	// Transport compression state. The server deflates the whole connection
	// as one continuous zlib stream, so the sliding window must survive
	// across messages; it is reset only on reconnect.
	inflateBuf    bytes.Buffer
	inflateDict   []byte
	zlibHeaderCut bool
}

// Option configures a Conn.
type Option func(*Conn)

// WithIdentifyGate installs the cross-shard identify limiter.
func WithIdentifyGate(g Gate) Option {
	return func(c *Conn) { c.gate = g }
}

// WithStateFunc installs a state transition observer.
func WithStateFunc(fn StateFunc) Option {
	return func(c *Conn) { c.onState = fn }
}

// NewConn creates a connection for the given session. The session persists
// across Run calls so a later Run can resume.
func NewConn(cfg Config, session *Session, sink EventSink, logger *slog.Logger, opts ...Option) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	c := &Conn{
		cfg:     cfg,
		logger:  logger.With("shard_id", session.ShardID),
		sink:    sink,
		session: session,
		limiter: rate.NewLimiter(cfg.SendLimit, cfg.SendBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the protocol state owned by this connection.
func (c *Conn) Session() *Session {
	return c.session
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Latency returns the delay between the last heartbeat and its ack.
func (c *Conn) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// dialURL appends the wire negotiation parameters. Without them the gateway
// serves uncompressed frames and ignores the protocol version.
func dialURL(base string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "encoding=json&v=9&compress=zlib-stream"
}

// Run dials the gateway, performs the handshake, and processes frames until
// the connection ends. It returns ctx.Err() on cancellation, a
// *ReconnectError when the caller should reconnect, or a *CloseError when
// the closure is fatal and must not be retried.
func (c *Conn) Run(ctx context.Context) error {
	resume := c.session.Resumable()
	if resume {
		c.setState(StateResuming)
	} else {
		c.setState(StateConnecting)
	}

	url := c.cfg.URL
	if resume && c.session.ResumeURL() != "" {
		url = c.session.ResumeURL()
	}
	url = dialURL(url)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("gateway dial %s: %w", url, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.lastSend.Store(0)
	c.lastAck.Store(0)
	c.decodeFailures = 0
	c.inflateBuf.Reset()
	c.inflateDict = nil
	c.zlibHeaderCut = false

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	hello, err := c.readHello(ws)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	c.session.setHeartbeatInterval(interval)

	c.logger.Debug("gateway hello received", "heartbeat_interval", interval)

	// Heartbeat and read loop live and die together: the deferred cancel
	// fires before Run returns and the WaitGroup holds until the heartbeat
	// goroutine has exited.
	hbCtx, hbCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer hbCancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(hbCtx, interval)
	}()

	// The read loop only honors socket deadlines, so cancellation closes
	// the socket out from under it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-hbCtx.Done()
		ws.Close()
	}()

	if resume {
		err = c.sendResume(ctx)
	} else {
		c.setState(StateIdentifying)
		if c.gate != nil {
			if gerr := c.gate.Wait(ctx); gerr != nil {
				return gerr
			}
		}
		err = c.sendIdentify(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setState(StateReconnecting)
		return &ReconnectError{ShardID: c.session.ShardID, Resume: resume}
	}

	return c.readLoop(ctx, ws)
}

func (c *Conn) readHello(ws *websocket.Conn) (*HelloData, error) {
	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("gateway read hello: %w", err)
	}

	payload, err := c.inflate(mt, data)
	if err != nil || payload == nil {
		return nil, ErrBadHello
	}

	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, ErrBadHello
	}
	if f.Op != OpHello {
		return nil, ErrBadHello
	}

	var hello HelloData
	if err := json.Unmarshal(f.Data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		return nil, ErrBadHello
	}
	return &hello, nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	// The server acks every heartbeat, so two intervals of silence means
	// the connection is dead. The configured timeout still caps the wait
	// for long intervals.
	timeout := c.cfg.HeartbeatTimeout
	if hb := c.session.HeartbeatInterval(); hb > 0 && 2*hb < timeout {
		timeout = 2 * hb
	}
	for {
		ws.SetReadDeadline(time.Now().Add(timeout))
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return c.readError(ctx, err)
		}

		payload, ierr := c.inflate(mt, data)
		if ierr != nil {
			if rerr := c.decodeFailure(ierr); rerr != nil {
				return rerr
			}
			continue
		}
		if payload == nil {
			// partial compressed chunk, more to come
			continue
		}

		if rerr := c.handleFrame(payload); rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rerr
		}
	}
}

// readError translates a failed read into the connection's outcome.
func (c *Conn) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// The heartbeat loop already closed the socket underneath us.
	if c.State() == StateZombied {
		return &ReconnectError{ShardID: c.session.ShardID, Resume: true}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		c.logger.Warn("gateway went silent, reconnecting")
		c.zombify()
		return &ReconnectError{ShardID: c.session.ShardID, Resume: true}
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch classifyClose(ce.Code) {
		case actionFatal:
			c.setState(StateClosed)
			c.logger.Error("gateway closed, not reconnectable", "code", ce.Code, "text", ce.Text)
			return &CloseError{Code: ce.Code, Text: ce.Text}
		case actionIdentify:
			c.logger.Info("gateway closed, session not resumable", "code", ce.Code)
			c.setState(StateReconnecting)
			return &ReconnectError{ShardID: c.session.ShardID, Resume: false}
		default:
			c.logger.Info("gateway closed, attempting resume", "code", ce.Code)
			c.setState(StateReconnecting)
			return &ReconnectError{ShardID: c.session.ShardID, Resume: true}
		}
	}

	// Plain transport drop.
	c.logger.Warn("gateway read failed, reconnecting", "error", err)
	c.setState(StateReconnecting)
	return &ReconnectError{ShardID: c.session.ShardID, Resume: true}
}

func (c *Conn) decodeFailure(err error) error {
	c.decodeFailures++
	c.logger.Warn("undecodable gateway frame",
		"error", err,
		"consecutive", c.decodeFailures,
	)
	if c.decodeFailures >= maxDecodeFailures {
		c.zombify()
		return &ReconnectError{ShardID: c.session.ShardID, Resume: true}
	}
	return nil
}

// handleFrame processes one decoded frame. A non-nil return ends the read
// loop with the connection's outcome.
func (c *Conn) handleFrame(payload []byte) error {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return c.decodeFailure(err)
	}
	c.decodeFailures = 0

	switch f.Op {
	case OpDispatch:
		c.handleDispatch(f)

	case OpHeartbeat:
		// Server asked for an immediate beat.
		if err := c.sendHeartbeat(); err != nil {
			c.logger.Debug("failed to answer heartbeat request", "error", err)
		}

	case OpHeartbeatAck:
		now := time.Now().UnixNano()
		c.lastAck.Store(now)
		if send := c.lastSend.Load(); send != 0 {
			lat := time.Duration(now - send)
			c.latency.Store(int64(lat))
			if lat > behindThreshold {
				c.logger.Warn("gateway falling behind", "latency", lat)
			}
		}

	case OpReconnect:
		c.logger.Debug("received RECONNECT op")
		c.closeWithCode(websocket.CloseNormalClosure)
		c.setState(StateReconnecting)
		return &ReconnectError{ShardID: c.session.ShardID, Resume: true}

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(f.Data, &resumable)
		if resumable {
			c.closeWithCode(CloseUnknownError)
			c.setState(StateReconnecting)
			return &ReconnectError{ShardID: c.session.ShardID, Resume: true}
		}
		c.logger.Info("session invalidated")
		c.session.Clear()
		c.closeWithCode(websocket.CloseNormalClosure)
		c.setState(StateReconnecting)
		return &ReconnectError{ShardID: c.session.ShardID, Resume: false}

	case OpHello:
		// Duplicate HELLO mid-stream; the handshake consumed the real one.

	default:
		c.logger.Warn("unknown op code", "op", f.Op)
	}
	return nil
}

func (c *Conn) handleDispatch(f Frame) {
	if f.Seq != nil {
		c.session.observeSequence(*f.Seq)
	}

	switch f.Type {
	case "READY":
		var ready ReadyData
		if err := json.Unmarshal(f.Data, &ready); err != nil {
			c.logger.Warn("malformed READY payload", "error", err)
			return
		}
		c.session.setReady(ready.SessionID, ready.ResumeURL)
		c.setState(StateConnected)
		c.logger.Info("gateway ready", "session_id", ready.SessionID)

	case "RESUMED":
		c.setState(StateConnected)
		c.logger.Info("gateway session resumed", "session_id", c.session.ID())
	}

	c.sink.Publish(events.Event{
		ShardID: c.session.ShardID,
		Name:    f.Type,
		Data:    f.Data,
	})
}

func (c *Conn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	// The first beat is delayed by a random fraction of the interval so
	// shards do not beat in lockstep.
	timer := time.NewTimer(time.Duration(rand.Int64N(int64(interval))))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if send := c.lastSend.Load(); send != 0 && c.lastAck.Load() < send {
			c.logger.Warn("heartbeat not acknowledged, zombifying connection")
			c.zombify()
			return
		}

		if err := c.sendHeartbeat(); err != nil {
			// The read loop observes the broken socket and reconnects.
			c.logger.Debug("heartbeat send failed", "error", err)
			return
		}
		timer.Reset(interval)
	}
}

func (c *Conn) sendIdentify(ctx context.Context) error {
	c.logger.Info("sending IDENTIFY",
		"shard_count", c.session.ShardCount,
		"intents", c.cfg.Intents,
	)
	return c.sendFrame(ctx, OpIdentify, IdentifyData{
		Token:   "Bot " + c.cfg.Token,
		Intents: c.cfg.Intents,
		Shard:   [2]int{c.session.ShardID, c.session.ShardCount},
		Properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: version.UserAgent(),
			Device:  version.UserAgent(),
		},
	})
}

func (c *Conn) sendResume(ctx context.Context) error {
	seq, _ := c.session.Sequence()
	c.logger.Info("sending RESUME", "session_id", c.session.ID(), "seq", seq)
	return c.sendFrame(ctx, OpResume, ResumeData{
		Token:     "Bot " + c.cfg.Token,
		SessionID: c.session.ID(),
		Seq:       seq,
	})
}

func (c *Conn) sendFrame(ctx context.Context, op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal op %d payload: %w", op, err)
	}
	buf, err := json.Marshal(Frame{Op: op, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal op %d frame: %w", op, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.write(buf)
}

// sendHeartbeat bypasses the send limiter: keep-alives have priority over
// the frame budget.
func (c *Conn) sendHeartbeat() error {
	var d *int64
	if seq, ok := c.session.Sequence(); ok {
		d = &seq
	}
	buf, err := json.Marshal(heartbeatFrame{Op: OpHeartbeat, Data: d})
	if err != nil {
		return err
	}
	c.lastSend.Store(time.Now().UnixNano())
	return c.write(buf)
}

func (c *Conn) write(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) zombify() {
	c.setState(StateZombied)
	c.closeWithCode(CloseUnknownError)
}

func (c *Conn) closeWithCode(code int) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	c.writeMu.Lock()
	ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	ws.Close()
}

func (c *Conn) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.onState != nil {
		c.onState(c.session.ShardID, s)
	}
}

// flushSuffix terminates each compressed chunk (zlib Z_SYNC_FLUSH).
var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// finalBlock is an empty stored deflate block with the final bit set. A sync
// flush leaves the stream byte-aligned, so appending it closes a chunk into
// a decodable fragment without disturbing the stream itself.
var finalBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// deflateWindow is the size of the deflate back-reference window.
const deflateWindow = 32 * 1024

// inflate returns the JSON text of a frame. Binary frames are pieces of one
// continuous zlib stream covering the whole connection; chunks without the
// flush suffix are buffered and return nil until the rest arrives. Later
// chunks may back-reference earlier output, so the trailing window of
// everything decompressed so far is carried as the dictionary for the next
// chunk.
func (c *Conn) inflate(messageType int, data []byte) ([]byte, error) {
	if messageType != websocket.BinaryMessage {
		return data, nil
	}

	c.inflateBuf.Write(data)
	if len(data) < len(flushSuffix) || !bytes.HasSuffix(data, flushSuffix) {
		return nil, nil
	}

	chunk := c.inflateBuf.Bytes()
	if !c.zlibHeaderCut {
		// The 2-byte zlib header precedes only the first chunk of the
		// stream. Reject a preset-dictionary header; the server never
		// sends one.
		if len(chunk) < 2 || chunk[0]&0x0f != 8 || chunk[1]&0x20 != 0 {
			c.inflateBuf.Reset()
			return nil, fmt.Errorf("gateway inflate: %w", zlib.ErrHeader)
		}
		chunk = chunk[2:]
	}

	fragment := make([]byte, 0, len(chunk)+len(finalBlock))
	fragment = append(fragment, chunk...)
	fragment = append(fragment, finalBlock...)

	r := flate.NewReaderDict(bytes.NewReader(fragment), c.inflateDict)
	out, err := io.ReadAll(r)
	r.Close()
	c.inflateBuf.Reset()
	if err != nil {
		return nil, fmt.Errorf("gateway inflate: %w", err)
	}
	c.zlibHeaderCut = true

	c.inflateDict = append(c.inflateDict, out...)
	if len(c.inflateDict) > deflateWindow {
		dict := make([]byte, deflateWindow)
		copy(dict, c.inflateDict[len(c.inflateDict)-deflateWindow:])
		c.inflateDict = dict
	}
	return out, nil
}
