package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLinkTimeout means a message went unanswered for one timeout.
	ErrLinkTimeout = errors.New("link: no reply from device")
	// ErrLinkLost means the connection was dropped, either on an I/O error or
	// after the retry ceiling.
	ErrLinkLost = errors.New("link: connection lost")
)

// Session is the engine's view of the playback state. The engine calls it
// from its own goroutine only.
type Session interface {
	// Pending pops the next queued control or install message.
	Pending(capacity int) (Message, bool)
	// NextChunk answers a flow-control request from the device.
	NextChunk(capacity int) Message
	// Delivered reports that the device acknowledged m.
	Delivered(m Message)
	SetConnected(connected bool)
}

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Config holds the engine's timing and sizing knobs.
type Config struct {
	Timeout        time.Duration // per-message reply timeout
	MaxRetries     int           // resends before the link is dropped
	RescanInterval time.Duration
	KeepAlive      time.Duration // idle time before a Ping
	MaxFrameSize   int
	WriteBurst     int // bytes per write call
	WriteGap       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:        500 * time.Millisecond,
		MaxRetries:     8,
		RescanInterval: time.Second,
		KeepAlive:      2 * time.Second,
		MaxFrameSize:   256,
		WriteBurst:     16,
		WriteGap:       2 * time.Millisecond,
	}
}

type inflight struct {
	msg      Message
	frame    []byte
	sentAt   time.Time
	attempts int
}

// Engine runs the host side of the link protocol. It is driven by a single
// goroutine, either through Run or by calling Step directly.
type Engine struct {
	cfg     Config
	dialer  Dialer
	session Session
	log     *slog.Logger
	now     func() time.Time
	sleep   func(time.Duration)

	state        State
	port         Port
	portName     string
	sessionID    string
	capacity     int
	lastActivity time.Time
	lastScan     time.Time
	lastErr      error

	rx             ring
	readBuf        [64]byte
	inflight       *inflight
	chunkRequested bool
	ignoreRequests bool // set for the cycle a NewSong went out
}

func NewEngine(cfg Config, dialer Dialer, session Session, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		dialer:  dialer,
		session: session,
		log:     log,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

func (e *Engine) State() State { return e.state }

// Capacity is the per-chunk note count of the current connection.
func (e *Engine) Capacity() int { return e.capacity }

// Err is the reason the link was last lost; it wraps ErrLinkLost.
func (e *Engine) Err() error { return e.lastErr }

// Run steps the engine until ctx is cancelled. While disconnected it sleeps
// until the next rescan; while connected the port's read timeout paces it.
func (e *Engine) Run(ctx context.Context) error {
	defer e.Close()
	e.log.Info("link: engine started", "timeout", e.cfg.Timeout, "retries", e.cfg.MaxRetries,
		"max_frame", e.cfg.MaxFrameSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Step()
		if e.state == Connected {
			continue
		}
		wait := e.cfg.RescanInterval - e.now().Sub(e.lastScan)
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close drops the connection, if any.
func (e *Engine) Close() error {
	if e.port == nil {
		return nil
	}
	e.log.Info("link: closing", "device", e.portName, "session", e.sessionID)
	err := e.port.Close()
	e.reset()
	e.session.SetConnected(false)
	return err
}

// Step runs one engine cycle: reconnect or retry, drain the queue, poll
// the port and handle every complete reply.
func (e *Engine) Step() {
	e.ignoreRequests = false
	if e.state == Disconnected {
		now := e.now()
		if !e.lastScan.IsZero() && now.Sub(e.lastScan) < e.cfg.RescanInterval {
			return
		}
		e.lastScan = now
		e.discover()
		if e.state == Disconnected {
			return
		}
	}

	if f := e.inflight; f != nil && e.now().Sub(f.sentAt) >= e.cfg.Timeout {
		if f.attempts > e.cfg.MaxRetries {
			e.lose(fmt.Errorf("%s unanswered after %d attempts: %w", f.msg.Tag(), f.attempts, ErrLinkTimeout))
			return
		}
		e.log.Warn("link: no reply, resending", append(describe(f.msg), "attempt", f.attempts+1)...)
		if err := e.transmit(f.frame); err != nil {
			e.lose(err)
			return
		}
		f.attempts++
		f.sentAt = e.now()
	}

	e.drain()
	e.poll()
	e.drain()

	if e.state == Connected && e.inflight == nil && e.now().Sub(e.lastActivity) >= e.cfg.KeepAlive {
		e.log.Debug("link: idle, pinging", "session", e.sessionID)
		e.send(Ping{})
	}
}

// -------------------- Discovery --------------------

func (e *Engine) discover() {
	names, err := e.dialer.Candidates()
	if err != nil {
		e.log.Error("link: list ports failed", "err", err)
		return
	}
	if len(names) == 0 {
		e.log.Debug("link: no candidate ports")
		return
	}
	for _, name := range names {
		p, err := e.dialer.Dial(name)
		if err != nil {
			e.log.Debug("link: open failed", "device", name, "err", err)
			continue
		}
		e.rx.reset()
		reported, err := e.handshake(p)
		if err != nil {
			e.log.Debug("link: no device on port", "device", name, "err", err)
			_ = p.Close()
			continue
		}
		e.port = p
		e.portName = name
		e.state = Connected
		e.sessionID = uuid.NewString()
		e.capacity = Capacity(reported, e.cfg.MaxFrameSize)
		e.lastActivity = e.now()
		e.log.Info("link: connected", "device", name, "session", e.sessionID,
			"reported_capacity", reported, "capacity", e.capacity)
		e.session.SetConnected(true)
		return
	}
	e.log.Debug("link: discovery found no device", "tried", len(names))
}

// handshake pings p and waits one timeout for the Pong. Replies other than
// Pong are dropped.
func (e *Engine) handshake(p Port) (uint32, error) {
	ping, _ := Encode(Ping{})
	if err := writeBursts(p, ping, e.cfg.WriteBurst, e.cfg.WriteGap, e.sleep); err != nil {
		return 0, err
	}
	deadline := e.now().Add(e.cfg.Timeout)
	for e.now().Before(deadline) {
		n, err := p.Read(e.readBuf[:])
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
		e.rx.write(e.readBuf[:n])
		for {
			r, ok := e.rx.next()
			if !ok {
				break
			}
			if r.Tag == TagPong {
				return r.Value, nil
			}
		}
	}
	return 0, ErrLinkTimeout
}

// -------------------- Sending --------------------

func (e *Engine) drain() {
	for e.state == Connected && e.inflight == nil {
		var m Message
		if e.chunkRequested {
			e.chunkRequested = false
			m = e.session.NextChunk(e.capacity)
		} else if pm, ok := e.session.Pending(e.capacity); ok {
			m = pm
		} else {
			return
		}
		e.send(m)
	}
}

func (e *Engine) send(m Message) {
	frame, err := Encode(m)
	if err == nil && len(frame) > e.cfg.MaxFrameSize {
		err = fmt.Errorf("frame is %d bytes, limit %d", len(frame), e.cfg.MaxFrameSize)
	}
	if err != nil {
		e.log.Error("link: dropping message", append(describe(m), "err", err)...)
		return
	}
	if _, ok := m.(NewSong); ok {
		e.ignoreRequests = true
		e.chunkRequested = false
	}
	if err := e.transmit(frame); err != nil {
		e.lose(err)
		return
	}
	e.inflight = &inflight{msg: m, frame: frame, sentAt: e.now(), attempts: 1}
	e.log.Debug("link: sent", append(describe(m), "bytes", len(frame))...)
}

func (e *Engine) transmit(frame []byte) error {
	return writeBursts(e.port, frame, e.cfg.WriteBurst, e.cfg.WriteGap, e.sleep)
}

// writeBursts writes b in pieces of at most burst bytes with gap between them.
func writeBursts(w Port, b []byte, burst int, gap time.Duration, sleep func(time.Duration)) error {
	if burst <= 0 {
		burst = len(b)
	}
	for len(b) > 0 {
		n := min(burst, len(b))
		written, err := w.Write(b[:n])
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if written != n {
			return fmt.Errorf("write: short write of %d/%d bytes", written, n)
		}
		b = b[n:]
		if len(b) > 0 && gap > 0 {
			sleep(gap)
		}
	}
	return nil
}

// -------------------- Receiving --------------------

func (e *Engine) poll() {
	if e.state != Connected {
		return
	}
	n, err := e.port.Read(e.readBuf[:])
	if err != nil {
		e.lose(fmt.Errorf("read: %w", err))
		return
	}
	if n > 0 {
		e.rx.write(e.readBuf[:n])
		e.lastActivity = e.now()
	}
	for {
		r, ok := e.rx.next()
		if !ok {
			return
		}
		e.handle(r)
	}
}

func (e *Engine) handle(r Reply) {
	switch r.Tag {
	case TagPong, TagSucc:
		f := e.inflight
		if f == nil {
			e.log.Debug("link: reply with nothing in flight", "type", r.Tag, "value", r.Value)
			return
		}
		_, isPing := f.msg.(Ping)
		if isPing != (r.Tag == TagPong) {
			e.log.Debug("link: reply does not match message", "type", r.Tag, "sent", f.msg.Tag())
			return
		}
		if idx, ok := chunkIndex(f.msg); ok && r.Value != idx {
			e.log.Debug("link: stale chunk ack", "acked", r.Value, "chunk", idx)
			return
		}
		if isPing {
			e.capacity = Capacity(r.Value, e.cfg.MaxFrameSize)
		}
		e.inflight = nil
		e.session.Delivered(f.msg)
	case TagReqp:
		if e.ignoreRequests {
			e.log.Debug("link: chunk request ignored after install")
			return
		}
		e.chunkRequested = true
	default:
		e.log.Debug("link: unknown reply", "type", r.Tag, "value", r.Value)
	}
}

// -------------------- Loss --------------------

func (e *Engine) lose(err error) {
	e.lastErr = fmt.Errorf("%w: %w", ErrLinkLost, err)
	e.log.Warn("link: connection lost", "device", e.portName, "session", e.sessionID, "err", err)
	if e.port != nil {
		_ = e.port.Close()
	}
	e.reset()
	e.lastScan = time.Time{} // rescan on the next step
	e.session.SetConnected(false)
}

func (e *Engine) reset() {
	e.port = nil
	e.portName = ""
	e.state = Disconnected
	e.inflight = nil
	e.chunkRequested = false
	e.capacity = 0
	e.rx.reset()
}
