package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"lifewire/internal/protocol"
	"lifewire/internal/telemetry"
)

const (
	metricRetransmitsTotal   = "transport_retransmits_total"
	metricDuplicatesDropped  = "transport_duplicates_dropped_total"
	metricOrderedSkipsTotal  = "transport_ordered_skips_total"
	metricInboxDroppedTotal  = "transport_inbox_dropped_total"
	metricDecodeErrorsTotal  = "transport_decode_errors_total"
	metricKeepAliveTimeouts  = "transport_keepalive_timeouts_total"
	metricRetryExhaustedConn = "transport_retry_exhausted_total"
)

// Config carries the transport policy knobs. Zero values are replaced by
// Normalized.
type Config struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	RetransmitInitial time.Duration
	RetransmitMax     time.Duration
	MaxRetries        int
	ReorderWindow     int
	DedupeWindow      int
	InboxSize         int
	// TimerInterval is the granularity of the retransmission and keep-alive
	// sweep. Tests shrink it to keep scenarios fast.
	TimerInterval time.Duration
}

// DefaultConfig returns the stock transport policy.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 2 * time.Second,
		KeepAliveTimeout:  6 * time.Second,
		RetransmitInitial: 100 * time.Millisecond,
		RetransmitMax:     2 * time.Second,
		MaxRetries:        10,
		ReorderWindow:     32,
		DedupeWindow:      256,
		InboxSize:         256,
		TimerInterval:     25 * time.Millisecond,
	}
}

// Normalized fills zero fields with defaults and clamps nonsense values.
func (c Config) Normalized() Config {
	def := DefaultConfig()
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 3 * c.KeepAliveInterval
	}
	if c.RetransmitInitial <= 0 {
		c.RetransmitInitial = def.RetransmitInitial
	}
	if c.RetransmitMax < c.RetransmitInitial {
		c.RetransmitMax = def.RetransmitMax
	}
	if c.RetransmitMax < c.RetransmitInitial {
		c.RetransmitMax = c.RetransmitInitial
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = def.MaxRetries
	}
	if c.ReorderWindow < 1 {
		c.ReorderWindow = def.ReorderWindow
	}
	if c.DedupeWindow < 1 {
		c.DedupeWindow = def.DedupeWindow
	}
	if c.InboxSize < 1 {
		c.InboxSize = def.InboxSize
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = def.TimerInterval
	}
	return c
}

type pendingMessage struct {
	env       protocol.Envelope
	attempts  int
	nextRetry time.Time
	backoff   time.Duration
}

// Peer multiplexes the three delivery classes over one datagram connection.
// Inbound application envelopes surface on Inbox; transport-internal traffic
// (acks, keep-alives) is consumed internally.
type Peer struct {
	conn    DatagramConn
	cfg     Config
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu          sync.Mutex
	seq         *sendSequencer
	inflight    map[uint64]*pendingMessage
	unreliable  *unreliableRecv
	ordered     *orderedRecv
	reliable    *reliableRecv
	lastInbound time.Time
	lastRTT     time.Duration

	inbox    chan protocol.Envelope
	done     chan struct{}
	closeErr error
	closed   bool
	wg       sync.WaitGroup
}

// NewPeer wraps a datagram connection and starts its receive and timer
// loops. Close must be called to release them.
func NewPeer(conn DatagramConn, cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) *Peer {
	cfg = cfg.Normalized()
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	p := &Peer{
		conn:        conn,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		seq:         newSendSequencer(),
		inflight:    make(map[uint64]*pendingMessage),
		unreliable:  newUnreliableRecv(cfg.DedupeWindow),
		ordered:     newOrderedRecv(cfg.ReorderWindow),
		reliable:    newReliableRecv(),
		lastInbound: time.Now(),
		inbox:       make(chan protocol.Envelope, cfg.InboxSize),
		done:        make(chan struct{}),
	}
	p.wg.Add(2)
	go p.readLoop()
	go p.timerLoop()
	return p
}

// Inbox surfaces inbound application envelopes in delivery order. The channel
// closes when the peer shuts down.
func (p *Peer) Inbox() <-chan protocol.Envelope {
	return p.inbox
}

// Done closes when the peer has shut down.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err reports why the peer shut down. Nil for an orderly local Close.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// RemoteLabel names the far end for logs.
func (p *Peer) RemoteLabel() string {
	return p.conn.RemoteLabel()
}

// RTT returns the latest keep-alive round-trip estimate.
func (p *Peer) RTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRTT
}

// LastInbound returns the arrival time of the most recent datagram.
func (p *Peer) LastInbound() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastInbound
}

// InFlight reports how many reliable messages await acknowledgment.
func (p *Peer) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Send seals a payload into an envelope and transmits it on the given class.
func (p *Peer) Send(class protocol.Class, kind protocol.Kind, payload any) error {
	env, err := protocol.Seal(class, kind, payload)
	if err != nil {
		return err
	}
	return p.SendEnvelope(env)
}

// SendEnvelope stamps an envelope's sequence and acknowledgment fields and
// transmits it. Reliable envelopes are retained for retransmission until
// acknowledged.
func (p *Peer) SendEnvelope(env protocol.Envelope) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	env.Ver = protocol.Version
	env.Seq = p.seq.stamp(env.Class)
	env.Ack, env.AckBits = p.reliable.ackState()
	if env.Class == protocol.ClassReliable {
		p.inflight[env.Seq] = &pendingMessage{
			env:       env,
			attempts:  1,
			backoff:   p.cfg.RetransmitInitial,
			nextRetry: time.Now().Add(p.cfg.RetransmitInitial),
		}
	}
	p.mu.Unlock()

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	// Datagram loss is the transport's normal condition; a send error is
	// treated the same way and recovered by the class machinery.
	if err := p.conn.Send(data); err != nil && env.Class == protocol.ClassReliable {
		p.logger.Printf("send to %s failed, leaving for retransmit: %v", p.RemoteLabel(), err)
	}
	return nil
}

// Close tears the peer down, cancelling retransmissions and timers. The
// reason is surfaced through Err; pass nil for an orderly close.
func (p *Peer) Close(reason error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = reason
	p.inflight = make(map[uint64]*pendingMessage)
	p.mu.Unlock()

	close(p.done)
	p.conn.Close()
}

func (p *Peer) readLoop() {
	defer p.wg.Done()
	defer close(p.inbox)
	for {
		data, err := p.conn.Receive()
		if err != nil {
			select {
			case <-p.done:
			default:
				p.Close(fmt.Errorf("receive from %s: %w", p.RemoteLabel(), err))
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrVersionMismatch) {
				p.Close(err)
				return
			}
			p.addMetric(metricDecodeErrorsTotal, 1)
			p.logger.Printf("discarding malformed datagram from %s: %v", p.RemoteLabel(), err)
			continue
		}
		p.handleInbound(env)
	}
}

func (p *Peer) handleInbound(env protocol.Envelope) {
	now := time.Now()

	p.mu.Lock()
	p.lastInbound = now
	p.ackInflightLocked(env.Ack, env.AckBits)

	var deliverable []protocol.Envelope
	ackNeeded := false
	switch env.Class {
	case protocol.ClassUnreliable:
		if env.Kind == protocol.KindAck {
			// Ack state already consumed above.
			p.mu.Unlock()
			return
		}
		if p.unreliable.accept(env.Seq) {
			deliverable = []protocol.Envelope{env}
		} else {
			p.addMetricLocked(metricDuplicatesDropped, 1)
		}
	case protocol.ClassOrdered:
		before := p.ordered.delivered
		deliverable = p.ordered.accept(env)
		if skipped := p.ordered.delivered - before - uint64(len(deliverable)); skipped > 0 {
			p.addMetricLocked(metricOrderedSkipsTotal, skipped)
		}
		if len(deliverable) == 0 && env.Seq <= before {
			p.addMetricLocked(metricDuplicatesDropped, 1)
		}
	case protocol.ClassReliable:
		deliverable = p.reliable.accept(env)
		ackNeeded = true
	}
	p.mu.Unlock()

	for _, delivered := range deliverable {
		if p.consumeInternally(delivered) {
			continue
		}
		select {
		case p.inbox <- delivered:
		default:
			p.addMetric(metricInboxDroppedTotal, 1)
			p.logger.Printf("inbox full for %s, dropping %s", p.RemoteLabel(), delivered.Kind)
		}
	}

	if ackNeeded {
		p.sendAck()
	}
}

// consumeInternally handles transport-level traffic that never reaches the
// application.
func (p *Peer) consumeInternally(env protocol.Envelope) bool {
	switch env.Kind {
	case protocol.KindAck:
		return true
	case protocol.KindKeepAlive:
		var probe protocol.KeepAlive
		if err := protocol.Open(env, &probe); err == nil {
			p.Send(protocol.ClassUnreliable, protocol.KindKeepAliveAck, protocol.KeepAliveAck{
				SentAt:     probe.SentAt,
				ServerTime: time.Now().UnixMilli(),
			})
		}
		return true
	case protocol.KindKeepAliveAck:
		var ack protocol.KeepAliveAck
		if err := protocol.Open(env, &ack); err == nil && ack.SentAt > 0 {
			rtt := time.Since(time.UnixMilli(ack.SentAt))
			if rtt >= 0 {
				p.mu.Lock()
				p.lastRTT = rtt
				p.mu.Unlock()
			}
		}
		return true
	}
	return false
}

func (p *Peer) sendAck() {
	p.Send(protocol.ClassUnreliable, protocol.KindAck, nil)
}

// ackInflightLocked applies a cumulative ack plus selective bits to the
// retransmission queue.
func (p *Peer) ackInflightLocked(ack uint64, bits uint32) {
	if ack == 0 && bits == 0 {
		return
	}
	for seq := range p.inflight {
		if seq <= ack {
			delete(p.inflight, seq)
			continue
		}
		offset := seq - ack - 1
		if offset < 32 && bits&(1<<offset) != 0 {
			delete(p.inflight, seq)
		}
	}
}

func (p *Peer) timerLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TimerInterval)
	defer ticker.Stop()

	lastKeepAlive := time.Time{}
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			if p.sweepRetransmits(now) {
				return
			}
			p.mu.Lock()
			silentFor := now.Sub(p.lastInbound)
			p.mu.Unlock()
			if silentFor > p.cfg.KeepAliveTimeout {
				p.addMetric(metricKeepAliveTimeouts, 1)
				p.Close(fmt.Errorf("%w: no inbound traffic for %s", ErrTransportTimeout, silentFor.Round(time.Millisecond)))
				return
			}
			if now.Sub(lastKeepAlive) >= p.cfg.KeepAliveInterval {
				lastKeepAlive = now
				p.Send(protocol.ClassUnreliable, protocol.KindKeepAlive, protocol.KeepAlive{SentAt: now.UnixMilli()})
			}
		}
	}
}

// sweepRetransmits resends overdue reliable messages. It reports true when
// the retry budget is exhausted and the peer has been closed.
func (p *Peer) sweepRetransmits(now time.Time) bool {
	p.mu.Lock()
	var resend []protocol.Envelope
	for _, pending := range p.inflight {
		if now.Before(pending.nextRetry) {
			continue
		}
		if pending.attempts >= p.cfg.MaxRetries {
			p.mu.Unlock()
			p.addMetric(metricRetryExhaustedConn, 1)
			p.Close(fmt.Errorf("%w: seq %d unacknowledged after %d attempts",
				ErrTransportTimeout, pending.env.Seq, pending.attempts))
			return true
		}
		pending.attempts++
		pending.backoff *= 2
		if pending.backoff > p.cfg.RetransmitMax {
			pending.backoff = p.cfg.RetransmitMax
		}
		pending.nextRetry = now.Add(pending.backoff)
		env := pending.env
		env.Ack, env.AckBits = p.reliable.ackState()
		pending.env = env
		resend = append(resend, env)
	}
	p.mu.Unlock()

	for _, env := range resend {
		p.addMetric(metricRetransmitsTotal, 1)
		if data, err := protocol.Encode(env); err == nil {
			p.conn.Send(data)
		}
	}
	return false
}

func (p *Peer) addMetric(key string, delta uint64) {
	if p.metrics != nil {
		p.metrics.Add(key, delta)
	}
}

func (p *Peer) addMetricLocked(key string, delta uint64) {
	// Metrics adapters are safe under the peer lock; the indirection only
	// documents call context.
	p.addMetric(key, delta)
}
