package transport

import (
	"math/rand"
	"sync"
	"time"
)

// PipeConfig shapes the fault model of an in-memory datagram pipe. All
// probabilities are in [0, 1].
type PipeConfig struct {
	Loss      float64
	Duplicate float64
	// Reorder is the probability that a datagram is held back and released
	// after the next one.
	Reorder float64
	// Latency delays each delivery. Zero delivers immediately.
	Latency time.Duration
	Seed    int64
}

// NewPipe returns two connected endpoints simulating an unreliable datagram
// channel. Faults are applied independently in each direction.
func NewPipe(cfg PipeConfig) (DatagramConn, DatagramConn) {
	a := &pipeEnd{label: "pipe-a", inbox: make(chan []byte, 1024), closed: make(chan struct{})}
	b := &pipeEnd{label: "pipe-b", inbox: make(chan []byte, 1024), closed: make(chan struct{})}
	rng := rand.New(rand.NewSource(cfg.Seed))
	shared := &pipeFaults{cfg: cfg, rng: rng}
	a.peer, b.peer = b, a
	a.faults, b.faults = shared, shared
	return a, b
}

type pipeFaults struct {
	mu  sync.Mutex
	cfg PipeConfig
	rng *rand.Rand
}

// plan decides the fate of one datagram: how many copies to deliver and
// whether to hold it back behind the next send.
func (f *pipeFaults) plan() (copies int, held bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rng.Float64() < f.cfg.Loss {
		return 0, false
	}
	copies = 1
	if f.rng.Float64() < f.cfg.Duplicate {
		copies = 2
	}
	held = f.rng.Float64() < f.cfg.Reorder
	return copies, held
}

type pipeEnd struct {
	label  string
	peer   *pipeEnd
	faults *pipeFaults
	inbox  chan []byte

	mu     sync.Mutex
	heldup [][]byte
	closed chan struct{}
	once   sync.Once
}

func (p *pipeEnd) Send(data []byte) error {
	select {
	case <-p.closed:
		return ErrPeerClosed
	case <-p.peer.closed:
		return ErrPeerClosed
	default:
	}

	copied := make([]byte, len(data))
	copy(copied, data)

	copies, held := p.faults.plan()

	p.mu.Lock()
	release := p.heldup
	p.heldup = nil
	if held && copies > 0 {
		p.heldup = [][]byte{copied}
		copies--
	}
	p.mu.Unlock()

	deliver := make([][]byte, 0, copies+len(release))
	for i := 0; i < copies; i++ {
		deliver = append(deliver, copied)
	}
	deliver = append(deliver, release...)

	latency := p.faults.cfg.Latency
	push := func() {
		for _, datagram := range deliver {
			select {
			case p.peer.inbox <- datagram:
			case <-p.peer.closed:
				return
			}
		}
	}
	if latency > 0 {
		go func() {
			time.Sleep(latency)
			push()
		}()
	} else {
		push()
	}
	return nil
}

func (p *pipeEnd) Receive() ([]byte, error) {
	select {
	case data := <-p.inbox:
		return data, nil
	case <-p.closed:
		// Drain anything already queued before reporting closure.
		select {
		case data := <-p.inbox:
			return data, nil
		default:
			return nil, ErrPeerClosed
		}
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeEnd) RemoteLabel() string {
	return p.peer.label
}
