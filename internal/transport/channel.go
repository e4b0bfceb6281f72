package transport

import "lifewire/internal/protocol"

// sendSequencer stamps outbound envelopes with per-class sequence numbers.
// Sequences start at 1; 0 means "never sent".
type sendSequencer struct {
	next map[protocol.Class]uint64
}

func newSendSequencer() *sendSequencer {
	return &sendSequencer{next: map[protocol.Class]uint64{
		protocol.ClassUnreliable: 1,
		protocol.ClassOrdered:    1,
		protocol.ClassReliable:   1,
	}}
}

func (s *sendSequencer) stamp(class protocol.Class) uint64 {
	seq := s.next[class]
	s.next[class] = seq + 1
	return seq
}

// unreliableRecv de-duplicates fire-and-forget arrivals within a bounded
// recent-history window. Anything older than the window is treated as a
// duplicate; for this class stale data has no value anyway.
type unreliableRecv struct {
	window  uint64
	maxSeen uint64
	seen    map[uint64]struct{}
}

func newUnreliableRecv(window int) *unreliableRecv {
	if window < 1 {
		window = 1
	}
	return &unreliableRecv{window: uint64(window), seen: make(map[uint64]struct{})}
}

// accept reports whether the sequence is fresh and records it.
func (r *unreliableRecv) accept(seq uint64) bool {
	if seq == 0 {
		return false
	}
	if r.maxSeen >= r.window && seq <= r.maxSeen-r.window {
		return false
	}
	if _, dup := r.seen[seq]; dup {
		return false
	}
	r.seen[seq] = struct{}{}
	if seq > r.maxSeen {
		r.maxSeen = seq
		if r.maxSeen > r.window {
			floor := r.maxSeen - r.window
			for old := range r.seen {
				if old <= floor {
					delete(r.seen, old)
				}
			}
		}
	}
	return true
}

// orderedRecv delivers envelopes in strictly increasing sequence order. Gaps
// are tolerated up to the reorder window; once the buffer fills, the stream
// skips ahead and whatever never arrived is dropped rather than waited for.
type orderedRecv struct {
	window    int
	delivered uint64
	buffer    map[uint64]protocol.Envelope
}

func newOrderedRecv(window int) *orderedRecv {
	if window < 1 {
		window = 1
	}
	return &orderedRecv{window: window, buffer: make(map[uint64]protocol.Envelope)}
}

// accept ingests an arrival and returns the envelopes now deliverable to the
// application, in order.
func (r *orderedRecv) accept(env protocol.Envelope) []protocol.Envelope {
	if env.Seq <= r.delivered {
		return nil
	}
	if _, dup := r.buffer[env.Seq]; dup {
		return nil
	}
	r.buffer[env.Seq] = env

	var out []protocol.Envelope
	out = r.drain(out)
	if len(r.buffer) > r.window {
		// Skip the gap: advance to just before the oldest buffered arrival.
		oldest := uint64(0)
		for seq := range r.buffer {
			if oldest == 0 || seq < oldest {
				oldest = seq
			}
		}
		r.delivered = oldest - 1
		out = r.drain(out)
	}
	return out
}

func (r *orderedRecv) drain(out []protocol.Envelope) []protocol.Envelope {
	for {
		env, ok := r.buffer[r.delivered+1]
		if !ok {
			return out
		}
		delete(r.buffer, r.delivered+1)
		r.delivered++
		out = append(out, env)
	}
}

// reliableRecv delivers the reliable class in order with no losses. It tracks
// a cumulative acknowledgment (highest contiguously delivered sequence) plus
// a 32-bit selective mask of buffered out-of-order arrivals, so the sender
// can tell unambiguously which messages are still in flight.
type reliableRecv struct {
	delivered uint64
	buffer    map[uint64]protocol.Envelope
}

func newReliableRecv() *reliableRecv {
	return &reliableRecv{buffer: make(map[uint64]protocol.Envelope)}
}

// accept ingests an arrival and returns the envelopes now deliverable in
// order. Duplicates and already-delivered sequences return nothing but still
// warrant a re-ack by the caller.
func (r *reliableRecv) accept(env protocol.Envelope) []protocol.Envelope {
	if env.Seq <= r.delivered {
		return nil
	}
	if _, dup := r.buffer[env.Seq]; dup {
		return nil
	}
	r.buffer[env.Seq] = env

	var out []protocol.Envelope
	for {
		next, ok := r.buffer[r.delivered+1]
		if !ok {
			return out
		}
		delete(r.buffer, r.delivered+1)
		r.delivered++
		out = append(out, next)
	}
}

// ackState returns the cumulative ack and the selective bits. Bit i set means
// sequence ack+1+i has been received out of order.
func (r *reliableRecv) ackState() (uint64, uint32) {
	var bits uint32
	for seq := range r.buffer {
		offset := seq - r.delivered - 1
		if offset < 32 {
			bits |= 1 << offset
		}
	}
	return r.delivered, bits
}
