package bittorrent

import (
	"time"

	"golang.org/x/time/rate"
)

// ChannelTransport is a concrete, in-process Transport: it paces a
// session's outbound queue onto a channel using a token bucket, the way
// the teacher's buffer.go pumped a pending slice onto a channel with a
// select loop. Real byte-level socket I/O is still external per this
// module's scope — this is the piece of "drain the queue" a host can use
// directly instead of writing its own, bounded by a byte-rate budget via
// golang.org/x/time/rate instead of the teacher's hand-rolled ticker
// channel in ratelimit.go.
type ChannelTransport struct {
	in      chan transportCmd
	out     chan ProtocolMessage
	limiter *rate.Limiter
	closed  chan struct{}
}

type transportCmd interface{}

type enqueueCmd struct{ bundle MessageBundle }
type processCmd struct{}
type closeCmd struct{ reason string }

// NewChannelTransport paces output to bytesPerSecond, allowing bursts up
// to burstBytes. A non-positive bytesPerSecond disables pacing (messages
// go to Out as fast as the host reads them). With pacing on, a message
// the limiter holds back is retried only when the next Enqueue or
// ProcessQueue call wakes the loop.
func NewChannelTransport(bytesPerSecond, burstBytes int) *ChannelTransport {
	var limiter *rate.Limiter
	if bytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burstBytes)
	}
	t := &ChannelTransport{
		in:     make(chan transportCmd, 16),
		out:    make(chan ProtocolMessage),
		closed: make(chan struct{}),
	}
	t.limiter = limiter
	go t.run()
	return t
}

// Out is the downstream channel a host reads paced, drained messages
// from.
func (t *ChannelTransport) Out() <-chan ProtocolMessage { return t.out }

func (t *ChannelTransport) Enqueue(bundle MessageBundle) {
	select {
	case t.in <- enqueueCmd{bundle}:
	case <-t.closed:
	}
}

func (t *ChannelTransport) ProcessQueue() {
	select {
	case t.in <- processCmd{}:
	case <-t.closed:
	}
}

func (t *ChannelTransport) Close(reason string) {
	select {
	case t.in <- closeCmd{reason}:
	case <-t.closed:
	}
}

func (t *ChannelTransport) run() {
	var pending []ProtocolMessage
	for {
		var next ProtocolMessage
		var outCh chan ProtocolMessage
		if len(pending) > 0 && t.allow(pending[0]) {
			next = pending[0]
			outCh = t.out
		}

		select {
		case cmd := <-t.in:
			switch c := cmd.(type) {
			case enqueueCmd:
				pending = append(pending, c.bundle...)
			case processCmd:
				// no-op beyond waking the loop: pending is re-evaluated above
			case closeCmd:
				close(t.closed)
				return
			}
		case outCh <- next:
			pending = pending[1:]
		}
	}
}

func (t *ChannelTransport) allow(pm ProtocolMessage) bool {
	if t.limiter == nil {
		return true
	}
	return t.limiter.AllowN(time.Now(), WireLen(pm))
}
