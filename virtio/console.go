package virtio

import (
	"sync"
)

const (
	consoleDeviceID = 3

	featConsoleSize = 1 << 0

	// rxBackpressureCap bounds how much pty output Console buffers
	// while the guest's RX queue has no available buffers, per
	// spec.md §4.6's "buffered up to a fixed cap (then oldest bytes
	// dropped with a warning counter incremented)".
	rxBackpressureCap = 64 * 1024
)

// ConsoleBackend is the host-side terminal vmsh wires the guest's
// console to, spec.md §3's ConsoleBackend (a pty pair in practice).
type ConsoleBackend interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Console is the virtio-console Device backend: queue 0 is RX (host to
// guest), queue 1 is TX (guest to host), grounded on spec.md §4.6's
// "bi-directional pair of queues" description; there is no gokvm
// analogue (gokvm never offered virtio-console), so this is built
// directly from the spec against the same Queue/MmioDevice machinery
// Blk uses.
type Console struct {
	backend ConsoleBackend

	mu      sync.Mutex
	rxBuf   []byte
	dropped uint64
}

// NewConsole returns a virtio-console device forwarding backend's
// bytes in both directions.
func NewConsole(backend ConsoleBackend) *Console {
	return &Console{backend: backend}
}

func (c *Console) DeviceID() uint32        { return consoleDeviceID }
func (c *Console) NumQueues() int          { return 2 }
func (c *Console) OfferedFeatures() uint64 { return featVersion1 | featConsoleSize }
func (c *Console) ConfigSpace() []byte     { return make([]byte, 4) } // cols/rows unused

const (
	rxQueueIdx = 0
	txQueueIdx = 1
)

// OnQueueNotify drains the TX queue to the backend on a TX notify and
// feeds the RX queue (or the backpressure buffer) on an RX notify.
// PumpRX should additionally be called whenever the backend itself has
// bytes ready with no matching guest notify (driven by eventloop).
func (c *Console) OnQueueNotify(qidx int, q *Queue, irq IRQInjector) error {
	switch qidx {
	case txQueueIdx:
		return c.drainTX(q, irq)
	case rxQueueIdx:
		return c.PumpRX(q, irq)
	default:
		return nil
	}
}

func (c *Console) drainTX(q *Queue, irq IRQInjector) error {
	processed := 0

	for {
		head, ok, err := q.PopAvail()
		if err != nil {
			return err
		}

		if !ok {
			break
		}

		chain, err := q.ReadChain(head)
		if err != nil {
			if pushErr := q.PushUsed(head, 0); pushErr != nil {
				return pushErr
			}

			continue
		}

		written := uint32(0)

		for _, d := range chain {
			buf, err := q.mem.Read(d.Addr, int(d.Len))
			if err != nil {
				continue
			}

			n, _ := c.backend.Write(buf)
			written += uint32(n)
		}

		if err := q.PushUsed(head, written); err != nil {
			return err
		}

		processed++
	}

	if processed == 0 {
		return nil
	}

	return irq.Inject()
}

// PumpRX moves buffered or freshly read backend bytes into the RX
// queue's next available buffer. It is safe to call with no available
// buffers: bytes accumulate in rxBuf up to rxBackpressureCap.
func (c *Console) PumpRX(q *Queue, irq IRQInjector) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	processed := 0

	for len(c.rxBuf) > 0 {
		head, ok, err := q.PopAvail()
		if err != nil {
			return err
		}

		if !ok {
			break
		}

		chain, err := q.ReadChain(head)
		if err != nil {
			return err
		}

		written := uint32(0)

		for _, d := range chain {
			if d.Flags&descFlagWrite == 0 {
				continue
			}

			n := int(d.Len)
			if n > len(c.rxBuf) {
				n = len(c.rxBuf)
			}

			if err := q.mem.Write(d.Addr, c.rxBuf[:n]); err != nil {
				return err
			}

			c.rxBuf = c.rxBuf[n:]
			written += uint32(n)

			if len(c.rxBuf) == 0 {
				break
			}
		}

		if err := q.PushUsed(head, written); err != nil {
			return err
		}

		processed++
	}

	if processed == 0 {
		return nil
	}

	return irq.Inject()
}

// FeedFromBackend appends data read from the pty into the backpressure
// buffer, dropping the oldest bytes and incrementing Dropped if the
// cap is exceeded.
func (c *Console) FeedFromBackend(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.rxBuf = append(c.rxBuf, data...)

	if overflow := len(c.rxBuf) - rxBackpressureCap; overflow > 0 {
		c.rxBuf = c.rxBuf[overflow:]
		c.dropped += uint64(overflow)

		log.WithField("dropped", c.dropped).Warn("virtio-console RX backpressure buffer overflowed")
	}

	return nil
}

// Dropped reports the total number of bytes ever dropped due to RX
// backpressure.
func (c *Console) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dropped
}
