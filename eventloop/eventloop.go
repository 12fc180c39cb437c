// Package eventloop runs the single dedicated thread spec.md §4.7
// describes: it drains every registered device's MmioEvent channel,
// pumps console backend bytes into their RX queues, and watches a
// control channel for shutdown, draining all ready work before
// blocking again so guest notifications and backend completions stay
// fair to each other. Grounded on gokvm's
// machine.RunInfiniteLoop/RunOnce dispatch loop, generalized from "one
// vCPU's KVM_RUN exits" to "one session's device events", and on the
// same runtime.LockOSThread discipline gokvm documents for any
// goroutine issuing vCPU-affine ioctls.
package eventloop

import (
	"errors"
	"runtime"

	"github.com/Mic92/vmsh/internal/logging"
	"github.com/Mic92/vmsh/internal/vmerr"
	"github.com/Mic92/vmsh/mmiotrap"
	"github.com/Mic92/vmsh/virtio"
)

var log = logging.For("eventloop")

// taggedEvent pairs one MmioEvent with the device that owns the range
// it arrived on, since Loop fans in every registered range's channel
// into one select.
type taggedEvent struct {
	dev *virtio.MmioDevice
	ev  mmiotrap.MmioEvent
}

// ConsolePump is implemented by virtio.Console: Loop calls it whenever
// the registered console backend itself has bytes ready, independent
// of any guest notify.
type ConsolePump interface {
	FeedFromBackend(data []byte) error
}

// consoleSource pairs a console device's backend fd-driven reader with
// the device it feeds; the RX queue itself is resolved lazily via
// dev.Queue(rxQueueIdx) on every poll since the guest driver activates
// it on its own schedule, well after AddConsolePump is called.
type consoleSource struct {
	pump       ConsolePump
	read       func([]byte) (int, error)
	dev        *virtio.MmioDevice
	rxQueueIdx int
	irq        virtio.IRQInjector
}

// Loop is one attached session's event multiplexer.
type Loop struct {
	devices  map[mmiotrap.Range]*virtio.MmioDevice
	fanIn    chan taggedEvent
	consoles []consoleSource
	control  chan struct{}
	done     chan error
}

// NewLoop returns an idle Loop with no registered devices.
func NewLoop() *Loop {
	return &Loop{
		devices: make(map[mmiotrap.Range]*virtio.MmioDevice),
		fanIn:   make(chan taggedEvent, 64),
		control: make(chan struct{}),
		done:    make(chan error, 1),
	}
}

// AddDevice registers dev's events (delivered on events) for the
// lifetime of the loop. Must be called before Run.
func (l *Loop) AddDevice(rng mmiotrap.Range, dev *virtio.MmioDevice, events <-chan mmiotrap.MmioEvent) {
	l.devices[rng] = dev

	go func() {
		for ev := range events {
			l.fanIn <- taggedEvent{dev: dev, ev: ev}
		}
	}()
}

// AddConsolePump registers a console backend reader that Run polls
// alongside guest MMIO events, feeding bytes it reads into pump and
// opportunistically draining them into dev's rxQueueIdx'th queue once
// the guest has activated it.
func (l *Loop) AddConsolePump(pump ConsolePump, read func([]byte) (int, error), dev *virtio.MmioDevice, rxQueueIdx int, irq virtio.IRQInjector) {
	l.consoles = append(l.consoles, consoleSource{pump: pump, read: read, dev: dev, rxQueueIdx: rxQueueIdx, irq: irq})
}

// Shutdown requests the loop finish its current work and stop, per
// spec.md §5's cancellation rule: "finishes the current descriptor
// chain (if any)... then unregisters ranges." Run's caller is still
// responsible for the unregister step; Shutdown only stops the loop.
func (l *Loop) Shutdown() {
	close(l.control)
}

// Run blocks, pinned to its own OS thread for the ioctl-affinity
// reasons gokvm's RunInfiniteLoop documents, until Shutdown is called
// or a fatal device error occurs.
func (l *Loop) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for _, c := range l.consoles {
		go l.pollConsole(c)
	}

	for {
		select {
		case <-l.control:
			return l.drainAndStop()
		case tagged := <-l.fanIn:
			if err := l.handleDispatchErr(l.dispatch(tagged)); err != nil {
				return err
			}

			if err := l.drainReady(); err != nil {
				return err
			}
		}
	}
}

// drainReady services every event already queued in fanIn before
// blocking again, per spec.md §4.7's "drains all ready fds before
// blocking again." A fatal error stops the drain and propagates; any
// other error is logged and draining continues.
func (l *Loop) drainReady() error {
	for {
		select {
		case tagged := <-l.fanIn:
			if err := l.handleDispatchErr(l.dispatch(tagged)); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// handleDispatchErr implements spec.md §7's propagation rule: only
// ErrFatal aborts the loop. An InvariantViolated (or any other
// non-fatal) error means the offending device is left FAILED by
// mmio.go's call sites, but the session — and every other device —
// keeps running.
func (l *Loop) handleDispatchErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, vmerr.ErrFatal) {
		return err
	}

	log.WithField("err", err).Error("eventloop: device event handling failed")

	return nil
}

func (l *Loop) drainAndStop() error {
	err := l.drainReady()
	log.Debug("eventloop: shutdown requested, loop stopping")

	return err
}

func (l *Loop) dispatch(tagged taggedEvent) error {
	return tagged.dev.HandleEvent(tagged.ev)
}

// pollConsole blocks reading c's backend and forwards bytes to its
// pump and queue; it exits when read returns an error (backend
// closed).
func (l *Loop) pollConsole(c consoleSource) {
	buf := make([]byte, 4096)

	for {
		n, err := c.read(buf)
		if err != nil {
			log.WithField("err", err).Debug("eventloop: console backend closed")

			return
		}

		if n == 0 {
			continue
		}

		if err := c.pump.FeedFromBackend(buf[:n]); err != nil {
			log.WithField("err", err).Warn("eventloop: console backend feed failed")

			continue
		}

		if console, ok := c.pump.(*virtio.Console); ok {
			if q := c.dev.Queue(c.rxQueueIdx); q != nil {
				if err := console.PumpRX(q, c.irq); err != nil {
					log.WithField("err", err).Warn("eventloop: console RX pump failed")
				}
			}
		}
	}
}
