// Package reactor implements the Poller: registers socket handles with the
// OS readiness interface (epoll on Linux, poll(2) elsewhere) and dispatches
// readiness callbacks synchronously on the calling (reactor) goroutine.
//
// Everything in this package runs on exactly one goroutine per Poller.
// There are no locks because there is only ever one caller; concurrent use
// of a single Poller from multiple goroutines is not supported, matching
// the single-reactor-thread model the rest of tcpnukleus assumes.
package reactor

import (
	"errors"
	"time"
)

// Op is a readiness interest: readable, writable, or both.
type Op uint8

const (
	OpRead Op = 1 << iota
	OpWrite
)

// Handler is invoked when a Key becomes ready for the op it was registered
// under. The returned int is a small amount-of-work signal used only for
// fairness accounting by callers that batch handler invocations; it carries
// no protocol meaning.
type Handler func() (work int, err error)

// ErrClosed is returned by Poller methods after Close.
var ErrClosed = errors.New("reactor: poller closed")

// Key represents one registered file descriptor. A single attachment and
// up to two handlers (read, write) are stored per key, matching spec §9's
// "avoid per-event heap allocation" guidance: there is exactly one Key per
// connection, not one per event.
type Key struct {
	fd         int
	interest   Op
	onRead     Handler
	onWrite    Handler
	onError    func(error)
	attachment any
	cancelled  bool
	poller     *Poller
}

// Attachment returns the value passed to Register.
func (k *Key) Attachment() any { return k.attachment }

// Fd returns the underlying file descriptor.
func (k *Key) Fd() int { return k.fd }

// SetHandler installs the callback invoked when op becomes ready. It is
// legal to change handlers after registration (the stream factory does
// this when a WriteStream lazily registers its OP_WRITE handler).
func (k *Key) SetHandler(op Op, h Handler) {
	if op&OpRead != 0 {
		k.onRead = h
	}
	if op&OpWrite != 0 {
		k.onWrite = h
	}
}

// OnError installs the callback invoked when a handler on this key returns
// a non-nil error, just after the key is cancelled (spec §4.A).
func (k *Key) OnError(fn func(error)) { k.onError = fn }

// Enable adds ops to the key's interest set.
func (k *Key) Enable(ops Op) error {
	if k.cancelled {
		return ErrClosed
	}
	next := k.interest | ops
	if next == k.interest {
		return nil
	}
	k.interest = next
	return k.poller.backend.modify(k.fd, toBackendMask(k.interest))
}

// Disable removes ops from the key's interest set.
func (k *Key) Disable(ops Op) error {
	if k.cancelled {
		return ErrClosed
	}
	next := k.interest &^ ops
	if next == k.interest {
		return nil
	}
	k.interest = next
	return k.poller.backend.modify(k.fd, toBackendMask(k.interest))
}

// Interested reports whether op is currently in the key's interest set.
func (k *Key) Interested(op Op) bool { return k.interest&op != 0 }

// Cancel deregisters the key. Idempotent, per the cancellation semantics in
// spec §5.
func (k *Key) Cancel() {
	if k.cancelled {
		return
	}
	k.cancelled = true
	_ = k.poller.backend.remove(k.fd)
	delete(k.poller.keys, k.fd)
}

// Poller wraps the OS readiness primitive.
type Poller struct {
	backend backend
	keys    map[int]*Key
	closed  bool
}

// New constructs a Poller backed by the best available OS mechanism for the
// current platform.
func New() (*Poller, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	return &Poller{backend: b, keys: make(map[int]*Key)}, nil
}

// Register adds fd to the poller with the given initial interest and
// returns its Key.
func (p *Poller) Register(fd int, interest Op, attachment any) (*Key, error) {
	if p.closed {
		return nil, ErrClosed
	}
	k := &Key{fd: fd, interest: interest, attachment: attachment, poller: p}
	if err := p.backend.add(fd, toBackendMask(interest)); err != nil {
		return nil, err
	}
	p.keys[fd] = k
	return k, nil
}

// PollOnce blocks up to timeout waiting for readiness, then synchronously
// invokes the matching handlers on this goroutine. It returns the number of
// keys that had at least one handler invoked.
//
// A handler error cancels its key (closing the channel is the handler's own
// responsibility, driven from OnError) rather than propagating: a single
// misbehaving connection must not take down the reactor (spec §7: "Uncaught
// internal errors propagate up to the reactor, which logs and continues"
// refers to errors *outside* handler scope; handler errors are always
// stream-scoped and are contained here).
func (p *Poller) PollOnce(timeout time.Duration) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	events, err := p.backend.wait(timeout)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, ev := range events {
		k, ok := p.keys[ev.fd]
		if !ok {
			continue // key was cancelled by an earlier handler in this same batch
		}
		acted := false
		if (ev.readable || ev.errored) && k.onRead != nil && k.interest&OpRead != 0 {
			acted = true
			if _, err := k.onRead(); err != nil {
				p.fail(k, err)
				dispatched++
				continue
			}
		}
		if k.cancelled {
			if acted {
				dispatched++
			}
			continue
		}
		if (ev.writable || ev.errored) && k.onWrite != nil && k.interest&OpWrite != 0 {
			acted = true
			if _, err := k.onWrite(); err != nil {
				p.fail(k, err)
				dispatched++
				continue
			}
		}
		if acted {
			dispatched++
		}
	}
	return dispatched, nil
}

func (p *Poller) fail(k *Key, err error) {
	k.Cancel()
	if k.onError != nil {
		k.onError(err)
	}
}

// Close releases the underlying OS resource. Registered keys are not
// individually cancelled; callers are expected to have torn down their
// connections already.
func (p *Poller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.backend.close()
}

func toBackendMask(op Op) uint32 {
	var m uint32
	if op&OpRead != 0 {
		m |= backendRead
	}
	if op&OpWrite != 0 {
		m |= backendWrite
	}
	return m
}

// backend is the OS-specific readiness primitive. Implementations live in
// poller_epoll_linux.go (epoll) and poller_poll_unix.go (poll(2)).
type backend interface {
	add(fd int, events uint32) error
	modify(fd int, events uint32) error
	remove(fd int) error
	wait(timeout time.Duration) ([]readyEvent, error)
	close() error
}

type readyEvent struct {
	fd       int
	readable bool
	writable bool
	errored  bool
}
