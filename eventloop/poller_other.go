//go:build !linux

package eventloop

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrFDOutOfRange        = errors.New("eventloop: fd out of range")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrPollerClosed        = errors.New("eventloop: poller closed")
)

// ErrFDUnsupported is returned by RegisterFD where raw descriptor polling
// is not implemented. Network I/O goes through the reactor package instead.
var ErrFDUnsupported = errors.ErrUnsupported

// poller is the portable fallback: a one-slot channel stands in for the
// eventfd, and there is no descriptor multiplexing.
type poller struct {
	wakeCh chan struct{}
	onWake func()
	closed atomic.Bool
}

func (p *poller) init(onWake func()) error {
	p.wakeCh = make(chan struct{}, 1)
	p.onWake = onWake
	return nil
}

func (p *poller) close() error {
	p.closed.Store(true)
	return nil
}

func (p *poller) wakeup() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (p *poller) poll(timeoutMs int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-p.wakeCh:
		if p.onWake != nil {
			p.onWake()
		}
	case <-timer.C:
	}
	return nil
}

func (p *poller) registerFD(int, IOEvents, IOCallback) error { return ErrFDUnsupported }

func (p *poller) unregisterFD(int) error { return ErrFDUnsupported }

func (p *poller) modifyFD(int, IOEvents) error { return ErrFDUnsupported }
