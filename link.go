package zivshmem

import (
	"fmt"
)

// LinkState is the state a port publishes in the segment state table
type LinkState uint32

const (
	StateReset LinkState = iota
	StateInit
	StateReady
	StateRun
)

func (s LinkState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateRun:
		return "RUN"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(s))
}

// transition is the result of one link state evaluation
type transition struct {
	next       LinkState
	resetQueue bool
	carrierOn  bool
	carrierOff bool
}

// nextState evaluates the link state machine. The queue is reset on the way
// from INIT to READY: at that point the peer has seen us leave RUN and does
// not read our section until we publish READY.
func nextState(self LinkState, peer LinkState, enabled bool) transition {
	t := transition{next: self}
	switch self {
	case StateReset:
		if peer == StateReset || peer == StateInit {
			t.next = StateInit
		}
	case StateInit:
		if peer != StateReset {
			t.next = StateReady
			t.resetQueue = true
		}
	case StateReady, StateRun:
		peerUp := peer == StateReady || peer == StateRun
		switch {
		case peer == StateReset || (!enabled && self == StateRun && peerUp):
			t.next = StateReset
			t.carrierOff = self == StateRun
		case enabled && self == StateReady && peerUp:
			t.next = StateRun
			t.carrierOn = true
		}
	default:
		t.next = StateReset
	}
	return t
}

// State returns the state this port publishes
func (p *Port) State() LinkState {
	return LinkState(p.seg.loadState(p.cfg.Id))
}

// PeerState returns the state published by the peer
func (p *Port) PeerState() LinkState {
	return LinkState(p.seg.loadState(p.peerId()))
}

func (p *Port) peerId() uint32 {
	return MaxPeers - 1 - p.cfg.Id
}

func (p *Port) setState(s LinkState) {
	p.seg.storeState(p.cfg.Id, uint32(s))
	p.metrics.linkState.Set(float64(s))
}

// updateState advances the link state from the peer's state and reports
// whether it changed. The peer is notified of every change.
func (p *Port) updateState() (bool, error) {
	p.stateLock.Lock()
	self := p.State()
	peer := p.PeerState()
	t := nextState(self, peer, p.enabled.Load())
	if t.next == self {
		p.stateLock.Unlock()
		return false, nil
	}

	if t.resetQueue {
		p.txLock.Lock()
		p.rxLock.Lock()
		p.queue.Reset()
		p.rxLock.Unlock()
		p.txLock.Unlock()
	}
	p.setState(t.next)
	if t.carrierOn {
		p.carrier = true
	}
	if t.carrierOff {
		p.carrier = false
	}
	p.stateLock.Unlock()

	p.log.WithField("peer", peer).Infof("link state %s -> %s", self, t.next)

	var err error
	if t.carrierOn && p.cfg.ConnectedFunc != nil {
		if cerr := p.cfg.ConnectedFunc(p); cerr != nil {
			err = fmt.Errorf("connectedFunc: %v", cerr)
		}
	}
	if t.carrierOff && p.cfg.DisconnectedFunc != nil {
		if cerr := p.cfg.DisconnectedFunc(p); cerr != nil {
			err = fmt.Errorf("disconnectedFunc: %v", cerr)
		}
	}

	if rerr := p.doorbell.Ring(); rerr != nil && err == nil {
		err = rerr
	}
	return true, err
}

// linkReset publishes RESET outside the state machine, after a protocol
// error or on Delete. The peer follows and both queues are reset on the way
// back to READY.
func (p *Port) linkReset(reason string) error {
	p.stateLock.Lock()
	self := p.State()
	wasUp := p.carrier
	p.carrier = false
	p.setState(StateReset)
	p.stateLock.Unlock()

	if self != StateReset {
		p.log.Infof("link state %s -> %s: %s", self, StateReset, reason)
	}

	var err error
	if wasUp && p.cfg.DisconnectedFunc != nil {
		if cerr := p.cfg.DisconnectedFunc(p); cerr != nil {
			err = fmt.Errorf("disconnectedFunc: %v", cerr)
		}
	}
	if rerr := p.doorbell.Ring(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Enable allows the link to reach RUN once the peer is ready. It also
// clears the protocol error count.
func (p *Port) Enable() error {
	p.protoErrors.Store(0)
	p.enabled.Store(true)
	return p.doorbell.Interrupt()
}

// Disable takes the link down. The peer observes RESET on the next poll.
func (p *Port) Disable() error {
	p.enabled.Store(false)
	return p.doorbell.Interrupt()
}

// IsEnabled reports whether Enable was called
func (p *Port) IsEnabled() bool {
	return p.enabled.Load()
}

// IsConnected returns true if the carrier is on
func (p *Port) IsConnected() bool {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	return p.carrier
}
