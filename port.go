/*
 *------------------------------------------------------------------
 * Copyright (c) 2020 Cisco and/or its affiliates.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at:
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *------------------------------------------------------------------
 */

// Package zivshmem provides an ethernet link between two peers (VMs sharing
// an ivshmem device, or processes sharing a memory file).
//
// The shared segment holds a small state table and one output section per
// peer. Each section carries a virtio split ring followed by a data area, and
// each peer only ever writes its own section: frames go out through the
// avail ring of the own section and are acknowledged through the used ring
// of the peer's section. Queue implements this protocol on two byte slices.
//
// Port adds the link on top: NewPort() maps the segment, Enable() lets the
// link come up and StartPolling() runs the state machine and delivers frames
// to the RxFunc set in PortCfg. When the link changes status Connected and
// Disconnected callbacks are called respectively. While connected frames are
// sent with port.WritePacket() and, without an RxFunc, received with
// port.ReadPacket().
package zivshmem

import (
	"fmt"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/multierr"
)

// GetName returns ports name
func (p *Port) GetName() string {
	return p.cfg.Name
}

// GetId returns ports id
func (p *Port) GetId() uint32 {
	return p.cfg.Id
}

// GetExtendData returns ports extend data
func (p *Port) GetExtendData() interface{} {
	return p.cfg.ExtendData
}

// GetSegment returns the segment the port lives on
func (p *Port) GetSegment() *Segment {
	return p.seg
}

// GetQueue returns the queue of the port, for diagnostics
func (p *Port) GetQueue() *Queue {
	return p.queue
}

// StartPolling starts the goroutine running the link state machine and,
// when RxFunc is set, delivering received frames
func (p *Port) StartPolling() {
	if p.stopPollChan != nil {
		return
	}
	p.stopPollChan = make(chan struct{})
	p.Wg.Add(1)
	go func(stop chan struct{}) {
		defer p.Wg.Done()

		for {
			select {
			case <-stop:
				return
			default:
				if err := p.poll(); err != nil {
					p.reportError(fmt.Errorf("poll: %v", err))
				}
				if _, err := p.doorbell.Wait(p.cfg.PollInterval); err != nil {
					p.reportError(err)
					return
				}
			}
		}
	}(p.stopPollChan)
}

// StopPolling stops the polling goroutine and waits for it to exit
func (p *Port) StopPolling() error {
	if p.stopPollChan == nil {
		return nil
	}
	close(p.stopPollChan)
	err := p.doorbell.Interrupt()
	// wait until polling is stopped
	p.Wg.Wait()
	p.stopPollChan = nil
	return err
}

func (p *Port) reportError(err error) {
	select {
	case p.ErrChan <- err:
	default:
		p.log.Warnf("error channel full, dropping: %v", err)
	}
}

// poll runs one iteration of the polling goroutine
func (p *Port) poll() error {
	if _, err := p.updateState(); err != nil {
		return err
	}
	if p.cfg.RxFunc == nil || p.State() != StateRun {
		return nil
	}
	return p.drainRx()
}

// HealthCheck fails once the peer has published ProtocolErrorThreshold
// invalid ring entries since the port was last enabled
func (p *Port) HealthCheck() error {
	n := p.protoErrors.Load()
	if n >= p.cfg.ProtocolErrorThreshold {
		return fmt.Errorf("%s: %d ring protocol errors since enable", p.cfg.Name, n)
	}
	return nil
}

// ReadyCheck fails while the link is not running
func (p *Port) ReadyCheck() error {
	if s := p.State(); s != StateRun {
		return fmt.Errorf("%s: link %s: %w", p.cfg.Name, s, ErrLinkDown)
	}
	return nil
}

// AddChecks registers the port liveness and readiness checks on h
func (p *Port) AddChecks(h healthcheck.Handler) {
	name := fmt.Sprintf("ivshmem-%s-%d", p.cfg.Name, p.cfg.Id)
	h.AddLivenessCheck(name, p.HealthCheck)
	h.AddReadinessCheck(name, p.ReadyCheck)
}

// Delete stops polling, publishes RESET and releases the port resources
func (p *Port) Delete() (err error) {
	err = multierr.Append(err, p.StopPolling())
	err = multierr.Append(err, p.linkReset("port deleted"))
	err = multierr.Append(err, p.doorbell.Close())
	p.metrics.unregister(p.cfg.Registerer)

	if p.ownSegment {
		err = multierr.Append(err, p.seg.Close())
	}
	return err
}

func (p *Port) String() string {
	result := fmt.Sprintf("%s:\n\tid: %d\n", p.GetName(), p.GetId())
	link := "down"
	if p.IsConnected() {
		link = "up"
	}
	result += fmt.Sprintf("\tlink: %s\n\tstate: %s\n\tpeer: %s\n",
		link, p.State(), p.PeerState())
	result += fmt.Sprintf("section size: %d\ndescriptors: %d\ndata size: %d\n",
		p.queue.SectionSize(), p.queue.DescMaxLen(), p.queue.DataMaxLen())
	return result
}
