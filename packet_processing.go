package zivshmem

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

const writeRetryInitialInterval = 50 * time.Microsecond

// maxRxBurst bounds the frames handed to RxFunc per poll
const maxRxBurst = 64

// protocolError accounts a peer protocol violation and resets the link.
// The offending entry is dropped with the rest of both rings.
func (p *Port) protocolError(err error) {
	n := p.protoErrors.Add(1)
	p.metrics.protocolErrors.Inc()
	p.log.WithField("count", n).Errorf("peer protocol error: %v", err)
	if rerr := p.linkReset("protocol error"); rerr != nil {
		p.log.Warn(rerr)
	}
}

// WritePacket writes one frame to the shared memory, notifies the peer and
// returns the number of bytes written
func (p *Port) WritePacket(pkt []byte) (int, error) {
	p.txLock.Lock()
	if p.State() != StateRun {
		p.txLock.Unlock()
		return 0, ErrLinkDown
	}

	buf, err := p.queue.TxGetBuffer(len(pkt))
	if err != nil {
		p.txLock.Unlock()
		switch {
		case IsTransient(err):
			p.metrics.txFull.Inc()
		case errors.Is(err, ErrProtocol):
			p.protocolError(err)
		}
		return 0, err
	}
	n := copy(buf, pkt)
	err = p.queue.TxCommitBuffer()
	p.txLock.Unlock()
	if err != nil {
		return 0, err
	}

	p.metrics.txFrames.Inc()
	p.metrics.txBytes.Add(float64(n))
	return n, p.doorbell.Ring()
}

// WritePacketContext is WritePacket retrying while the ring is full, until
// ctx is done
func (p *Port) WritePacketContext(ctx context.Context, pkt []byte) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = writeRetryInitialInterval
	b.MaxInterval = p.cfg.PollInterval
	b.MaxElapsedTime = 0
	b.Reset()

	var n int
	err := backoff.Retry(func() error {
		var err error
		n, err = p.WritePacket(pkt)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	return n, err
}

// ReadPacket reads one frame into pkt and returns its length. It returns 0
// with a nil error when no frame is available.
func (p *Port) ReadPacket(pkt []byte) (int, error) {
	p.rxLock.Lock()
	if p.State() != StateRun {
		p.rxLock.Unlock()
		return 0, ErrLinkDown
	}

	frame, err := p.queue.RxReceive()
	if errors.Is(err, ErrWouldBlock) {
		p.rxLock.Unlock()
		return 0, nil
	}
	if err != nil {
		p.rxLock.Unlock()
		p.protocolError(err)
		return 0, err
	}

	n := len(frame)
	if n > len(pkt) {
		err = errors.Wrapf(ErrShortBuffer, "frame of %d bytes, buffer of %d", n, len(pkt))
		p.metrics.rxDrops.Inc()
		p.log.Warn(err)
		n = 0
	} else {
		copy(pkt, frame)
	}
	rerr := p.queue.RxRelease()
	p.rxLock.Unlock()
	if rerr != nil {
		return 0, rerr
	}

	if n > 0 {
		p.metrics.rxFrames.Inc()
		p.metrics.rxBytes.Add(float64(n))
	}
	if rerr = p.doorbell.Ring(); rerr != nil && err == nil {
		err = rerr
	}
	return n, err
}

// receive copies the next frame out of shared memory and releases it
func (p *Port) receive() (*bytebufferpool.ByteBuffer, error) {
	p.rxLock.Lock()
	defer p.rxLock.Unlock()

	frame, err := p.queue.RxReceive()
	if err != nil {
		return nil, err
	}
	bb := bytebufferpool.Get()
	bb.B = append(bb.B[:0], frame...)
	if err = p.queue.RxRelease(); err != nil {
		bytebufferpool.Put(bb)
		return nil, err
	}
	return bb, nil
}

// drainRx hands up to maxRxBurst frames to RxFunc
func (p *Port) drainRx() (err error) {
	released := false
	defer func() {
		if !released {
			return
		}
		if rerr := p.doorbell.Ring(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	for i := 0; i < maxRxBurst; i++ {
		bb, err := p.receive()
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		if err != nil {
			p.protocolError(err)
			return err
		}
		released = true

		p.metrics.rxFrames.Inc()
		p.metrics.rxBytes.Add(float64(len(bb.B)))
		p.cfg.RxFunc(p, bb.B)
		bytebufferpool.Put(bb)
	}
	return nil
}
