package zivshmem

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSegmentPath            = "/dev/shm/ivshmem"
	DefaultSectionSize            = 1 << 20
	DefaultCacheLineSize          = 64
	DefaultPollInterval           = 10 * time.Millisecond
	DefaultProtocolErrorThreshold = 8
)

// Port represents one end of an ivshmem ethernet link
type Port struct {
	cfg          PortCfg
	ExtendData   interface{}
	seg          *Segment
	ownSegment   bool
	queue        *Queue
	doorbell     Doorbell
	log          *logrus.Entry
	metrics      *portMetrics
	enabled      atomic.Bool
	carrier      bool
	protoErrors  atomic.Uint32
	stateLock    sync.Mutex
	txLock       sync.Mutex
	rxLock       sync.Mutex
	stopPollChan chan struct{}
	ErrChan      chan error
	QuitChan     chan struct{}
	Wg           sync.WaitGroup
}

// ConnectedFunc is a callback called when the link comes up
type ConnectedFunc func(p *Port) error

// DisconnectedFunc is a callback called when the link goes down
type DisconnectedFunc func(p *Port) error

// RxFunc is called by the poller for every received frame. pkt is only valid
// until the callback returns.
type RxFunc func(p *Port, pkt []byte)

// PortCfg represent port configuration
type PortCfg struct {
	Id                     uint32 // 0 or 1, selects the output section and state word written by this port
	Name                   string
	SegmentPath            string // shared memory file, used by NewPort only
	SectionSize            int    // size of each output section when the segment is created
	CacheLineSize          uint32 // frame footprint granularity, must match the peer
	PollInterval           time.Duration
	ProtocolErrorThreshold uint32 // protocol errors after which HealthCheck fails
	CacheMaintainer        CacheMaintainer
	Doorbell               Doorbell // defaults to a polling doorbell
	Registerer             prometheus.Registerer
	Logger                 *logrus.Logger
	ConnectedFunc          ConnectedFunc    // callback called when Port changes status to connected
	DisconnectedFunc       DisconnectedFunc // callback called when Port changes status to disconnected
	RxFunc                 RxFunc
	ExtendData             interface{} // ExtendData used by client program
}

// NewPort opens the segment at cfg.SegmentPath, creating it when it does not
// exist yet, and returns a port on it. The segment is closed by Delete.
func NewPort(cfg *PortCfg) (*Port, error) {
	path := cfg.SegmentPath
	if path == "" {
		path = DefaultSegmentPath
	}

	seg, err := OpenSegment(path)
	if errors.Is(err, os.ErrNotExist) {
		sectionSize := cfg.SectionSize
		if sectionSize == 0 {
			sectionSize = DefaultSectionSize
		}
		seg, err = CreateSegment(path, sectionSize)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to map segment %s: %w", path, err)
	}

	p, err := NewPortOnSegment(seg, cfg)
	if err != nil {
		seg.Close()
		return nil, err
	}
	p.ownSegment = true
	return p, nil
}

// NewPortOnSegment returns a port on a segment owned by the caller
func NewPortOnSegment(seg *Segment, cfg *PortCfg) (*Port, error) {
	if cfg.Id >= MaxPeers {
		return nil, fmt.Errorf("invalid port id %d", cfg.Id)
	}

	// copy port configuration
	p := &Port{
		cfg: *cfg,
		seg: seg,
	}
	// set default values
	if p.cfg.CacheLineSize == 0 {
		p.cfg.CacheLineSize = DefaultCacheLineSize
	}
	if p.cfg.PollInterval == 0 {
		p.cfg.PollInterval = DefaultPollInterval
	}
	if p.cfg.ProtocolErrorThreshold == 0 {
		p.cfg.ProtocolErrorThreshold = DefaultProtocolErrorThreshold
	}
	if p.cfg.Logger == nil {
		p.cfg.Logger = logrus.StandardLogger()
	}
	p.log = p.cfg.Logger.WithFields(logrus.Fields{"port": p.cfg.Name, "id": p.cfg.Id})

	var err error
	p.queue, err = NewQueue(seg.Output(p.cfg.Id), seg.Output(p.peerId()),
		WithCacheLineSize(p.cfg.CacheLineSize), WithCacheMaintainer(p.cfg.CacheMaintainer))
	if err != nil {
		return nil, fmt.Errorf("newQueue: %w", err)
	}

	p.metrics, err = newPortMetrics(p.cfg.Name, p.cfg.Id, p.cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	p.doorbell = p.cfg.Doorbell
	if p.doorbell == nil {
		p.doorbell = NewPollDoorbell()
	}

	p.ExtendData = cfg.ExtendData
	p.ErrChan = make(chan error, 1)
	p.QuitChan = make(chan struct{}, 1)

	p.setState(StateReset)
	p.log.Debugf("port created, %d descriptors, %d byte data area", p.queue.DescMaxLen(), p.queue.DataMaxLen())
	return p, nil
}
