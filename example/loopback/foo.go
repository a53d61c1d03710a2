package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/zartbot/zivshmem"
	"golang.org/x/sys/unix"
)

type PortStats struct {
	PacketCnt *uint64
	ByteCnt   *uint64
}

func sendpkt(p *zivshmem.Port, size int) {
	defer p.Wg.Done()

	sendpkt := make([]byte, size)
	for {
		select {
		case <-p.QuitChan:
			return
		default:
			_, err := p.WritePacket(sendpkt)
			if zivshmem.IsTransient(err) {
				// ring full, give the receiver a chance
				time.Sleep(time.Microsecond)
				continue
			}
			if err != nil {
				logrus.Warn("send error: ", err)
				return
			}
		}
	}
}

func recvpkt(p *zivshmem.Port, pkt []byte) {
	data := p.ExtendData.(*PortStats)
	atomic.AddUint64(data.PacketCnt, 1)
	atomic.AddUint64(data.ByteCnt, uint64(len(pkt)))
}

func main() {
	sectionSize := pflag.Int("section-size", zivshmem.DefaultSectionSize, "size of each output section")
	frameSize := pflag.Int("frame-size", 64, "size of the frames sent")
	duration := pflag.Duration("duration", 10*time.Second, "test duration")
	pflag.Parse()

	var pktCnt, byteCnt uint64

	// both ports live in this process, each with its own mapping of the
	// same memfd
	seg0, err := zivshmem.CreateSegment("", *sectionSize)
	if err != nil {
		logrus.Fatal("create segment failed: ", err)
	}
	defer seg0.Close()
	fd, err := unix.Dup(seg0.Fd())
	if err != nil {
		logrus.Fatal("dup failed: ", err)
	}
	seg1, err := zivshmem.OpenSegmentFd(fd)
	if err != nil {
		logrus.Fatal("open segment failed: ", err)
	}
	defer seg1.Close()

	db0, db1, err := zivshmem.NewDoorbellPair()
	if err != nil {
		logrus.Fatal(err)
	}

	sender, err := zivshmem.NewPortOnSegment(seg0, &zivshmem.PortCfg{
		Id:       0,
		Name:     "ivshmem_tx",
		Doorbell: db0,
		ConnectedFunc: func(p *zivshmem.Port) error {
			fmt.Println("Connected: ", p.GetName())
			p.Wg.Add(1)
			go sendpkt(p, *frameSize)
			return nil
		},
	})
	if err != nil {
		logrus.Fatal(err)
	}
	receiver, err := zivshmem.NewPortOnSegment(seg1, &zivshmem.PortCfg{
		Id:       1,
		Name:     "ivshmem_rx",
		Doorbell: db1,
		RxFunc:   recvpkt,
		ExtendData: &PortStats{
			PacketCnt: &pktCnt,
			ByteCnt:   &byteCnt,
		},
	})
	if err != nil {
		logrus.Fatal(err)
	}

	sender.Enable()
	receiver.Enable()
	sender.StartPolling()
	receiver.StartPolling()

	fmt.Printf("%s", sender)

	deadline := time.After(*duration)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-sender.ErrChan:
			logrus.Fatal(err)
		case err := <-receiver.ErrChan:
			logrus.Fatal(err)
		case <-ticker.C:
			pps := atomic.SwapUint64(&pktCnt, 0)
			bps := atomic.SwapUint64(&byteCnt, 0) * 8
			logrus.Infof("pps: %d, bps: %d", pps, bps)
		case <-deadline:
			// Delete waits for sendpkt through the port WaitGroup
			close(sender.QuitChan)
			if err := sender.Delete(); err != nil {
				logrus.Warn(err)
			}
			if err := receiver.Delete(); err != nil {
				logrus.Warn(err)
			}
			return
		}
	}
}
