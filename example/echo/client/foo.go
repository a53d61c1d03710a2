package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/zartbot/zivshmem"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x00}
	srcIP  = net.IPv4(192, 168, 100, 2)
	dstIP  = net.IPv4(192, 168, 100, 1)
)

// buildFrame returns an ethernet/ipv4/udp frame carrying the send timestamp
func buildFrame(size int) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := layers.UDP{
		SrcPort: 40000,
		DstPort: 7,
	}
	udp.SetNetworkLayerForChecksum(&ip)

	payload := make([]byte, size)
	binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buffer, opts, &eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("error serializing layers: %v", err)
	}
	return buffer.Bytes(), nil
}

func sendpkt(p *zivshmem.Port, size int, interval time.Duration) {
	defer p.Wg.Done()
	for {
		select {
		case <-p.QuitChan:
			return
		case <-time.After(interval):
			frame, err := buildFrame(size)
			if err != nil {
				logrus.Fatal(err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_, err = p.WritePacketContext(ctx, frame)
			cancel()
			if err != nil {
				logrus.Warn("send error: ", err)
				if !p.IsConnected() {
					return
				}
			}
		}
	}
}

func recvpkt(p *zivshmem.Port, pkt []byte) {
	packet := gopacket.NewPacket(pkt, layers.LayerTypeEthernet, gopacket.NoCopy)
	udp, _ := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp == nil || len(udp.Payload) < 8 {
		return
	}
	recvts := binary.BigEndian.Uint64(udp.Payload)
	logrus.Info("RTT:", time.Since(time.Unix(0, int64(recvts))))
}

func main() {
	segment := pflag.StringP("segment", "s", zivshmem.DefaultSegmentPath, "shared memory segment file")
	size := pflag.Int("payload", 800, "udp payload size")
	interval := pflag.Duration("interval", time.Second, "time between frames")
	pflag.Parse()

	cfg := &zivshmem.PortCfg{
		Id:          1,
		Name:        "ivshmem1",
		SegmentPath: *segment,
		ConnectedFunc: func(p *zivshmem.Port) error {
			fmt.Println("Connected: ", p.GetName())
			p.Wg.Add(1)
			go sendpkt(p, *size, *interval)
			return nil
		},
		RxFunc: recvpkt,
	}

	port, err := zivshmem.NewPort(cfg)
	if err != nil {
		logrus.Fatal(err)
	}
	defer port.Delete()

	if err := port.Enable(); err != nil {
		logrus.Fatal(err)
	}
	port.StartPolling()
	fmt.Printf("%s", port)

	for err := range port.ErrChan {
		logrus.Warn(err)
	}
}
