package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/zartbot/zivshmem"
)

// echo swaps the addresses of an ethernet/ipv4/udp frame and sends it back
func echo(p *zivshmem.Port, pkt []byte) {
	packet := gopacket.NewPacket(pkt, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, _ := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ip, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	udp, _ := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if eth == nil || ip == nil || udp == nil {
		logrus.Debug("dropping non udp frame of ", len(pkt), " bytes")
		return
	}

	eth.SrcMAC, eth.DstMAC = eth.DstMAC, eth.SrcMAC
	ip.SrcIP, ip.DstIP = ip.DstIP, ip.SrcIP
	udp.SrcPort, udp.DstPort = udp.DstPort, udp.SrcPort
	udp.SetNetworkLayerForChecksum(ip)

	buffer := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	err := gopacket.SerializeLayers(buffer, opts, eth, ip, udp, gopacket.Payload(udp.Payload))
	if err != nil {
		logrus.Warn("serialize error: ", err)
		return
	}
	if _, err := p.WritePacket(buffer.Bytes()); err != nil {
		logrus.Warn("send error: ", err)
	}
}

func Connected(p *zivshmem.Port) error {
	fmt.Println("Connected: ", p.GetName())
	return nil
}

func Disconnected(p *zivshmem.Port) error {
	fmt.Println("Disconnected: ", p.GetName())
	return nil
}

func main() {
	segment := pflag.StringP("segment", "s", zivshmem.DefaultSegmentPath, "shared memory segment file")
	sectionSize := pflag.Int("section-size", zivshmem.DefaultSectionSize, "size of each output section")
	listen := pflag.StringP("listen", "l", ":9100", "address serving /metrics, /live and /ready")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	reg := prometheus.NewRegistry()
	cfg := &zivshmem.PortCfg{
		Id:               0,
		Name:             "ivshmem0",
		SegmentPath:      *segment,
		SectionSize:      *sectionSize,
		Registerer:       reg,
		ConnectedFunc:    Connected,
		DisconnectedFunc: Disconnected,
		RxFunc:           echo,
	}

	port, err := zivshmem.NewPort(cfg)
	if err != nil {
		logrus.Fatal(err)
	}
	defer port.Delete()

	health := healthcheck.NewHandler()
	port.AddChecks(health)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	go func() {
		logrus.Fatal(http.ListenAndServe(*listen, mux))
	}()

	if err := port.Enable(); err != nil {
		logrus.Fatal(err)
	}
	port.StartPolling()

	for {
		select {
		case err := <-port.ErrChan:
			if err != nil {
				logrus.Warn(err)
			}
		case <-time.After(20 * time.Second):
			fmt.Printf("%s", port)
		}
	}
}
