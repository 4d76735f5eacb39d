package probe

import (
	"context"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// protocolICMP is the IANA protocol number for ICMPv4.
const protocolICMP = 1

// ICMPProber sends one ICMP echo request per probe.
//
// By default it uses unprivileged datagram ICMP ("udp4"), which Linux
// allows for groups listed in net.ipv4.ping_group_range. The kernel then
// owns the echo identifier, so replies are matched on sequence and peer.
type ICMPProber struct {
	privileged bool
	id         int
	seq        atomic.Uint32
}

// NewICMPProber returns an ICMP prober. privileged selects raw sockets.
func NewICMPProber(privileged bool) *ICMPProber {
	return &ICMPProber{privileged: privileged, id: os.Getpid() & 0xffff}
}

// Probe resolves address, sends an echo request and waits for the reply.
func (p *ICMPProber) Probe(ctx context.Context, address string, timeout time.Duration) Result {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dst, err := net.DefaultResolver.LookupIPAddr(ctx, address)
	if err != nil || len(dst) == 0 {
		log.Debug("resolve failed", "address", address, "error", err)
		return Failed()
	}
	var ip net.IP
	for _, a := range dst {
		if v4 := a.IP.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil {
		log.Debug("no ipv4 address", "address", address)
		return Failed()
	}

	network, listen := "udp4", "0.0.0.0"
	var peer net.Addr = &net.UDPAddr{IP: ip}
	if p.privileged {
		network = "ip4:icmp"
		peer = &net.IPAddr{IP: ip}
	}

	conn, err := icmp.ListenPacket(network, listen)
	if err != nil {
		log.Warn("icmp listen failed", "network", network, "error", err)
		return Failed()
	}
	defer conn.Close()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte("reuptime")},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return Failed()
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return Failed()
	}

	start := time.Now()
	if _, err := conn.WriteTo(wb, peer); err != nil {
		log.Debug("icmp send failed", "address", address, "error", err)
		return Failed()
	}

	rb := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(rb)
		if err != nil {
			return Failed()
		}
		if !sameHost(from, ip) {
			continue
		}

		reply, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || echo.Seq != seq {
			continue
		}
		if p.privileged && echo.ID != p.id {
			continue
		}

		return Succeeded(float64(time.Since(start)) / float64(time.Millisecond))
	}
}

func sameHost(addr net.Addr, ip net.IP) bool {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	case *net.IPAddr:
		return a.IP.Equal(ip)
	default:
		return false
	}
}
