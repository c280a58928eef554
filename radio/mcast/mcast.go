// Package mcast provides host-side radio media over multicast UDP. Each link
// emulates a shared half-duplex broadcast medium: every transmission reaches
// every node joined to the group, which is what the mesh engines assume of
// their radios. Used for development and multi-process simulation in place of
// the vendor radio stacks.
package mcast

import (
	"context"
	"crypto/rand"
	"net"

	log "github.com/sirupsen/logrus"

	"meshnode/mesh/proximity"
)

const maxDatagram = 512

func joinGroup(group string) (rc *net.UDPConn, wc *net.UDPConn, err error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, nil, err
	}
	rc, err = net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, nil, err
	}
	wc, err = net.DialUDP("udp4", nil, addr)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return rc, wc, nil
}

// readLoop drives a receive callback until the context is cancelled. Closing
// the read connection unblocks the pending read.
func readLoop(ctx context.Context, rc *net.UDPConn, handle func([]byte)) error {
	go func() {
		<-ctx.Done()
		rc.Close()
	}()

	buf := make([]byte, maxDatagram)
	rc.SetReadBuffer(maxDatagram)
	for {
		n, _, err := rc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf("mcast: read: %v", err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		handle(frame)
	}
}

// ProximityLink carries proximity frames with 6-byte link addressing. Wire
// layout per datagram: dst(6) | src(6) | frame payload.
type ProximityLink struct {
	rc, wc *net.UDPConn
	addr   proximity.LinkAddr

	// Receive and Complete must be set before Listen is called.
	Receive  func(src proximity.LinkAddr, data []byte)
	Complete proximity.CompleteFunc
}

func NewProximityLink(group string, addr proximity.LinkAddr) (*ProximityLink, error) {
	rc, wc, err := joinGroup(group)
	if err != nil {
		return nil, err
	}
	log.Infof("mcast: proximity link %s joined %s", addr, group)
	return &ProximityLink{rc: rc, wc: wc, addr: addr}, nil
}

// Send transmits one addressed frame. The medium has no link-layer ack; a
// completed write stands in for one, reported through Complete with the
// caller's token the way a real link stack reports its send status.
func (l *ProximityLink) Send(token uint32, dst proximity.LinkAddr, data []byte) error {
	frame := make([]byte, 0, 12+len(data))
	frame = append(frame, dst[:]...)
	frame = append(frame, l.addr[:]...)
	frame = append(frame, data...)

	_, err := l.wc.Write(frame)
	if l.Complete != nil {
		l.Complete(token, err == nil)
	}
	return err
}

func (l *ProximityLink) Listen(ctx context.Context) error {
	return readLoop(ctx, l.rc, func(frame []byte) {
		if len(frame) < 12 {
			return
		}
		var dst, src proximity.LinkAddr
		copy(dst[:], frame[:6])
		copy(src[:], frame[6:12])

		if src == l.addr {
			return // our own transmission looped back
		}
		if dst != l.addr && dst != proximity.BroadcastAddr {
			return
		}
		if l.Receive != nil {
			l.Receive(src, frame[12:])
		}
	})
}

// FloodLink carries flooding-mesh packets. The medium is unaddressed; a
// random per-link origin tag filters loopback, and signal strength is
// synthesized per origin since UDP reports none. Wire layout per datagram:
// origin(6) | packet payload.
type FloodLink struct {
	rc, wc *net.UDPConn
	origin [6]byte

	// Receive must be set before Listen is called.
	Receive func(data []byte, rssi int)
}

func NewFloodLink(group string) (*FloodLink, error) {
	rc, wc, err := joinGroup(group)
	if err != nil {
		return nil, err
	}
	l := &FloodLink{rc: rc, wc: wc}
	if _, err := rand.Read(l.origin[:]); err != nil {
		rc.Close()
		wc.Close()
		return nil, err
	}
	log.Infof("mcast: flood link joined %s", group)
	return l, nil
}

func (l *FloodLink) Transmit(data []byte) error {
	frame := make([]byte, 0, 6+len(data))
	frame = append(frame, l.origin[:]...)
	frame = append(frame, data...)
	_, err := l.wc.Write(frame)
	return err
}

func (l *FloodLink) Listen(ctx context.Context) error {
	return readLoop(ctx, l.rc, func(frame []byte) {
		if len(frame) < 6 {
			return
		}
		var origin [6]byte
		copy(origin[:], frame[:6])
		if origin == l.origin {
			return
		}
		if l.Receive != nil {
			l.Receive(frame[6:], pseudoRSSI(origin))
		}
	})
}

// pseudoRSSI maps an origin tag to a stable value in [-89, -40] dBm.
func pseudoRSSI(origin [6]byte) int {
	var h byte
	for _, b := range origin {
		h ^= b
	}
	return -40 - int(h%50)
}
