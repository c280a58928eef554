// Package proximity implements the short-range low-latency mesh engine:
// a single-hop peer network discovered through broadcast probes, with
// acknowledged unicast command delivery.
//
// The engine owns its peer table exclusively; the table is mutated only from
// the receive path and the periodic tick. Send completion arrives from an
// asynchronous link-layer context and is correlated back to the waiting send
// by a per-send token.
package proximity

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"meshnode/command"
	"meshnode/mesh/protocol"
)

// LinkAddr is the 6-byte physical identifier of a peer on the link.
type LinkAddr [6]byte

// BroadcastAddr addresses every node in radio reach.
var BroadcastAddr = LinkAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (a LinkAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Driver is the link-layer radio the engine transmits through. Send queues a
// frame; the link layer reports the outcome asynchronously by calling the
// engine's Complete with the same token.
type Driver interface {
	Send(token uint32, dst LinkAddr, data []byte) error
}

// CompleteFunc receives asynchronous send outcomes from the link layer.
type CompleteFunc func(token uint32, ok bool)

// Peer is one entry of the peer table. Peers are created on first observed
// frame and refreshed on every subsequent one; they are never expired.
type Peer struct {
	Addr     LinkAddr
	NodeID   string
	LastSeen time.Time
}

type Config struct {
	NodeID        string
	MaxPeers      int           // peer table capacity
	ProbeInterval time.Duration // minimum spacing between broadcast probes
	SendAttempts  int           // transmit attempts per reliable unicast
	AckWait       time.Duration // bounded wait for one attempt's completion
}

func (c *Config) applyDefaults() {
	if c.MaxPeers == 0 {
		c.MaxPeers = 20
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.SendAttempts == 0 {
		c.SendAttempts = 3
	}
	if c.AckWait == 0 {
		c.AckWait = 10 * time.Millisecond
	}
}

// Event describes engine activity for observers (the API event stream).
type Event struct {
	Kind   string         `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
}

type Engine struct {
	cfg        Config
	driver     Driver
	dispatcher *command.Dispatcher

	mu        sync.Mutex
	peers     map[LinkAddr]*Peer
	lastProbe time.Time

	token   atomic.Uint32
	pending sync.Map // token -> chan bool

	// OnEvent, when set, receives a notification per engine action. Set it
	// before the engine starts processing traffic.
	OnEvent func(Event)
}

func New(cfg Config, driver Driver, dispatcher *command.Dispatcher) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:        cfg,
		driver:     driver,
		dispatcher: dispatcher,
		peers:      make(map[LinkAddr]*Peer),
	}
}

// Complete is the CompleteFunc the link layer must deliver send outcomes to.
func (e *Engine) Complete(token uint32, ok bool) {
	if ch, loaded := e.pending.LoadAndDelete(token); loaded {
		ch.(chan bool) <- ok
	}
}

// registerPeer inserts or refreshes the sender. The table refuses new entries
// past capacity; existing entries are still refreshed.
func (e *Engine) registerPeer(addr LinkAddr, nodeID string) {
	e.mu.Lock()
	if p, ok := e.peers[addr]; ok {
		p.LastSeen = time.Now()
		if nodeID != "" {
			p.NodeID = nodeID
		}
		e.mu.Unlock()
		return
	}
	if len(e.peers) >= e.cfg.MaxPeers {
		e.mu.Unlock()
		log.Debugf("proximity: peer table full, ignoring %s", addr)
		return
	}
	e.peers[addr] = &Peer{Addr: addr, NodeID: nodeID, LastSeen: time.Now()}
	e.mu.Unlock()

	log.Infof("proximity: registered peer %s (%s)", nodeID, addr)
	e.emit("peer_registered", map[string]any{"node_id": nodeID, "address": addr.String()})
}

// OnReceive processes one received frame to completion. Malformed frames are
// dropped silently; radio noise is routine, not exceptional.
func (e *Engine) OnReceive(src LinkAddr, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		log.Debugf("proximity: dropping malformed frame from %s: %v", src, err)
		return
	}

	e.registerPeer(src, frame.Src)

	switch frame.Type {
	case protocol.FrameProbe:
		// Reply so the prober can register us. Our own table was already
		// updated above; the handshake is asymmetric.
		e.transmit(src, &protocol.Frame{Type: protocol.FrameProbeAck, Src: e.cfg.NodeID})

	case protocol.FrameData:
		resp := e.dispatcher.Dispatch(frame.Command, command.Payload(frame.Payload))
		e.transmit(src, &protocol.Frame{
			Type:    protocol.FrameResponse,
			Src:     e.cfg.NodeID,
			Payload: map[string]any(resp),
		})
		e.emit("command", map[string]any{"command": frame.Command, "from": frame.Src})

	case protocol.FrameProbeAck, protocol.FrameResponse:
		// Table refresh above is all these require here.
	}
}

// transmit fire-and-forgets one frame; the completion outcome is discarded.
func (e *Engine) transmit(dst LinkAddr, frame *protocol.Frame) {
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		log.Errorf("proximity: encode %s frame: %v", frame.Type, err)
		return
	}
	if err := e.driver.Send(e.token.Add(1), dst, data); err != nil {
		log.Errorf("proximity: send %s to %s: %v", frame.Type, dst, err)
	}
}

// BroadcastProbe emits a discovery probe, rate-limited to one per
// ProbeInterval. Unknown peers self-register on receiving it.
func (e *Engine) BroadcastProbe() {
	e.mu.Lock()
	if time.Since(e.lastProbe) < e.cfg.ProbeInterval {
		e.mu.Unlock()
		return
	}
	e.lastProbe = time.Now()
	e.mu.Unlock()

	log.Debugf("proximity: broadcasting probe")
	e.transmit(BroadcastAddr, &protocol.Frame{Type: protocol.FrameProbe, Src: e.cfg.NodeID})
}

// Tick is the cooperative scheduler hook.
func (e *Engine) Tick() {
	e.BroadcastProbe()
}

// SendToNode delivers a command to a known peer with acknowledged retry.
// It returns false immediately when nodeID is not in the peer table (no
// implicit discovery), and otherwise attempts the transmit up to SendAttempts
// times, each followed by a bounded wait for the link layer's completion
// signal for that attempt's token. Best-effort: true means the link layer
// confirmed the frame, not that the command executed.
func (e *Engine) SendToNode(nodeID, cmd string, payload command.Payload) bool {
	addr, ok := e.lookup(nodeID)
	if !ok {
		log.Debugf("proximity: %s not in peer table", nodeID)
		return false
	}

	data, err := protocol.EncodeFrame(&protocol.Frame{
		Type:    protocol.FrameData,
		Src:     e.cfg.NodeID,
		Command: cmd,
		Payload: map[string]any(payload),
	})
	if err != nil {
		log.Errorf("proximity: encode data frame: %v", err)
		return false
	}

	for attempt := 0; attempt < e.cfg.SendAttempts; attempt++ {
		token := e.token.Add(1)
		done := make(chan bool, 1)
		e.pending.Store(token, done)

		if err := e.driver.Send(token, addr, data); err != nil {
			e.pending.Delete(token)
			log.Errorf("proximity: send to %s: %v", nodeID, err)
			continue
		}

		select {
		case ok := <-done:
			if ok {
				return true
			}
		case <-time.After(e.cfg.AckWait):
			e.pending.Delete(token)
		}
	}
	return false
}

func (e *Engine) lookup(nodeID string) (LinkAddr, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for addr, p := range e.peers {
		if p.NodeID == nodeID {
			return addr, true
		}
	}
	return LinkAddr{}, false
}

// PeerCount returns the number of resident peer table entries.
func (e *Engine) PeerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}

// Topology reports the node and its peer table. Staleness is computed at
// call time.
func (e *Engine) Topology() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	peers := make([]map[string]any, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, map[string]any{
			"address":      p.Addr.String(),
			"node_id":      p.NodeID,
			"last_seen_ms": time.Since(p.LastSeen).Milliseconds(),
		})
	}
	return map[string]any{
		"node_id":    e.cfg.NodeID,
		"peer_count": len(e.peers),
		"peers":      peers,
	}
}

func (e *Engine) emit(kind string, detail map[string]any) {
	if e.OnEvent != nil {
		e.OnEvent(Event{Kind: kind, Detail: detail})
	}
}
