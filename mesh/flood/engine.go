// Package flood implements the long-range flooding mesh engine. Every node is
// both endpoint and relay: wildcard packets are re-broadcast with a
// decremented hop budget after a randomized backoff, a fixed-size
// recently-seen cache suppresses relay loops, and an application-level ack
// carries command responses back to the originating node.
//
// The neighbour table records any node heard, including sources of relayed
// packets; it is not strictly one-hop topology. Point-to-point packets are
// never forwarded: if the destination is out of direct radio reach, delivery
// fails silently.
package flood

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"meshnode/command"
	"meshnode/mesh/protocol"
)

// Driver is the half-duplex broadcast radio the engine transmits through.
// Every transmission reaches all nodes in radio range.
type Driver interface {
	Transmit(data []byte) error
}

// Neighbour is one entry of the neighbour table.
type Neighbour struct {
	NodeID   string
	RSSI     int
	LastSeen time.Time
}

type Config struct {
	NodeID          string
	TTL             int           // hop budget assigned to locally originated packets
	MaxNeighbours   int           // neighbour table capacity
	BeaconInterval  time.Duration // minimum spacing between beacons
	RelayBackoffMin time.Duration // randomized relay desynchronization window
	RelayBackoffMax time.Duration
}

func (c *Config) applyDefaults() {
	if c.TTL == 0 {
		c.TTL = 5
	}
	if c.MaxNeighbours == 0 {
		c.MaxNeighbours = 10
	}
	if c.BeaconInterval == 0 {
		c.BeaconInterval = 30 * time.Second
	}
	if c.RelayBackoffMin == 0 {
		c.RelayBackoffMin = 10 * time.Millisecond
	}
	if c.RelayBackoffMax == 0 {
		c.RelayBackoffMax = 50 * time.Millisecond
	}
}

// seenCache is a fixed-capacity FIFO ring of packet ids used purely for loop
// suppression. Ids are per-source counters, so equal ids from different
// sources collide; that is an accepted risk of the design.
type seenCache struct {
	ids   []uint32
	head  int
	count int
}

func newSeenCache(capacity int) *seenCache {
	return &seenCache{ids: make([]uint32, capacity)}
}

func (c *seenCache) contains(id uint32) bool {
	for i := 0; i < c.count; i++ {
		if c.ids[i] == id {
			return true
		}
	}
	return false
}

func (c *seenCache) insert(id uint32) {
	c.ids[c.head] = id
	c.head = (c.head + 1) % len(c.ids)
	if c.count < len(c.ids) {
		c.count++
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
	start      time.Time

	mu         sync.Mutex
	neighbours map[string]*Neighbour
	seen       *seenCache
	lastBeacon time.Time

	seq atomic.Uint32

	// sleep and backoff exist so tests can collapse the relay delay.
	sleep   func(time.Duration)
	backoff func() time.Duration

	// OnEvent, when set, receives a notification per engine action.
	OnEvent func(Event)

	// OnAck, when set, receives application-level acks addressed to this
	// node, carrying the remote command response.
	OnAck func(src string, payload map[string]any)
}

func New(cfg Config, driver Driver, dispatcher *command.Dispatcher) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:        cfg,
		driver:     driver,
		dispatcher: dispatcher,
		start:      time.Now(),
		neighbours: make(map[string]*Neighbour),
		seen:       newSeenCache(32),
		sleep:      time.Sleep,
	}
	e.backoff = func() time.Duration {
		window := e.cfg.RelayBackoffMax - e.cfg.RelayBackoffMin
		return e.cfg.RelayBackoffMin + time.Duration(rand.Int63n(int64(window)))
	}
	return e
}

// updateNeighbour inserts or refreshes src. The table refuses new entries
// past capacity; existing entries are still refreshed.
func (e *Engine) updateNeighbour(nodeID string, rssi int) {
	if n, ok := e.neighbours[nodeID]; ok {
		n.RSSI = rssi
		n.LastSeen = time.Now()
		return
	}
	if len(e.neighbours) >= e.cfg.MaxNeighbours {
		log.Debugf("flood: neighbour table full, ignoring %s", nodeID)
		return
	}
	e.neighbours[nodeID] = &Neighbour{NodeID: nodeID, RSSI: rssi, LastSeen: time.Now()}
	log.Infof("flood: heard neighbour %s (rssi %d)", nodeID, rssi)
}

// OnReceive processes one received packet to completion: decode, duplicate
// suppression, neighbour update, local delivery, relay decision. rssi is the
// radio's reported signal strength for this reception.
func (e *Engine) OnReceive(data []byte, rssi int) {
	pkt, err := protocol.DecodePacket(data)
	if err != nil {
		log.Debugf("flood: dropping malformed packet: %v", err)
		return
	}

	e.mu.Lock()
	if e.seen.contains(pkt.Id) {
		e.mu.Unlock()
		log.Debugf("flood: duplicate packet %d from %s", pkt.Id, pkt.Src)
		return
	}
	e.seen.insert(pkt.Id)
	e.updateNeighbour(pkt.Src, rssi)
	e.mu.Unlock()

	if pkt.Type == protocol.PacketBeacon {
		// Neighbour table update is all a beacon is for; never relayed.
		e.emit("beacon", map[string]any{"from": pkt.Src, "rssi": rssi})
		return
	}

	if pkt.Dst == e.cfg.NodeID || pkt.Dst == protocol.Broadcast {
		e.deliver(pkt)
	}

	e.maybeRelay(pkt)
}

// deliver hands an addressed packet to the application layer.
func (e *Engine) deliver(pkt *protocol.Packet) {
	switch pkt.Type {
	case protocol.PacketData:
		cmd, _ := pkt.Payload["command"].(string)
		inner, _ := pkt.Payload["payload"].(map[string]any)
		resp := e.dispatcher.Dispatch(cmd, command.Payload(inner))
		e.emit("command", map[string]any{"command": cmd, "from": pkt.Src})

		// Application-level acknowledgement back to the source, carrying
		// the response. Distinct from any link-layer ack.
		ack := map[string]any{"ack_id": pkt.Id}
		for k, v := range resp {
			ack[k] = v
		}
		if err := e.SendPacket(protocol.PacketAck, ack, pkt.Src); err != nil {
			log.Errorf("flood: ack to %s: %v", pkt.Src, err)
		}

	case protocol.PacketAck:
		if pkt.Dst != e.cfg.NodeID {
			return
		}
		log.Debugf("flood: ack from %s: %v", pkt.Src, pkt.Payload)
		if e.OnAck != nil {
			e.OnAck(pkt.Src, pkt.Payload)
		}
	}
}

// maybeRelay applies the relay rule: only wildcard-destination packets are
// forwarded, with the hop budget decremented exactly once, after a randomized
// backoff that desynchronizes simultaneous relays.
func (e *Engine) maybeRelay(pkt *protocol.Packet) {
	if pkt.Dst != protocol.Broadcast {
		return
	}
	ttl := pkt.Ttl - 1
	if ttl <= 0 {
		return
	}

	relayed := *pkt
	relayed.Ttl = ttl
	data, err := protocol.EncodePacket(&relayed)
	if err != nil {
		log.Errorf("flood: re-encode for relay: %v", err)
		return
	}

	e.sleep(e.backoff())
	if err := e.driver.Transmit(data); err != nil {
		log.Errorf("flood: relay packet %d: %v", pkt.Id, err)
		return
	}
	e.emit("relay", map[string]any{"id": pkt.Id, "src": pkt.Src, "ttl": ttl})
}

// SendPacket originates a packet with the next per-node sequence id and the
// configured hop budget, and transmits it once. Fire-and-forget; the only
// delivery signal is an application-level ack arriving later.
func (e *Engine) SendPacket(ptype string, payload map[string]any, dst string) error {
	pkt := &protocol.Packet{
		Id:      e.seq.Add(1),
		Src:     e.cfg.NodeID,
		Dst:     dst,
		Ttl:     e.cfg.TTL,
		Type:    ptype,
		Payload: payload,
	}
	data, err := protocol.EncodePacket(pkt)
	if err != nil {
		return err
	}

	// Mark our own id seen so the echo of this packet relayed back by a
	// neighbour is suppressed instead of re-dispatched.
	e.mu.Lock()
	e.seen.insert(pkt.Id)
	e.mu.Unlock()

	return e.driver.Transmit(data)
}

// SendCommand floods (or unicasts) a command toward dst. The response, if
// any, comes back as an ack packet surfaced through OnAck.
func (e *Engine) SendCommand(dst, cmd string, payload command.Payload) error {
	return e.SendPacket(protocol.PacketData, map[string]any{
		"command": cmd,
		"payload": map[string]any(payload),
	}, dst)
}

// BroadcastBeacon announces liveness, rate-limited to one per BeaconInterval.
// Beacons populate neighbour tables in direct radio reach only.
func (e *Engine) BroadcastBeacon() {
	e.mu.Lock()
	if time.Since(e.lastBeacon) < e.cfg.BeaconInterval {
		e.mu.Unlock()
		return
	}
	e.lastBeacon = time.Now()
	e.mu.Unlock()

	log.Debugf("flood: broadcasting beacon")
	err := e.SendPacket(protocol.PacketBeacon, map[string]any{
		"node_id":   e.cfg.NodeID,
		"uptime_ms": time.Since(e.start).Milliseconds(),
	}, protocol.Broadcast)
	if err != nil {
		log.Errorf("flood: beacon: %v", err)
	}
}

// Tick is the cooperative scheduler hook.
func (e *Engine) Tick() {
	e.BroadcastBeacon()
}

// NeighbourCount returns the number of resident neighbour table entries.
func (e *Engine) NeighbourCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.neighbours)
}

// BestRSSI returns the strongest signal among known neighbours.
func (e *Engine) BestRSSI() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	best, found := 0, false
	for _, n := range e.neighbours {
		if !found || n.RSSI > best {
			best, found = n.RSSI, true
		}
	}
	return best, found
}

// Topology reports the node and its neighbour table. Staleness is computed
// at call time.
func (e *Engine) Topology() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	nbrs := make([]map[string]any, 0, len(e.neighbours))
	for _, n := range e.neighbours {
		nbrs = append(nbrs, map[string]any{
			"node_id":      n.NodeID,
			"rssi":         n.RSSI,
			"last_seen_ms": time.Since(n.LastSeen).Milliseconds(),
		})
	}
	return map[string]any{
		"node_id":         e.cfg.NodeID,
		"neighbour_count": len(e.neighbours),
		"neighbours":      nbrs,
	}
}

func (e *Engine) emit(kind string, detail map[string]any) {
	if e.OnEvent != nil {
		e.OnEvent(Event{Kind: kind, Detail: detail})
	}
}
