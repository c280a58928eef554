// Package node wires one device together: the command dispatcher, both mesh
// engines and their radio links, the periodic scheduler, the settings store,
// and the local API. Transports are registered against the dispatcher here,
// explicitly, at startup.
package node

import (
	"context"
	"crypto/sha256"
	"time"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"

	"meshnode/api"
	"meshnode/command"
	"meshnode/config"
	"meshnode/helper/timer"
	"meshnode/mesh/flood"
	"meshnode/mesh/proximity"
	"meshnode/nav"
	"meshnode/ota"
	"meshnode/radio/mcast"
	"meshnode/settings"
)

type Node struct {
	cfg *config.Config

	Dispatcher *command.Dispatcher
	Settings   *settings.Store
	Nav        *nav.Receiver

	// Engines are nil when their radio failed to initialize; the node keeps
	// running with the transports that did come up.
	Proximity *proximity.Engine
	Flood     *flood.Engine

	proximityLink *mcast.ProximityLink
	floodLink     *mcast.FloodLink

	API *api.Server
}

// linkAddr derives the node's 6-byte link address from its id: locally
// administered, unicast.
func linkAddr(nodeID string) proximity.LinkAddr {
	sum := sha256.Sum256([]byte(nodeID))
	var a proximity.LinkAddr
	copy(a[:], sum[:6])
	a[0] = (a[0] | 0x02) &^ 0x01
	return a
}

func New(cfg *config.Config) (*Node, error) {
	n := &Node{cfg: cfg}

	store, err := settings.Open(cfg.DataStore.SettingsPath)
	if err != nil {
		return nil, err
	}
	n.Settings = store
	n.Nav = nav.NewReceiver()
	n.Dispatcher = command.NewDispatcher()
	n.API = api.New(cfg.API.ListenAddress, n.Dispatcher)

	// Radio links. A radio that fails to start is logged and its engine left
	// out; the condition needs operator attention but must not take down the
	// transports that did come up.
	plink, err := mcast.NewProximityLink(cfg.Proximity.Group, linkAddr(cfg.Node.ID))
	if err != nil {
		log.Errorf("proximity radio init failed: %v", err)
	} else {
		n.proximityLink = plink
		n.Proximity = proximity.New(proximity.Config{
			NodeID:        cfg.Node.ID,
			ProbeInterval: time.Duration(cfg.Proximity.ProbeIntervalSec) * time.Second,
		}, plink, n.Dispatcher)
		plink.Receive = n.Proximity.OnReceive
		plink.Complete = n.Proximity.Complete
		n.Proximity.OnEvent = func(e proximity.Event) {
			n.API.Hub().Broadcast(map[string]any{"mesh": "proximity", "kind": e.Kind, "detail": e.Detail})
		}
	}

	flink, err := mcast.NewFloodLink(cfg.Lora.Group)
	if err != nil {
		log.Errorf("lora radio init failed: %v", err)
	} else {
		n.floodLink = flink
		n.Flood = flood.New(flood.Config{
			NodeID:         cfg.Node.ID,
			TTL:            cfg.Lora.TTL,
			BeaconInterval: time.Duration(cfg.Lora.BeaconIntervalSec) * time.Second,
		}, flink, n.Dispatcher)
		flink.Receive = n.Flood.OnReceive
		n.Flood.OnEvent = func(e flood.Event) {
			n.API.Hub().Broadcast(map[string]any{"mesh": "lora", "kind": e.Kind, "detail": e.Detail})
		}
		n.Flood.OnAck = func(src string, payload map[string]any) {
			n.API.Hub().Broadcast(map[string]any{"mesh": "lora", "kind": "ack", "detail": map[string]any{"from": src, "payload": payload}})
		}
	}

	n.registerCommands()

	log.Infof("I am %s (%s), proximity=%v lora=%v",
		cfg.Node.ID, linkAddr(cfg.Node.ID), n.Proximity != nil, n.Flood != nil)

	return n, nil
}

func (n *Node) registerCommands() {
	var updater command.Updater
	if n.cfg.API.OTAEnabled {
		updater = ota.NewUpdater(nil)
	}

	rssi := func() (int, bool) {
		if n.Flood == nil {
			return 0, false
		}
		return n.Flood.BestRSSI()
	}

	command.NewDeviceCommands(command.DeviceInfo{
		Name:            n.cfg.Node.Name,
		FirmwareVersion: n.cfg.Node.FirmwareVersion,
	}, n.Settings, n.Nav, updater, rssi).Register(n.Dispatcher)

	n.Dispatcher.Register("get_topology", func(command.Payload) command.Response {
		resp := command.Response{"status": command.StatusOK}
		if n.Proximity != nil {
			resp["proximity"] = n.Proximity.Topology()
		}
		if n.Flood != nil {
			resp["lora"] = n.Flood.Topology()
		}
		return resp
	})
}

// tick is the cooperative scheduler hook: it drives the probe and beacon
// timers of both engines at a fixed cadence.
func (n *Node) tick(context.Context) error {
	if n.Proximity != nil {
		n.Proximity.Tick()
	}
	if n.Flood != nil {
		n.Flood.Tick()
	}
	return nil
}

func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	if n.proximityLink != nil {
		wg.Go(func() error {
			return n.proximityLink.Listen(cctx)
		})
	}

	if n.floodLink != nil {
		wg.Go(func() error {
			return n.floodLink.Listen(cctx)
		})
	}

	wg.Go(func() error {
		return n.API.Run(cctx)
	})

	wg.Go(func() error {
		interval := &timer.Interval{
			Duration: time.Second,
			Jitter:   time.Millisecond * 100,
		}
		return timer.RunWithTicker(cctx, interval, n.tick)
	})

	return wg.Wait()
}

// Close releases the node's persistent resources.
func (n *Node) Close() error {
	return n.Settings.Close()
}
