// Package discovery announces this node on the local network and feeds
// discovered nodes to the mesh as dial targets. It is an optional
// supplement to the static peer list, off unless enabled in config.
package discovery

import (
	"fmt"
	"net"
	"strconv"

	"github.com/betamos/zeroconf"
	"go.uber.org/zap"
)

const (
	ServiceType = "_floodline._tcp"
	peerPath    = "/node/"
)

// Discovery publishes this node over mDNS and browses for other nodes.
type Discovery struct {
	client *zeroconf.Client
	log    *zap.Logger
}

// New starts announcing instanceName on port and browsing for peers. Every
// discovered node is reported to onPeer as a ready-to-dial websocket URL;
// the mesh deduplicates, so repeated events are harmless.
func New(instanceName string, port int, onPeer func(url string), log *zap.Logger) (*Discovery, error) {
	log = log.Named("discovery")
	svcType := zeroconf.NewType(ServiceType)
	port16 := uint16(port)
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}
	self := zeroconf.NewService(svcType, instanceName, port16)

	client, err := zeroconf.New().
		Publish(self).
		Browse(func(e zeroconf.Event) {
			handleEvent(e, instanceName, onPeer, log)
		}, svcType).
		Open()
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	log.Info("mdns discovery running", zap.String("instance", instanceName), zap.Int("port", port))
	return &Discovery{client: client, log: log}, nil
}

func handleEvent(e zeroconf.Event, self string, onPeer func(url string), log *zap.Logger) {
	if e.Name == self {
		return
	}
	for _, a := range e.Addrs {
		if !a.IsValid() {
			continue
		}
		hostport := net.JoinHostPort(a.String(), strconv.Itoa(int(e.Port)))
		url := "ws://" + hostport + peerPath
		log.Info("peer discovered", zap.String("instance", e.Name), zap.String("url", url))
		if onPeer != nil {
			onPeer(url)
		}
		return
	}
}

// Close stops announcing and browsing.
func (d *Discovery) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}
