package node

import (
	"thali/datamodel/peer"

	log "github.com/sirupsen/logrus"
)

type availabilityListener struct {
	node *Node
}

// PeerAvailabilityChanged queues p for the event loop. Events are dropped while the queue is full.
func (l *availabilityListener) PeerAvailabilityChanged(p *peer.Availability) {
	log.Debugf("PeerAvailabilityChanged: peer: %s, addr: %s:%d, available: %v", p.PeerIdentifier, p.HostAddress, p.PortNumber, p.Available)

	select {
	case l.node.events <- p:
	default:
		log.WithField("peer", p.PeerIdentifier).Warn("Event queue full, dropping availability change")
	}
}
