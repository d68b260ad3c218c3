package node

import (
	"sync"
	"time"

	"github.com/cloudflare/circl/dh/x25519"
)

// Peer is a peer whose notification beacon was retrieved.
type Peer struct {
	PeerID       string
	Beacon       x25519.Key
	LastSeenTime time.Time
}

type PeerRegistry struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{
		peers: make(map[string]*Peer),
	}
}

// Update records beacon for peerID. It is the address book callback of notification actions.
func (r *PeerRegistry) Update(peerID string, beacon *x25519.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[peerID] = &Peer{
		PeerID:       peerID,
		Beacon:       *beacon,
		LastSeenTime: time.Now(),
	}
}

func (r *PeerRegistry) Forget(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

func (r *PeerRegistry) Get(peerID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[peerID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (r *PeerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
