// Package notification tracks per-peer notification work in a bounded dictionary.
//
// Entries carry a PeerState that decides eviction order once the dictionary is full:
// RESOLVED entries go first, then WAITING, then CONTROLLED_BY_POOL. Within one state the
// entry with the smallest sequence number (the least recently added or updated) goes first.
package notification

import (
	"fmt"
	"sort"
	"sync"

	"thali/datamodel/peer"
	"thali/metrics"

	log "github.com/sirupsen/logrus"
)

// MaxSize is the default capacity of a PeerDictionary.
const MaxSize = 100

// PeerState values are ordered by eviction priority, lowest first.
type PeerState int

const (
	StateInvalid PeerState = iota
	StateResolved
	StateWaiting
	StateControlledByPool
)

func (s PeerState) String() string {
	switch s {
	case StateResolved:
		return "RESOLVED"
	case StateWaiting:
		return "WAITING"
	case StateControlledByPool:
		return "CONTROLLED_BY_POOL"
	}
	return fmt.Sprintf("PeerState(%d)", int(s))
}

// Action is the cancellable work attached to an entry. Kill must be idempotent and safe for concurrent use.
type Action interface {
	Kill() error
}

type Entry struct {
	State          PeerState
	ConnectionInfo *peer.ConnectionInformation
	Action         Action

	sequence uint64
}

// SequenceNumber is assigned by the dictionary on every add or update.
func (e Entry) SequenceNumber() uint64 {
	return e.sequence
}

// EntryInfo is a serializable view of an entry.
type EntryInfo struct {
	PeerID         string `cbor:"1,keyasint"`
	State          string `cbor:"2,keyasint"`
	HostAddress    string `cbor:"3,keyasint,omitempty"`
	PortNumber     int    `cbor:"4,keyasint,omitempty"`
	SequenceNumber uint64 `cbor:"5,keyasint"`
}

type PeerDictionary struct {
	mu       sync.Mutex
	capacity int
	counter  uint64
	entries  map[string]*Entry
}

func NewPeerDictionary() *PeerDictionary {
	return NewPeerDictionaryWithCapacity(MaxSize)
}

func NewPeerDictionaryWithCapacity(capacity int) *PeerDictionary {
	if capacity < 1 {
		panic(fmt.Sprintf("notification: invalid dictionary capacity %d", capacity))
	}
	return &PeerDictionary{
		capacity: capacity,
		entries:  make(map[string]*Entry),
	}
}

func (d *PeerDictionary) Capacity() int {
	return d.capacity
}

// AddUpdateEntry inserts or replaces the entry for peerID and evicts until the dictionary fits its capacity.
// Replacing an entry does not kill the previous action.
func (d *PeerDictionary) AddUpdateEntry(peerID string, entry Entry) {
	if entry.State < StateResolved || entry.State > StateControlledByPool {
		panic(fmt.Sprintf("notification: entry for %q has invalid state %v", peerID, entry.State))
	}
	if entry.ConnectionInfo == nil {
		panic(fmt.Sprintf("notification: entry for %q has no connection information", peerID))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.counter++
	entry.sequence = d.counter
	d.entries[peerID] = &entry

	for len(d.entries) > d.capacity {
		d.evictOne()
	}
	metrics.PeerDictionarySize.Set(float64(len(d.entries)))
}

// UpdateState changes the state of peerID only if its entry still carries action.
// It returns false when the entry was removed, evicted or replaced in the meantime.
func (d *PeerDictionary) UpdateState(peerID string, action Action, state PeerState) bool {
	if state < StateResolved || state > StateControlledByPool {
		panic(fmt.Sprintf("notification: invalid state %v for %q", state, peerID))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[peerID]
	if !ok || e.Action != action {
		return false
	}

	d.counter++
	d.entries[peerID] = &Entry{
		State:          state,
		ConnectionInfo: e.ConnectionInfo,
		Action:         e.Action,
		sequence:       d.counter,
	}
	return true
}

// ClaimNextWaiting moves the oldest WAITING entry to CONTROLLED_BY_POOL and returns it.
func (d *PeerDictionary) ClaimNextWaiting() (string, Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var claimedID string
	var claimed *Entry
	for id, e := range d.entries {
		if e.State != StateWaiting {
			continue
		}
		if claimed == nil || e.sequence < claimed.sequence {
			claimedID, claimed = id, e
		}
	}
	if claimed == nil {
		return "", Entry{}, false
	}

	d.counter++
	e := &Entry{
		State:          StateControlledByPool,
		ConnectionInfo: claimed.ConnectionInfo,
		Action:         claimed.Action,
		sequence:       d.counter,
	}
	d.entries[claimedID] = e
	return claimedID, *e, true
}

// evictOne removes the lowest priority, oldest entry. Lock is assumed to be held by the caller.
func (d *PeerDictionary) evictOne() {
	var victimID string
	var victim *Entry
	for id, e := range d.entries {
		if victim == nil ||
			e.State < victim.State ||
			(e.State == victim.State && e.sequence < victim.sequence) {
			victimID, victim = id, e
		}
	}
	if victim == nil {
		return
	}

	log.WithField("peer", victimID).Debugf("PeerDictionary: evicting %s entry (seq %d)", victim.State, victim.sequence)
	d.removeLocked(victimID, victim)
	metrics.PeerDictionaryEvictionsTotal.WithLabelValues(victim.State.String()).Inc()
}

func (d *PeerDictionary) removeLocked(peerID string, e *Entry) {
	if e.State == StateControlledByPool && e.Action != nil {
		if err := e.Action.Kill(); err != nil {
			log.WithField("peer", peerID).Warnf("PeerDictionary: failed to kill action: %v", err)
		}
	}
	delete(d.entries, peerID)
}

// Get returns a copy of the entry for peerID.
func (d *PeerDictionary) Get(peerID string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[peerID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (d *PeerDictionary) Exists(peerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.entries[peerID]
	return ok
}

// Remove deletes peerID regardless of its state, killing the action of a CONTROLLED_BY_POOL entry.
func (d *PeerDictionary) Remove(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[peerID]
	if !ok {
		return
	}
	d.removeLocked(peerID, e)
	metrics.PeerDictionarySize.Set(float64(len(d.entries)))
}

func (d *PeerDictionary) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Counter returns the last assigned sequence number.
func (d *PeerDictionary) Counter() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counter
}

// Snapshot lists all entries ordered by sequence number.
func (d *PeerDictionary) Snapshot() []EntryInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := make([]EntryInfo, 0, len(d.entries))
	for id, e := range d.entries {
		infos = append(infos, EntryInfo{
			PeerID:         id,
			State:          e.State.String(),
			HostAddress:    e.ConnectionInfo.HostAddress(),
			PortNumber:     e.ConnectionInfo.PortNumber(),
			SequenceNumber: e.sequence,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].SequenceNumber < infos[j].SequenceNumber
	})
	return infos
}
