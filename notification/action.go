package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"thali/datamodel/peer"
	"thali/metrics"

	"github.com/cloudflare/circl/dh/x25519"
	log "github.com/sirupsen/logrus"
)

// BeaconPath is served by every peer's router and returns the peer's beacon.
const BeaconPath = "/NotificationBeacons"

const maxBeaconBytes = 4096

var ErrActionStarted = errors.New("notification action already started")

type ActionState int

const (
	ActionCreated ActionState = iota
	ActionStarted
	ActionKilled
)

func (s ActionState) String() string {
	switch s {
	case ActionCreated:
		return "CREATED"
	case ActionStarted:
		return "STARTED"
	case ActionKilled:
		return "KILLED"
	}
	return fmt.Sprintf("ActionState(%d)", int(s))
}

type Resolution string

const (
	ResolutionNone            Resolution = ""
	ResolutionBeaconsParsed   Resolution = "BEACONS_RETRIEVED_AND_PARSED"
	ResolutionBeaconsBad      Resolution = "BEACONS_RETRIEVED_BUT_BAD"
	ResolutionHTTPBadResponse Resolution = "HTTP_BAD_RESPONSE"
	ResolutionNetworkProblem  Resolution = "NETWORK_PROBLEM"
	ResolutionKilled          Resolution = "KILLED"
)

// AddressBookCallback receives the beacon key of a peer whose beacon was retrieved and parsed.
type AddressBookCallback func(peerID string, beacon *x25519.Key)

// NotificationAction retrieves a peer's notification beacon once. It can be killed at any time, from any goroutine.
type NotificationAction struct {
	peerID         string
	connectionType peer.ConnectionType
	keys           *peer.KeyPair
	callback       AddressBookCallback

	mu         sync.Mutex
	state      ActionState
	resolution Resolution
	cancel     context.CancelFunc
}

var _ Action = (*NotificationAction)(nil)

func NewNotificationAction(peerID string, connectionType peer.ConnectionType, keys *peer.KeyPair, callback AddressBookCallback) *NotificationAction {
	return &NotificationAction{
		peerID:         peerID,
		connectionType: connectionType,
		keys:           keys,
		callback:       callback,
	}
}

func (a *NotificationAction) PeerID() string {
	return a.peerID
}

func (a *NotificationAction) ConnectionType() peer.ConnectionType {
	return a.connectionType
}

func (a *NotificationAction) PublicKey() *x25519.Key {
	return &a.keys.Public
}

func (a *NotificationAction) State() ActionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *NotificationAction) Resolution() Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolution
}

// Start fetches the beacon from conn and blocks until it resolves or the action is killed.
func (a *NotificationAction) Start(ctx context.Context, client *http.Client, conn *peer.ConnectionInformation) (Resolution, error) {
	a.mu.Lock()
	switch a.state {
	case ActionKilled:
		a.mu.Unlock()
		return ResolutionKilled, nil
	case ActionStarted:
		a.mu.Unlock()
		return ResolutionNone, ErrActionStarted
	}
	var cctx context.Context
	if t := conn.SuggestedTCPTimeout(); t > 0 {
		cctx, a.cancel = context.WithTimeout(ctx, t)
	} else {
		cctx, a.cancel = context.WithCancel(ctx)
	}
	a.state = ActionStarted
	a.mu.Unlock()

	beacon, res := a.fetchBeacon(cctx, client, conn)

	a.mu.Lock()
	a.cancel()
	if a.state == ActionKilled {
		res = ResolutionKilled
	}
	a.resolution = res
	a.mu.Unlock()

	metrics.NotificationActionsTotal.WithLabelValues(string(res)).Inc()
	log.WithField("peer", a.peerID).Debugf("NotificationAction resolved: %s", res)

	if res == ResolutionBeaconsParsed && a.callback != nil {
		a.callback(a.peerID, beacon)
	}
	return res, nil
}

func (a *NotificationAction) fetchBeacon(ctx context.Context, client *http.Client, conn *peer.ConnectionInformation) (*x25519.Key, Resolution) {
	url := fmt.Sprintf("http://%s%s", conn.Address(), BeaconPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, ResolutionNetworkProblem
	}

	res, err := client.Do(req)
	if err != nil {
		log.WithField("peer", a.peerID).Debugf("NotificationAction: GET %s failed: %v", url, err)
		return nil, ResolutionNetworkProblem
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, ResolutionHTTPBadResponse
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBeaconBytes))
	if err != nil {
		return nil, ResolutionNetworkProblem
	}
	if len(body) != x25519.Size {
		return nil, ResolutionBeaconsBad
	}

	beacon := &x25519.Key{}
	copy(beacon[:], body)

	// Low order points yield no shared secret and are rejected
	var shared x25519.Key
	if !x25519.Shared(&shared, &a.keys.Secret, beacon) {
		return nil, ResolutionBeaconsBad
	}

	return beacon, ResolutionBeaconsParsed
}

// Kill aborts the action. Only the first call has an effect.
func (a *NotificationAction) Kill() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == ActionKilled {
		return nil
	}
	if a.state == ActionCreated {
		a.resolution = ResolutionKilled
	}
	a.state = ActionKilled
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}
