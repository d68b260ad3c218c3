package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"thali/config"
	"thali/datamodel/peer"
	"thali/discovery"
	"thali/helper/timer"
	"thali/net/ssdp"
	"thali/notification"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

const eventQueueSize = 256

type Node struct {
	// Device identity
	Keys *peer.KeyPair

	// Discovery and notification state
	Discovery  *discovery.WifiService
	Dictionary *notification.PeerDictionary
	Peers      *PeerRegistry

	// Availability events, fed by the discovery listener
	events chan *peer.Availability

	// Notification worker pool
	poolSize       int
	wake           chan struct{}
	client         *http.Client
	requestTimeout time.Duration
}

func New(cfg *config.Config, transport ssdp.Transport) (*Node, error) {
	if !cfg.Node.PrivateKey.Valid() {
		return nil, config.ErrMissingKey
	}

	node := &Node{
		Keys:           cfg.Node.PrivateKey.KeyPair(),
		Dictionary:     notification.NewPeerDictionaryWithCapacity(cfg.Dictionary.MaxSize),
		Peers:          NewPeerRegistry(),
		events:         make(chan *peer.Availability, eventQueueSize),
		poolSize:       cfg.Notification.PoolSize,
		wake:           make(chan struct{}, 1),
		client:         &http.Client{},
		requestTimeout: cfg.Notification.RequestTimeout,
	}

	node.Discovery = discovery.NewWifiService(cfg.DiscoveryConfig(), transport, &availabilityListener{node: node})

	log.Infof("I am %s", peer.KeyID(&node.Keys.Public))

	return node, nil
}

// This is run via the RunWithTicker() helper
func (n *Node) reportStatus(ctx context.Context) error {
	log.Infof("Status: %d peers tracked, %d beacons known, advertising %s on port %d",
		n.Dictionary.Size(), n.Peers.Len(), n.Discovery.USN(), n.Discovery.Port())
	return nil
}

// Refresh re-advertises the router under a new USN, telling peers there is something new for them.
func (n *Node) Refresh(ctx context.Context) error {
	return n.Discovery.StartUpdateAdvertisingAndListening(ctx)
}

func (n *Node) processEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-n.events:
			n.handleAvailability(p)
		}
	}
}

func (n *Node) handleAvailability(p *peer.Availability) {
	logger := log.WithField("peer", p.PeerIdentifier)

	if !p.Available {
		logger.Info("Peer went away")
		n.Dictionary.Remove(p.PeerIdentifier)
		n.Peers.Forget(p.PeerIdentifier)
		return
	}

	conn, err := peer.NewConnectionInformation(p.HostAddress, p.PortNumber, n.requestTimeout)
	if err != nil {
		logger.Warnf("Ignoring peer with bad connection information: %v", err)
		return
	}

	existing, ok := n.Dictionary.Get(p.PeerIdentifier)
	if ok && existing.ConnectionInfo.Equal(conn) {
		// Periodic re-announcement of a peer we already handle
		return
	}
	if ok && existing.State == notification.StateControlledByPool {
		if err := existing.Action.Kill(); err != nil {
			logger.Warnf("Failed to kill superseded action: %v", err)
		}
	}

	logger.Infof("Peer available at %s", conn.Address())

	action := notification.NewNotificationAction(p.PeerIdentifier, p.ConnectionType, n.Keys, n.Peers.Update)
	n.Dictionary.AddUpdateEntry(p.PeerIdentifier, notification.Entry{
		State:          notification.StateWaiting,
		ConnectionInfo: conn,
		Action:         action,
	})
	n.wakeWorker()
}

// wakeWorker signals one idle worker. The signal is dropped if one is already pending.
func (n *Node) wakeWorker() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// startWorkers runs the fixed notification pool on wg.
func (n *Node) startWorkers(ctx context.Context, wg *errgroup.Group) {
	for i := 0; i < n.poolSize; i++ {
		wg.Go(func() error {
			return n.worker(ctx)
		})
	}
}

// worker runs WAITING entries one at a time until ctx is done.
func (n *Node) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.wake:
		}

		for ctx.Err() == nil {
			peerID, entry, ok := n.Dictionary.ClaimNextWaiting()
			if !ok {
				break
			}
			// More entries may be waiting, let another idle worker look
			n.wakeWorker()
			n.runAction(ctx, peerID, entry)
		}
	}
}

func (n *Node) runAction(ctx context.Context, peerID string, entry notification.Entry) {
	logger := log.WithField("peer", peerID)

	action, ok := entry.Action.(*notification.NotificationAction)
	if !ok {
		logger.Errorf("Unexpected action type %T", entry.Action)
		n.Dictionary.Remove(peerID)
		return
	}

	res, err := action.Start(ctx, n.client, entry.ConnectionInfo)
	if err != nil {
		logger.Warnf("Notification action failed: %v", err)
	}

	if n.Dictionary.UpdateState(peerID, action, notification.StateResolved) {
		logger.Infof("Notification action resolved: %s", res)
	}
}

func (n *Node) Run(ctx context.Context) error {
	if err := n.Discovery.Start(ctx, n.Router()); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	defer func() {
		if err := n.Discovery.Stop(context.Background()); err != nil {
			log.Errorf("Failed to stop discovery: %v", err)
		}
	}()

	if err := n.Discovery.StartListeningForAdvertisements(ctx); err != nil {
		return fmt.Errorf("failed to listen for advertisements: %w", err)
	}
	if err := n.Discovery.StartUpdateAdvertisingAndListening(ctx); err != nil {
		return fmt.Errorf("failed to advertise: %w", err)
	}

	log.Infof("Advertising %s, router on port %d", n.Discovery.USN(), n.Discovery.Port())

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.processEvents(cctx)
	})

	n.startWorkers(cctx, wg)

	wg.Go(func() error {
		interval := &timer.Interval{
			Duration: time.Second * 30,
			Jitter:   time.Second * 5,
		}
		return timer.RunWithTicker(cctx, interval, n.reportStatus)
	})

	err := wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
