package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"sync"
	"time"

	"thali/datamodel/peer"
	"thali/helper/timer"
	"thali/metrics"
	"thali/net/ssdp"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	log "github.com/sirupsen/logrus"
)

// DefaultNotificationType is the SSDP NT all peers advertise under.
const DefaultNotificationType = "http://www.thaliproject.org/ssdp"

const shutdownTimeout = 5 * time.Second

type Config struct {
	NotificationType  string
	RouterPort        int    // 0 picks an ephemeral port on first use, which is then kept
	ListenHost        string // Router listener host, all interfaces when empty
	AdvertiseHost     string // Host put in LOCATION, first non-loopback IPv4 when empty
	AdvertiseInterval time.Duration
	AdvertiseJitter   time.Duration
	MaxAge            int
	Server            string
}

func DefaultConfig() Config {
	return Config{
		NotificationType:  DefaultNotificationType,
		AdvertiseInterval: 10 * time.Second,
		AdvertiseJitter:   time.Second,
		MaxAge:            ssdp.DefaultMaxAge,
		Server:            "thali/1.0 UPnP/1.1",
	}
}

var _ Service = (*WifiService)(nil)

// WifiService discovers peers with SSDP over Wi-Fi infrastructure mode.
type WifiService struct {
	cfg       Config
	transport ssdp.Transport
	listener  Listener

	// Serializes lifecycle calls. Start calls are rejected while it is held, Stop calls wait.
	lifecycle *semaphore.Weighted

	mu          sync.RWMutex
	started     bool
	advertising bool
	listening   bool
	router      http.Handler
	port        int
	usn         string
	usedUSNs    map[string]struct{}

	httpServer  *http.Server
	serveDone   chan struct{}
	advertiser  *ssdp.Advertiser
	receiver    ssdp.Receiver
	receiveDone chan struct{}
	inflight    sync.WaitGroup
}

func NewWifiService(cfg Config, transport ssdp.Transport, listener Listener) *WifiService {
	if cfg.NotificationType == "" {
		cfg.NotificationType = DefaultNotificationType
	}
	return &WifiService{
		cfg:       cfg,
		transport: transport,
		listener:  listener,
		lifecycle: semaphore.NewWeighted(1),
		port:      cfg.RouterPort,
		usedUSNs:  make(map[string]struct{}),
	}
}

func (s *WifiService) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *WifiService) IsAdvertising() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.advertising
}

func (s *WifiService) IsListening() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listening
}

// USN returns the identifier of the current, or last, advertising session.
func (s *WifiService) USN() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usn
}

// Port returns the router port. It is zero until the first successful bind when configured as ephemeral.
func (s *WifiService) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

func (s *WifiService) Start(ctx context.Context, router http.Handler) error {
	if !s.lifecycle.TryAcquire(1) {
		return ErrBusy
	}
	defer s.lifecycle.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.advertising = false
	s.listening = false
	s.router = router

	log.Debug("WifiService: started")
	return nil
}

// Stop releases every socket and listener. Calling it on a stopped service is a no-op.
// It waits for a concurrent lifecycle call to finish even when ctx is cancelled.
func (s *WifiService) Stop(ctx context.Context) error {
	if err := s.acquireForStop(ctx); err != nil {
		return err
	}
	defer s.lifecycle.Release(1)

	if !s.IsStarted() {
		return nil
	}

	s.stopListening()
	s.stopAdvertising(ctx)

	s.mu.Lock()
	s.started = false
	s.router = nil
	s.mu.Unlock()

	log.Debug("WifiService: stopped")
	return nil
}

// acquireForStop takes the lifecycle semaphore ignoring cancellation of ctx, so stopping always releases.
func (s *WifiService) acquireForStop(ctx context.Context) error {
	return s.lifecycle.Acquire(context.WithoutCancel(ctx), 1)
}

func (s *WifiService) StartListeningForAdvertisements(ctx context.Context) error {
	if !s.lifecycle.TryAcquire(1) {
		return ErrBusy
	}
	defer s.lifecycle.Release(1)

	s.mu.RLock()
	started, listening := s.started, s.listening
	s.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}
	if listening {
		return nil
	}

	rcv, err := s.transport.OpenReceiver()
	if err != nil {
		log.Errorf("WifiService: failed to open SSDP receiver: %v", err)
		return fmt.Errorf("%w: %v", ErrRadioInfrastructure, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.receiver = rcv
	s.receiveDone = done
	s.listening = true
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := rcv.Serve(ssdp.HandlerFunc(s.receive)); err != nil {
			log.Errorf("WifiService: SSDP receiver failed: %v", err)
		}
	}()

	log.Info("WifiService: listening for advertisements")
	return nil
}

func (s *WifiService) StopListeningForAdvertisements(ctx context.Context) error {
	if err := s.acquireForStop(ctx); err != nil {
		return err
	}
	defer s.lifecycle.Release(1)

	s.stopListening()
	return nil
}

// stopListening closes the receiver and waits for in-flight messages. The lifecycle semaphore must be held.
func (s *WifiService) stopListening() {
	s.mu.Lock()
	rcv, done := s.receiver, s.receiveDone
	s.listening = false
	s.receiver = nil
	s.receiveDone = nil
	s.mu.Unlock()

	if rcv == nil {
		return
	}
	if err := rcv.Close(); err != nil {
		log.Warnf("WifiService: failed to close SSDP receiver: %v", err)
	}
	<-done
	s.inflight.Wait()
}

// StartUpdateAdvertisingAndListening (re)binds the router listener and advertises a fresh USN.
func (s *WifiService) StartUpdateAdvertisingAndListening(ctx context.Context) error {
	if !s.lifecycle.TryAcquire(1) {
		return ErrBusy
	}
	defer s.lifecycle.Release(1)

	s.mu.RLock()
	started, router, port := s.started, s.router, s.port
	s.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}
	if !validRouter(router) {
		return ErrBadRouter
	}

	interval := timer.Interval{Duration: s.cfg.AdvertiseInterval, Jitter: s.cfg.AdvertiseJitter}
	if err := interval.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadInterval, err)
	}

	// A previous session is torn down so the new one can rebind the same port
	s.stopAdvertising(ctx)

	l, err := net.Listen("tcp", net.JoinHostPort(s.cfg.ListenHost, strconv.Itoa(port)))
	if err != nil {
		log.Errorf("WifiService: failed to bind router on port %d: %v", port, err)
		return fmt.Errorf("%w: %v", ErrRadioInfrastructure, err)
	}
	port = l.Addr().(*net.TCPAddr).Port

	sender, err := s.transport.OpenSender()
	if err != nil {
		l.Close()
		log.Errorf("WifiService: failed to open SSDP sender: %v", err)
		return fmt.Errorf("%w: %v", ErrRadioInfrastructure, err)
	}

	usn := s.newUSN()
	adv := ssdp.NewAdvertiser(sender, ssdp.Message{
		NT:       s.cfg.NotificationType,
		USN:      usn,
		Location: s.location(port),
		Server:   s.cfg.Server,
		MaxAge:   s.cfg.MaxAge,
	}, interval)

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("WifiService: router server failed: %v", err)
		}
	}()

	s.mu.Lock()
	s.port = port
	s.usn = usn
	s.httpServer = srv
	s.serveDone = done
	s.advertiser = adv
	s.advertising = true
	s.mu.Unlock()

	if err := adv.Start(context.Background()); err != nil {
		s.stopAdvertising(ctx)
		return fmt.Errorf("%w: %v", ErrBadInterval, err)
	}

	metrics.USNRotationsTotal.Inc()
	log.WithField("usn", usn).Infof("WifiService: advertising router on port %d", port)
	return nil
}

func (s *WifiService) StopAdvertisingAndListening(ctx context.Context) error {
	if err := s.acquireForStop(ctx); err != nil {
		return err
	}
	defer s.lifecycle.Release(1)

	s.stopAdvertising(ctx)
	return nil
}

// stopAdvertising says goodbye and shuts the router down. The lifecycle semaphore must be held.
func (s *WifiService) stopAdvertising(ctx context.Context) {
	s.mu.Lock()
	adv, srv, done := s.advertiser, s.httpServer, s.serveDone
	s.advertising = false
	s.advertiser = nil
	s.httpServer = nil
	s.serveDone = nil
	s.mu.Unlock()

	if adv != nil {
		if err := adv.Stop(); err != nil {
			log.Warnf("WifiService: failed to stop advertiser: %v", err)
		}
	}

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warnf("WifiService: router shutdown: %v", err)
			srv.Close()
		}
		<-done
	}
}

// validRouter rejects nil handlers, including typed nils stored in the interface.
func validRouter(router http.Handler) bool {
	if router == nil {
		return false
	}
	v := reflect.ValueOf(router)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Interface, reflect.Chan, reflect.Slice:
		return !v.IsNil()
	}
	return true
}

// newUSN returns an identifier this instance never advertised before.
func (s *WifiService) newUSN() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		usn := "urn:uuid:" + uuid.NewString()
		if _, used := s.usedUSNs[usn]; !used {
			s.usedUSNs[usn] = struct{}{}
			return usn
		}
	}
}

func (s *WifiService) location(port int) string {
	host := s.cfg.AdvertiseHost
	if host == "" {
		host = advertiseHost()
	}
	return fmt.Sprintf("http://%s/", net.JoinHostPort(host, strconv.Itoa(port)))
}

// advertiseHost picks the first non-loopback IPv4 address of this machine.
func advertiseHost() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Warnf("WifiService: failed to list interface addresses: %v", err)
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if ip4 := ipNet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}

func (s *WifiService) receive(msg *ssdp.Message) {
	s.mu.RLock()
	if !s.listening {
		s.mu.RUnlock()
		return
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	if s.shouldBeIgnored(msg) {
		metrics.SSDPMessagesTotal.WithLabelValues("ignored").Inc()
		return
	}

	switch {
	case msg.IsAlive():
		s.handleMessage(msg, true)
	case msg.IsByebye():
		s.handleMessage(msg, false)
	default:
		metrics.SSDPMessagesTotal.WithLabelValues("ignored").Inc()
	}
}

// shouldBeIgnored filters out foreign namespaces and our own advertisements.
func (s *WifiService) shouldBeIgnored(msg *ssdp.Message) bool {
	if msg.NT != s.cfg.NotificationType {
		return true
	}
	return msg.USN == s.USN()
}

// handleMessage validates msg and emits the peer availability change. It reports whether anything was emitted.
func (s *WifiService) handleMessage(msg *ssdp.Message, isAdvertisement bool) bool {
	if msg.USN == "" {
		log.Debugf("WifiService: dropping message without USN from %s", msg.RemoteAddr)
		metrics.SSDPMessagesTotal.WithLabelValues("invalid").Inc()
		return false
	}

	p := &peer.Availability{
		PeerIdentifier: msg.USN,
		ConnectionType: peer.ConnectionTypeTCPNative,
		Available:      isAdvertisement,
	}

	if isAdvertisement {
		host, port, err := parseLocation(msg.Location)
		if err != nil {
			log.WithField("usn", msg.USN).Debugf("WifiService: dropping message with bad location %q: %v", msg.Location, err)
			metrics.SSDPMessagesTotal.WithLabelValues("invalid").Inc()
			return false
		}
		p.HostAddress = host
		p.PortNumber = port
	}

	metrics.SSDPMessagesTotal.WithLabelValues("emitted").Inc()
	if s.listener != nil {
		s.listener.PeerAvailabilityChanged(p)
	}
	return true
}

func parseLocation(location string) (string, int, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", 0, err
	}
	if u.Hostname() == "" {
		return "", 0, errors.New("missing host")
	}
	if u.Port() == "" {
		return "", 0, errors.New("missing port")
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", 0, err
	}
	if err := peer.ValidatePort(port); err != nil {
		return "", 0, err
	}
	return u.Hostname(), port, nil
}
