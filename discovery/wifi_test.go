package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"thali/datamodel/peer"
	"thali/net/ssdp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []ssdp.Message
	receiver  *fakeReceiver
	senderErr error
}

func (t *fakeTransport) OpenSender() (ssdp.Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.senderErr != nil {
		return nil, t.senderErr
	}
	return &fakeSender{t: t}, nil
}

func (t *fakeTransport) OpenReceiver() (ssdp.Receiver, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = &fakeReceiver{in: make(chan *ssdp.Message), closed: make(chan struct{})}
	return t.receiver, nil
}

func (t *fakeTransport) messages(nts string) []ssdp.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ssdp.Message
	for _, m := range t.sent {
		if m.NTS == nts {
			out = append(out, m)
		}
	}
	return out
}

// deliver hands msg to the current receiver, dropping it if the receiver is closed
func (t *fakeTransport) deliver(msg *ssdp.Message) {
	t.mu.Lock()
	r := t.receiver
	t.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case r.in <- msg:
	case <-r.closed:
	}
}

type fakeSender struct {
	t *fakeTransport
}

func (s *fakeSender) Send(m *ssdp.Message) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.sent = append(s.t.sent, *m)
	return nil
}

func (s *fakeSender) Close() error {
	return nil
}

type fakeReceiver struct {
	in     chan *ssdp.Message
	closed chan struct{}
	once   sync.Once
}

func (r *fakeReceiver) Serve(h ssdp.Handler) error {
	for {
		select {
		case m := <-r.in:
			h.HandleMessage(m)
		case <-r.closed:
			return nil
		}
	}
}

func (r *fakeReceiver) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.AdvertiseInterval = 50 * time.Millisecond
	cfg.AdvertiseJitter = 0
	return cfg
}

func newTestService(t *testing.T, cfg Config) (*WifiService, *fakeTransport, chan *peer.Availability) {
	transport := &fakeTransport{}
	events := make(chan *peer.Availability, 16)
	svc := NewWifiService(cfg, transport, ListenerFunc(func(p *peer.Availability) { events <- p }))
	t.Cleanup(func() { svc.Stop(context.Background()) })
	return svc, transport, events
}

func okRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func expectEvent(t *testing.T, events chan *peer.Availability) *peer.Availability {
	t.Helper()
	select {
	case p := <-events:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no availability event")
		return nil
	}
}

func expectNoEvent(t *testing.T, events chan *peer.Availability) {
	t.Helper()
	select {
	case p := <-events:
		t.Fatalf("unexpected availability event: %+v", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleMessageEmitsAvailability(t *testing.T) {
	svc, _, events := newTestService(t, testConfig())

	msg := &ssdp.Message{
		NT:       DefaultNotificationType,
		NTS:      ssdp.NTSAlive,
		USN:      "urn:uuid:peer-1",
		Location: "http://foo.bar:8080",
	}
	require.True(t, svc.handleMessage(msg, true))

	p := expectEvent(t, events)
	assert.Equal(t, "urn:uuid:peer-1", p.PeerIdentifier)
	assert.Equal(t, "foo.bar", p.HostAddress)
	assert.Equal(t, 8080, p.PortNumber)
	assert.Equal(t, peer.ConnectionTypeTCPNative, p.ConnectionType)
	assert.True(t, p.Available)
}

func TestHandleMessageByebye(t *testing.T) {
	svc, _, events := newTestService(t, testConfig())

	msg := &ssdp.Message{NT: DefaultNotificationType, NTS: ssdp.NTSByebye, USN: "urn:uuid:peer-1"}
	require.True(t, svc.handleMessage(msg, false))

	p := expectEvent(t, events)
	assert.Equal(t, "urn:uuid:peer-1", p.PeerIdentifier)
	assert.False(t, p.Available)
}

func TestHandleMessageRejectsInvalid(t *testing.T) {
	svc, _, events := newTestService(t, testConfig())

	for _, msg := range []*ssdp.Message{
		{NT: DefaultNotificationType, USN: "urn:uuid:peer-1", Location: "http://foo.bar:90000"},
		{NT: DefaultNotificationType, USN: "urn:uuid:peer-1", Location: "http://foo.bar"},
		{NT: DefaultNotificationType, USN: "urn:uuid:peer-1", Location: "http://:8080"},
		{NT: DefaultNotificationType, USN: "urn:uuid:peer-1", Location: "::not a url"},
		{NT: DefaultNotificationType, USN: "", Location: "http://foo.bar:8080"},
	} {
		assert.False(t, svc.handleMessage(msg, true), "location %q usn %q", msg.Location, msg.USN)
	}
	assert.False(t, svc.handleMessage(&ssdp.Message{NT: DefaultNotificationType}, false))

	expectNoEvent(t, events)
}

func TestShouldBeIgnored(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testConfig())

	assert.True(t, svc.shouldBeIgnored(&ssdp.Message{NT: "urn:schemas-upnp-org:device:Basic:1", USN: "urn:uuid:other"}))
	assert.False(t, svc.shouldBeIgnored(&ssdp.Message{NT: DefaultNotificationType, USN: "urn:uuid:other"}))

	require.NoError(t, svc.Start(ctx, okRouter()))
	require.NoError(t, svc.StartUpdateAdvertisingAndListening(ctx))
	require.NotEmpty(t, svc.USN())

	assert.True(t, svc.shouldBeIgnored(&ssdp.Message{NT: DefaultNotificationType, USN: svc.USN()}))
}

func TestStartTwice(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testConfig())

	require.NoError(t, svc.Start(ctx, okRouter()))
	assert.True(t, svc.IsStarted())
	assert.ErrorIs(t, svc.Start(ctx, okRouter()), ErrAlreadyStarted)
	assert.Equal(t, "Call Stop!", ErrAlreadyStarted.Error())

	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Start(ctx, okRouter()))
}

func TestStopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testConfig())

	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Start(ctx, okRouter()))
	require.NoError(t, svc.StartUpdateAdvertisingAndListening(ctx))
	require.NoError(t, svc.StartListeningForAdvertisements(ctx))

	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx))
	assert.False(t, svc.IsStarted())
	assert.False(t, svc.IsAdvertising())
	assert.False(t, svc.IsListening())
}

func TestOperationsRequireStart(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, testConfig())

	assert.ErrorIs(t, svc.StartListeningForAdvertisements(ctx), ErrNotStarted)
	assert.ErrorIs(t, svc.StartUpdateAdvertisingAndListening(ctx), ErrNotStarted)
}

func TestBadRouter(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "Bad Router", ErrBadRouter.Error())

	for name, router := range map[string]http.Handler{
		"nil":              nil,
		"nil mux":          (*http.ServeMux)(nil),
		"nil handler func": http.HandlerFunc(nil),
	} {
		t.Run(name, func(t *testing.T) {
			svc, transport, _ := newTestService(t, testConfig())

			require.NoError(t, svc.Start(ctx, router))
			assert.ErrorIs(t, svc.StartUpdateAdvertisingAndListening(ctx), ErrBadRouter)
			assert.False(t, svc.IsAdvertising())
			assert.Zero(t, svc.Port())
			assert.Empty(t, transport.messages(ssdp.NTSAlive))
		})
	}
}

func TestBadIntervalRejectedBeforeBind(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AdvertiseInterval = 0
	svc, transport, _ := newTestService(t, cfg)

	require.NoError(t, svc.Start(ctx, okRouter()))
	err := svc.StartUpdateAdvertisingAndListening(ctx)
	assert.ErrorIs(t, err, ErrBadInterval)
	assert.NotErrorIs(t, err, ErrRadioInfrastructure)
	assert.False(t, svc.IsAdvertising())
	assert.Zero(t, svc.Port(), "no port is bound")
	assert.Empty(t, svc.USN())
	assert.Empty(t, transport.messages(ssdp.NTSAlive))
	assert.Empty(t, transport.messages(ssdp.NTSByebye))
}

func TestStopWithCancelledContext(t *testing.T) {
	svc, transport, _ := newTestService(t, testConfig())

	require.NoError(t, svc.Start(context.Background(), okRouter()))
	require.NoError(t, svc.StartUpdateAdvertisingAndListening(context.Background()))
	require.NoError(t, svc.StartListeningForAdvertisements(context.Background()))
	port := svc.Port()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, svc.Stop(ctx))

	assert.False(t, svc.IsStarted())
	assert.False(t, svc.IsListening())
	assert.False(t, svc.IsAdvertising())
	assert.Len(t, transport.messages(ssdp.NTSByebye), 1)

	// The router port is free again
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	l.Close()
}

func TestRouterIsHosted(t *testing.T) {
	ctx := context.Background()
	svc, transport, _ := newTestService(t, testConfig())

	require.NoError(t, svc.Start(ctx, okRouter()))
	require.NoError(t, svc.StartUpdateAdvertisingAndListening(ctx))
	require.NotZero(t, svc.Port())

	url := fmt.Sprintf("http://127.0.0.1:%d/test", svc.Port())
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	alive := transport.messages(ssdp.NTSAlive)
	require.NotEmpty(t, alive)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/", svc.Port()), alive[0].Location)
	assert.Equal(t, DefaultNotificationType, alive[0].NT)
	assert.Equal(t, svc.USN(), alive[0].USN)

	require.NoError(t, svc.Stop(ctx))
	_, err = http.Get(url)
	assert.Error(t, err)
}

func TestUSNChangesOnEveryUpdate(t *testing.T) {
	ctx := context.Background()
	svc, transport, _ := newTestService(t, testConfig())

	require.NoError(t, svc.Start(ctx, okRouter()))
	require.NoError(t, svc.StartUpdateAdvertisingAndListening(ctx))
	firstUSN, firstPort := svc.USN(), svc.Port()

	require.NoError(t, svc.StartUpdateAdvertisingAndListening(ctx))
	secondUSN, secondPort := svc.USN(), svc.Port()

	assert.NotEqual(t, firstUSN, secondUSN)
	assert.Equal(t, firstPort, secondPort, "router port is kept across updates")

	var advertised []string
	for _, m := range transport.messages(ssdp.NTSAlive) {
		if len(advertised) == 0 || advertised[len(advertised)-1] != m.USN {
			advertised = append(advertised, m.USN)
		}
	}
	assert.Equal(t, []string{firstUSN, secondUSN}, advertised)

	byebye := transport.messages(ssdp.NTSByebye)
	require.Len(t, byebye, 1)
	assert.Equal(t, firstUSN, byebye[0].USN)
}

func TestPortInUse(t *testing.T) {
	ctx := context.Background()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.RouterPort = l.Addr().(*net.TCPAddr).Port
	svc, transport, _ := newTestService(t, cfg)

	require.NoError(t, svc.Start(ctx, okRouter()))
	err = svc.StartUpdateAdvertisingAndListening(ctx)
	assert.ErrorIs(t, err, ErrRadioInfrastructure)
	assert.False(t, svc.IsAdvertising())
	assert.Empty(t, transport.messages(ssdp.NTSAlive))
}

func TestSenderFailureReleasesRouterPort(t *testing.T) {
	ctx := context.Background()
	svc, transport, _ := newTestService(t, testConfig())

	require.NoError(t, svc.Start(ctx, okRouter()))
	require.NoError(t, svc.StartUpdateAdvertisingAndListening(ctx))

	transport.senderErr = errors.New("network is down")
	assert.ErrorIs(t, svc.StartUpdateAdvertisingAndListening(ctx), ErrRadioInfrastructure)
	assert.False(t, svc.IsAdvertising())

	transport.senderErr = nil
	require.NoError(t, svc.StartUpdateAdvertisingAndListening(ctx))
	assert.True(t, svc.IsAdvertising())
}

func TestListeningPipeline(t *testing.T) {
	ctx := context.Background()
	svc, transport, events := newTestService(t, testConfig())

	require.NoError(t, svc.Start(ctx, okRouter()))
	require.NoError(t, svc.StartUpdateAdvertisingAndListening(ctx))
	require.NoError(t, svc.StartListeningForAdvertisements(ctx))
	require.NoError(t, svc.StartListeningForAdvertisements(ctx))
	assert.True(t, svc.IsListening())

	// Own advertisement
	transport.deliver(&ssdp.Message{NT: DefaultNotificationType, NTS: ssdp.NTSAlive, USN: svc.USN(), Location: "http://127.0.0.1:1234/"})
	// Foreign namespace
	transport.deliver(&ssdp.Message{NT: "upnp:rootdevice", NTS: ssdp.NTSAlive, USN: "urn:uuid:tv", Location: "http://10.0.0.9:80/"})
	expectNoEvent(t, events)

	transport.deliver(&ssdp.Message{NT: DefaultNotificationType, NTS: ssdp.NTSAlive, USN: "urn:uuid:peer-2", Location: "http://10.0.0.2:4242/"})
	p := expectEvent(t, events)
	assert.Equal(t, "urn:uuid:peer-2", p.PeerIdentifier)
	assert.Equal(t, "10.0.0.2", p.HostAddress)
	assert.True(t, p.Available)

	transport.deliver(&ssdp.Message{NT: DefaultNotificationType, NTS: ssdp.NTSByebye, USN: "urn:uuid:peer-2"})
	p = expectEvent(t, events)
	assert.False(t, p.Available)

	require.NoError(t, svc.StopListeningForAdvertisements(ctx))
	assert.False(t, svc.IsListening())
	transport.deliver(&ssdp.Message{NT: DefaultNotificationType, NTS: ssdp.NTSAlive, USN: "urn:uuid:peer-3", Location: "http://10.0.0.3:4242/"})
	expectNoEvent(t, events)
}

func TestParseLocation(t *testing.T) {
	host, port, err := parseLocation("http://192.168.1.7:5000/")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.7", host)
	assert.Equal(t, 5000, port)

	_, _, err = parseLocation("http://192.168.1.7:0/")
	assert.Error(t, err)
}
