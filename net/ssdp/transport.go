package ssdp

import (
	"errors"
	"net"
	"net/http"

	"thali/metrics"

	"github.com/huin/goupnp/httpu"
	"golang.org/x/net/ipv4"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultMulticastTTL = 2
	readBufferSize      = 64 * 1024
)

// Handler receives every datagram that parsed as an SSDP request.
type Handler interface {
	HandleMessage(msg *Message)
}

type HandlerFunc func(msg *Message)

func (f HandlerFunc) HandleMessage(msg *Message) {
	f(msg)
}

// Sender writes messages to the multicast group.
type Sender interface {
	Send(msg *Message) error
	Close() error
}

// Receiver delivers received messages until it is closed.
type Receiver interface {
	// Serve blocks until Close is called. It returns nil after a Close.
	Serve(h Handler) error
	Close() error
}

// Transport opens the multicast sockets used by a discovery service.
type Transport interface {
	OpenSender() (Sender, error)
	OpenReceiver() (Receiver, error)
}

// MulticastTransport is the UDP multicast Transport.
type MulticastTransport struct {
	GroupAddress string         // DefaultGroupAddress when empty
	Interface    *net.Interface // System default when nil
	TTL          int            // DefaultMulticastTTL when zero
	Loopback     bool           // Deliver own datagrams to local listeners
}

var _ Transport = (*MulticastTransport)(nil)

func (t *MulticastTransport) group() string {
	if t.GroupAddress == "" {
		return DefaultGroupAddress
	}
	return t.GroupAddress
}

func (t *MulticastTransport) OpenReceiver() (Receiver, error) {
	addr, err := net.ResolveUDPAddr("udp4", t.group())
	if err != nil {
		return nil, err
	}

	rc, err := net.ListenMulticastUDP("udp4", t.Interface, addr)
	if err != nil {
		return nil, err
	}
	if err := rc.SetReadBuffer(readBufferSize); err != nil {
		log.Warnf("ssdp: failed to set read buffer: %v", err)
	}

	return NewPacketReceiver(rc), nil
}

func (t *MulticastTransport) OpenSender() (Sender, error) {
	addr, err := net.ResolveUDPAddr("udp4", t.group())
	if err != nil {
		return nil, err
	}

	wc, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}

	ttl := t.TTL
	if ttl == 0 {
		ttl = DefaultMulticastTTL
	}

	pc := ipv4.NewPacketConn(wc)
	if t.Interface != nil {
		if err := pc.SetMulticastInterface(t.Interface); err != nil {
			wc.Close()
			return nil, err
		}
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		log.Warnf("ssdp: failed to set multicast TTL: %v", err)
	}
	if err := pc.SetMulticastLoopback(t.Loopback); err != nil {
		log.Warnf("ssdp: failed to set multicast loopback: %v", err)
	}

	return NewConnSender(wc, t.group()), nil
}

type connSender struct {
	wc   net.Conn
	host string
}

// NewConnSender sends messages over a connected socket, filling in host when a message carries none.
func NewConnSender(wc net.Conn, host string) Sender {
	return &connSender{wc: wc, host: host}
}

func (s *connSender) Send(msg *Message) error {
	if msg.Host == "" {
		m := *msg
		m.Host = s.host
		msg = &m
	}

	b, err := msg.Encode()
	if err != nil {
		return err
	}

	if _, err := s.wc.Write(b); err != nil {
		return err
	}

	metrics.SSDPNotificationsSentTotal.WithLabelValues(msg.NTS).Inc()
	return nil
}

func (s *connSender) Close() error {
	return s.wc.Close()
}

type packetReceiver struct {
	rc net.PacketConn
}

// NewPacketReceiver serves SSDP requests arriving on any packet socket.
func NewPacketReceiver(rc net.PacketConn) Receiver {
	return &packetReceiver{rc: rc}
}

// serveMessage adapts Handler to the HTTPU server
type serveMessage struct {
	h Handler
}

func (s serveMessage) ServeMessage(r *http.Request) {
	s.h.HandleMessage(ParseRequest(r))
}

func (r *packetReceiver) Serve(h Handler) error {
	srv := &httpu.Server{Handler: serveMessage{h: h}}
	err := srv.Serve(r.rc)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (r *packetReceiver) Close() error {
	return r.rc.Close()
}
