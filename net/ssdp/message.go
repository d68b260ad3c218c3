// Package ssdp implements the SSDP presence protocol used for Wi-Fi peer discovery.
// Advertise: a NOTIFY datagram is periodically sent to a multicast group.
// Listen: datagrams received from the group are parsed and handed to a Handler.
package ssdp

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	MethodNotify = "NOTIFY"

	NTSAlive  = "ssdp:alive"
	NTSByebye = "ssdp:byebye"

	DefaultMaxAge = 1800
)

// DefaultGroupAddress is the IPv4 SSDP multicast group.
const DefaultGroupAddress = "239.255.255.250:1900"

// Message holds the SSDP header fields relevant to discovery.
type Message struct {
	Method   string
	Host     string
	NT       string // Notification type, the discovery namespace
	NTS      string // Notification sub type, alive or byebye
	USN      string // Unique service name of the sender
	Location string // URL of the sender's router
	Server   string
	MaxAge   int

	RemoteAddr string // Set on received messages only
}

func (m *Message) IsAlive() bool {
	return m.NTS == NTSAlive
}

func (m *Message) IsByebye() bool {
	return m.NTS == NTSByebye
}

// Encode renders the message as an HTTPU request datagram.
func (m *Message) Encode() ([]byte, error) {
	method := m.Method
	if method == "" {
		method = MethodNotify
	}

	// Header keys are set directly to keep them upper case, some SSDP stacks compare them case sensitively
	hdr := http.Header{
		"NT":  {m.NT},
		"NTS": {m.NTS},
		"USN": {m.USN},

		// Suppress the Go default
		"User-Agent": {""},
	}
	if m.Location != "" {
		hdr["LOCATION"] = []string{m.Location}
	}
	if m.MaxAge > 0 {
		hdr["CACHE-CONTROL"] = []string{fmt.Sprintf("max-age=%d", m.MaxAge)}
	}
	if m.Server != "" {
		hdr["SERVER"] = []string{m.Server}
	}

	req := &http.Request{
		Method: method,
		Host:   m.Host,
		URL:    &url.URL{Opaque: "*"},
		Header: hdr,
	}

	buf := new(bytes.Buffer)
	if err := req.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseRequest extracts a Message from a request parsed off the wire.
func ParseRequest(r *http.Request) *Message {
	return &Message{
		Method:     r.Method,
		Host:       r.Host,
		NT:         r.Header.Get("NT"),
		NTS:        r.Header.Get("NTS"),
		USN:        r.Header.Get("USN"),
		Location:   r.Header.Get("LOCATION"),
		Server:     r.Header.Get("SERVER"),
		MaxAge:     parseMaxAge(r.Header.Get("CACHE-CONTROL")),
		RemoteAddr: r.RemoteAddr,
	}
}

// Decode parses a single datagram.
func Decode(b []byte) (*Message, error) {
	r, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(b)))
	if err != nil {
		return nil, err
	}
	return ParseRequest(r), nil
}

func parseMaxAge(cc string) int {
	for _, directive := range strings.Split(cc, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "max-age") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	return 0
}
