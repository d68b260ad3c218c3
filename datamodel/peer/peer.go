package peer

import (
	"fmt"
	"time"
)

// ConnectionType names the radio a peer was discovered over.
type ConnectionType string

const (
	ConnectionTypeBluetooth ConnectionType = "AndroidBluetooth"
	ConnectionTypeMPCF      ConnectionType = "MPCF"
	ConnectionTypeTCPNative ConnectionType = "tcp"
)

const (
	MinPort = 0
	MaxPort = 65535
)

// DefaultTCPTimeout is suggested for peers found over Wi-Fi infrastructure mode.
const DefaultTCPTimeout = 2000 * time.Millisecond

// ConnectionInformation describes how to reach a discovered peer. Values are immutable after construction.
type ConnectionInformation struct {
	hostAddress         string
	portNumber          int
	suggestedTCPTimeout time.Duration
}

func NewConnectionInformation(hostAddress string, portNumber int, suggestedTCPTimeout time.Duration) (*ConnectionInformation, error) {
	if err := ValidatePort(portNumber); err != nil {
		return nil, err
	}
	return &ConnectionInformation{
		hostAddress:         hostAddress,
		portNumber:          portNumber,
		suggestedTCPTimeout: suggestedTCPTimeout,
	}, nil
}

func (c *ConnectionInformation) HostAddress() string {
	return c.hostAddress
}

func (c *ConnectionInformation) PortNumber() int {
	return c.portNumber
}

func (c *ConnectionInformation) SuggestedTCPTimeout() time.Duration {
	return c.suggestedTCPTimeout
}

// Address returns host:port suitable for net.Dial.
func (c *ConnectionInformation) Address() string {
	return fmt.Sprintf("%s:%d", c.hostAddress, c.portNumber)
}

func (c *ConnectionInformation) Equal(o *ConnectionInformation) bool {
	if c == nil || o == nil {
		return c == o
	}
	return *c == *o
}

func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range [%d, %d]", port, MinPort, MaxPort)
	}
	return nil
}

// Availability is emitted by a discovery service whenever a peer appears or goes away.
// HostAddress and PortNumber are only meaningful when Available is set.
type Availability struct {
	PeerIdentifier string         // Advertised USN of the peer
	HostAddress    string         // Host parsed from the advertised location
	PortNumber     int            // Port parsed from the advertised location
	ConnectionType ConnectionType // Radio the peer was seen on
	Available      bool
}
