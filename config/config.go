package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"thali/discovery"
	"thali/net/ssdp"
	"thali/notification"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// EnvPrefix prefixes every environment override, e.g. THALI_DISCOVERY_ROUTER_PORT.
const EnvPrefix = "THALI"

var (
	ErrMissingKey        = errors.New("config: node key is missing, run init")
	ErrBadMulticast      = errors.New("config: bad multicast address")
	ErrBadInterval       = errors.New("config: bad advertise interval")
	ErrBadRouterPort     = errors.New("config: router port out of range")
	ErrBadDictionarySize = errors.New("config: dictionary size must be positive")
	ErrBadPoolSize       = errors.New("config: notification pool size must be positive")
)

// Config represents the configuration of a thali node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		PrivateKey PrivKey `json:"key" ignored:"true"`
	} `json:"node"`

	Discovery struct {
		MulticastAddress  string        `json:"multicast" split_words:"true"`
		Interface         string        `json:"interface"`
		TTL               int           `json:"ttl"`
		Loopback          bool          `json:"loopback"`
		NotificationType  string        `json:"nt" split_words:"true"`
		AdvertiseInterval time.Duration `json:"advertise_interval" split_words:"true"`
		AdvertiseJitter   time.Duration `json:"advertise_jitter" split_words:"true"`
		MaxAge            int           `json:"max_age" split_words:"true"`
		RouterPort        int           `json:"router_port" split_words:"true"`
		ListenHost        string        `json:"listen_host" split_words:"true"`
		AdvertiseHost     string        `json:"advertise_host" split_words:"true"`
	} `json:"discovery"`

	Dictionary struct {
		MaxSize int `json:"max_size" split_words:"true"`
	} `json:"dictionary"`

	Notification struct {
		PoolSize       int           `json:"pool_size" split_words:"true"`
		RequestTimeout time.Duration `json:"request_timeout" split_words:"true"`
	} `json:"notification"`

	Network struct {
		// Ask the gateway to forward the router port
		UPnP bool `json:"upnp" envconfig:"UPNP"`
	} `json:"network"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	dcfg := discovery.DefaultConfig()
	cfg.Discovery.MulticastAddress = ssdp.DefaultGroupAddress
	cfg.Discovery.TTL = ssdp.DefaultMulticastTTL
	cfg.Discovery.NotificationType = dcfg.NotificationType
	cfg.Discovery.AdvertiseInterval = dcfg.AdvertiseInterval
	cfg.Discovery.AdvertiseJitter = dcfg.AdvertiseJitter
	cfg.Discovery.MaxAge = dcfg.MaxAge

	cfg.Dictionary.MaxSize = notification.MaxSize

	cfg.Notification.PoolSize = 4
	cfg.Notification.RequestTimeout = 2 * time.Second

	return cfg
}

// NewConfigFromFile loads configFile and applies the environment overrides on top
func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) File() string {
	return c.configFile
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", c.configFile, err)
	}

	return nil
}

// ApplyEnv loads a .env file from the working directory, if there is one, then applies THALI_* variables.
func (c *Config) ApplyEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("Failed to load .env: %v", err)
	}

	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if !c.Node.PrivateKey.Valid() {
		return ErrMissingKey
	}
	if _, err := net.ResolveUDPAddr("udp4", c.Discovery.MulticastAddress); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMulticast, err)
	}
	d := c.Discovery
	if d.AdvertiseInterval <= 0 || d.AdvertiseJitter < 0 || d.AdvertiseJitter >= d.AdvertiseInterval {
		return fmt.Errorf("%w: interval %v, jitter %v", ErrBadInterval, d.AdvertiseInterval, d.AdvertiseJitter)
	}
	if d.RouterPort < 0 || d.RouterPort > 65535 {
		return fmt.Errorf("%w: %d", ErrBadRouterPort, d.RouterPort)
	}
	if c.Dictionary.MaxSize < 1 {
		return ErrBadDictionarySize
	}
	if c.Notification.PoolSize < 1 {
		return ErrBadPoolSize
	}
	return nil
}

// DiscoveryConfig converts the discovery section for discovery.NewWifiService.
func (c *Config) DiscoveryConfig() discovery.Config {
	dcfg := discovery.DefaultConfig()
	dcfg.NotificationType = c.Discovery.NotificationType
	dcfg.RouterPort = c.Discovery.RouterPort
	dcfg.ListenHost = c.Discovery.ListenHost
	dcfg.AdvertiseHost = c.Discovery.AdvertiseHost
	dcfg.AdvertiseInterval = c.Discovery.AdvertiseInterval
	dcfg.AdvertiseJitter = c.Discovery.AdvertiseJitter
	dcfg.MaxAge = c.Discovery.MaxAge
	return dcfg
}

// Transport builds the multicast transport for the discovery section.
func (c *Config) Transport() (*ssdp.MulticastTransport, error) {
	t := &ssdp.MulticastTransport{
		GroupAddress: c.Discovery.MulticastAddress,
		TTL:          c.Discovery.TTL,
		Loopback:     c.Discovery.Loopback,
	}
	if c.Discovery.Interface != "" {
		ifi, err := net.InterfaceByName(c.Discovery.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to find interface %s: %w", c.Discovery.Interface, err)
		}
		t.Interface = ifi
	}
	return t, nil
}
