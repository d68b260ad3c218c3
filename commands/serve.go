package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"thali/config"
	"thali/swarm/node"

	"github.com/jcuga/go-upnp"
	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return RunServe(cmd.Context(), cfg)
	},
}

func RunServe(ctx context.Context, cfg *config.Config) error {
	log.Infof("Running thali node...")

	transport, err := cfg.Transport()
	if err != nil {
		return err
	}

	if cfg.Network.UPnP {
		if cfg.Discovery.RouterPort == 0 {
			log.Warn("UPnP port forwarding needs a fixed discovery.router_port, skipping")
		} else if err := forwardPort(cfg.Discovery.RouterPort); err != nil {
			// Peers on the local network are still reachable
			log.Warnf("UPnP port forwarding failed: %v", err)
		}
	}

	n, err := node.New(cfg, transport)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	go refreshOnHangup(ctx, n)

	if err := n.Run(ctx); err != nil {
		return fmt.Errorf("failed to run node: %w", err)
	}

	log.Info("Node stopped")
	return nil
}

// refreshOnHangup re-advertises under a new USN on every SIGHUP, so peers fetch our beacon again.
func refreshOnHangup(ctx context.Context, n *node.Node) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := n.Refresh(ctx); err != nil {
				log.Warnf("Refresh failed: %v", err)
				continue
			}
			log.Infof("Refreshed, now advertising %s", n.Discovery.USN())
		}
	}
}

func forwardPort(port int) error {
	d, err := upnp.Discover()
	if err != nil {
		return fmt.Errorf("gateway discovery: %w", err)
	}

	externalIP, err := d.ExternalIP()
	if err != nil {
		return fmt.Errorf("external IP: %w", err)
	}

	if err := d.Forward(uint16(port), "thali router", "TCP"); err != nil {
		return fmt.Errorf("forward port %d: %w", port, err)
	}

	log.Infof("Forwarded %s:%d to router port %d", externalIP, port, port)
	return nil
}
