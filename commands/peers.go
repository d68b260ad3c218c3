package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"thali/config"
	"thali/datamodel/peer"
	"thali/discovery"
	"thali/net/ssdp"

	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"
)

var peersDuration time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Listen for advertisements and print discovered peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		transport, err := cfg.Transport()
		if err != nil {
			return err
		}
		return RunPeers(cmd.Context(), cfg, transport, peersDuration, os.Stdout)
	},
}

func init() {
	peersCmd.Flags().DurationVar(&peersDuration, "duration", 30*time.Second, "How long to listen")
}

// RunPeers listens without advertising and writes one line per availability change to out.
func RunPeers(ctx context.Context, cfg *config.Config, transport ssdp.Transport, duration time.Duration, out io.Writer) error {
	var mu sync.Mutex
	listener := discovery.ListenerFunc(func(p *peer.Availability) {
		mu.Lock()
		defer mu.Unlock()
		if p.Available {
			fmt.Fprintf(out, "+ %s %s:%d\n", p.PeerIdentifier, p.HostAddress, p.PortNumber)
		} else {
			fmt.Fprintf(out, "- %s\n", p.PeerIdentifier)
		}
	})

	svc := discovery.NewWifiService(cfg.DiscoveryConfig(), transport, listener)
	if err := svc.Start(ctx, nil); err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(context.Background()); err != nil {
			log.Errorf("Failed to stop discovery: %v", err)
		}
	}()

	if err := svc.StartListeningForAdvertisements(ctx); err != nil {
		return err
	}

	log.Infof("Listening for peers for %v", duration)

	cctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	<-cctx.Done()

	return nil
}
