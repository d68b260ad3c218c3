package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"thali/config"
	"thali/datamodel/peer"

	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a new config file with a fresh device key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunInit(cmd.Context(), config.NewEmptyConfig(configFile), initForce)
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func RunInit(ctx context.Context, cfg *config.Config, force bool) error {
	if _, err := os.Stat(cfg.File()); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", cfg.File())
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	key, err := config.GeneratePrivKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	cfg.Node.PrivateKey = key

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	log.Infof("Initialized %s, device key %s", cfg.File(), peer.KeyID(&key.KeyPair().Public))
	return nil
}
