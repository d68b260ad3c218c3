package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"thali/commands"

	log "github.com/sirupsen/logrus"
)

// main is the entry point of the application.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.Execute(ctx); err != nil {
		log.Fatal(err)
	}
}
