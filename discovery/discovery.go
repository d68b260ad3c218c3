// Package discovery finds peers on the local network and advertises this device to them.
package discovery

import (
	"context"
	"errors"
	"net/http"

	"thali/datamodel/peer"
)

var (
	ErrAlreadyStarted      = errors.New("Call Stop!")
	ErrBadRouter           = errors.New("Bad Router")
	ErrRadioInfrastructure = errors.New("Unspecified Error with Radio infrastructure")

	ErrNotStarted  = errors.New("discovery: service is not started")
	ErrBadInterval = errors.New("discovery: bad advertise interval")
	ErrBusy        = errors.New("discovery: another lifecycle operation is in progress")
)

// Listener is told about every peer that becomes available or goes away.
// It is called from network goroutines and must not block.
type Listener interface {
	PeerAvailabilityChanged(p *peer.Availability)
}

type ListenerFunc func(p *peer.Availability)

func (f ListenerFunc) PeerAvailabilityChanged(p *peer.Availability) {
	f(p)
}

// Service is a discovery mechanism over one radio.
//
// Start must precede every other call. The router passed to Start is hosted once
// StartUpdateAdvertisingAndListening succeeds and until Stop.
type Service interface {
	Start(ctx context.Context, router http.Handler) error
	Stop(ctx context.Context) error

	StartListeningForAdvertisements(ctx context.Context) error
	StopListeningForAdvertisements(ctx context.Context) error

	StartUpdateAdvertisingAndListening(ctx context.Context) error
	StopAdvertisingAndListening(ctx context.Context) error
}
