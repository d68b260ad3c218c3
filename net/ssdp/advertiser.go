package ssdp

import (
	"context"

	"thali/helper/timer"

	log "github.com/sirupsen/logrus"
)

// Advertiser periodically announces one USN and says goodbye when stopped.
type Advertiser struct {
	sender   Sender
	msg      Message
	interval timer.Interval

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAdvertiser takes ownership of sender. msg provides NT, USN, Location, Server and MaxAge.
func NewAdvertiser(sender Sender, msg Message, interval timer.Interval) *Advertiser {
	msg.Method = MethodNotify
	interval.Immediate = false
	return &Advertiser{
		sender:   sender,
		msg:      msg,
		interval: interval,
	}
}

func (a *Advertiser) USN() string {
	return a.msg.USN
}

// Start sends the first alive notification synchronously, then keeps re-announcing in the background.
func (a *Advertiser) Start(ctx context.Context) error {
	if err := a.interval.Validate(); err != nil {
		return err
	}

	a.notify(NTSAlive)

	cctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go func() {
		defer close(a.done)
		timer.RunWithTicker(cctx, &a.interval, a.notifyAlive)
	}()

	return nil
}

func (a *Advertiser) notifyAlive(ctx context.Context) error {
	a.notify(NTSAlive)
	return nil
}

func (a *Advertiser) notify(nts string) {
	m := a.msg
	m.NTS = nts
	if err := a.sender.Send(&m); err != nil {
		// Sending may fail while the radio is down, the next tick retries
		log.WithField("usn", m.USN).Warnf("ssdp: failed to send %s: %v", nts, err)
	}
}

// Stop ends the announcement loop, sends a byebye if Start succeeded and closes the sender.
func (a *Advertiser) Stop() error {
	if a.cancel != nil {
		a.cancel()
		<-a.done
		a.notify(NTSByebye)
	}

	return a.sender.Close()
}
