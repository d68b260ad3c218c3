// Package metrics holds the Prometheus collectors shared by discovery and the peer dictionary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SSDPMessagesTotal counts received SSDP messages by outcome (emitted, ignored, invalid)
	SSDPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thali_ssdp_messages_total",
			Help: "Total number of SSDP messages received, by outcome",
		},
		[]string{"result"},
	)

	// SSDPNotificationsSentTotal counts NOTIFY datagrams written to the multicast group
	SSDPNotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thali_ssdp_notifications_sent_total",
			Help: "Total number of SSDP NOTIFY messages sent",
		},
		[]string{"nts"},
	)

	USNRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "thali_discovery_usn_rotations_total",
			Help: "Number of times the advertised USN was regenerated",
		},
	)

	// PeerDictionaryEvictionsTotal counts entries evicted to restore the capacity bound
	PeerDictionaryEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thali_peer_dictionary_evictions_total",
			Help: "Total number of peer dictionary evictions, by evicted state",
		},
		[]string{"state"},
	)

	PeerDictionarySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "thali_peer_dictionary_size",
			Help: "Number of entries in the most recently mutated peer dictionary",
		},
	)

	// NotificationActionsTotal counts finished notification actions by resolution
	NotificationActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "thali_notification_actions_total",
			Help: "Total number of notification actions, by resolution",
		},
		[]string{"resolution"},
	)
)
