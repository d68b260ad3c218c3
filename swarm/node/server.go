package node

import (
	"net/http"

	"thali/notification"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/sirupsen/logrus"
)

type Server struct {
	node *Node
}

// Router is the handler hosted by the discovery service.
func (n *Node) Router() http.Handler {
	s := &Server{node: n}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+notification.BeaconPath, s.Beacons)
	mux.HandleFunc("GET /peers", s.PeerList)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// HTTP: own notification beacon
func (s *Server) Beacons(w http.ResponseWriter, r *http.Request) {
	log.Debugf("Server.Beacons from %s", r.RemoteAddr)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(s.node.Keys.Public[:])
}

// HTTP: CBOR snapshot of the peer dictionary
func (s *Server) PeerList(w http.ResponseWriter, r *http.Request) {
	b, err := cbor.Marshal(s.node.Dictionary.Snapshot())
	if err != nil {
		log.Errorf("Server.PeerList: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.Write(b)
}
