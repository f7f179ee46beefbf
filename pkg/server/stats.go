// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/sirupsen/logrus"
)

const defaultStatsPenalty = 5 * time.Second

// Stats contains summary information about a running relay.
type Stats struct {
	Uptime           time.Duration         `json:"uptime"`
	Clients          map[model.Channel]int `json:"clients"`
	NumClients       int                   `json:"num_clients"`
	MaxClients       int                   `json:"max_clients"`
	MaxClientsTime   time.Time             `json:"max_clients_at"`
	Received         uint64                `json:"received"`
	Delivered        uint64                `json:"delivered"`
	FailedDeliveries uint64                `json:"failed_deliveries"`
	Dropped          uint64                `json:"dropped"`
	TempoForwarded   uint64                `json:"tempo_forwarded"`
	TempoSuppressed  uint64                `json:"tempo_suppressed"`
	LastBPM          int                   `json:"last_bpm,omitempty"`
}

// Stats gets stats for this relay.
func (srv *Server) Stats() Stats {
	reg := srv.registry.stats()
	rel := srv.relay.stats()
	return Stats{
		Uptime:           reg.uptime,
		Clients:          reg.clients,
		NumClients:       reg.numClients,
		MaxClients:       reg.maxClients,
		MaxClientsTime:   reg.maxClientsTime,
		Received:         rel.received,
		Delivered:        rel.delivered,
		FailedDeliveries: rel.failed,
		Dropped:          rel.dropped,
		TempoForwarded:   rel.tempoForwarded,
		TempoSuppressed:  rel.tempoSuppressed,
		LastBPM:          rel.lastBPM,
	}
}

// StatsHandler serves stats to requests carrying the stats password.
func (srv *Server) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeResponse(w, http.StatusMethodNotAllowed, ErrorResponse{Type: "error", Error: "method not allowed"})
			return
		}

		var req StatRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeResponse(w, http.StatusBadRequest, ErrorResponse{Type: "error", Error: "malformed request"})
			return
		}

		fields := logrus.Fields{"remote": r.RemoteAddr}
		if req.Password == "" {
			srv.Log.WithFields(fields).Info("Stats requested without a password")
			writeResponse(w, http.StatusUnauthorized, ErrorResponse{Type: "error", Error: "no password"})
			return
		}
		if srv.StatsPassword == "" || srv.StatsPassword != req.Password {
			srv.Log.WithFields(fields).Warn("Stats requested with the wrong password")
			penalty := srv.StatsPenalty
			if penalty == 0 {
				penalty = defaultStatsPenalty
			}
			time.Sleep(penalty) // Prevent brute forcing
			writeResponse(w, http.StatusForbidden, ErrorResponse{Type: "error", Error: "wrong password"})
			return
		}

		writeResponse(w, http.StatusOK, StatsResponse{Type: "stats", Stats: srv.Stats()})
	})
}

func writeResponse(w http.ResponseWriter, status int, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
