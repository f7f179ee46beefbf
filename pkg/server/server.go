// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package server implements the beat relay:
// a WebSocket endpoint per channel, fanning each message out to every connection on that channel.
package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/n0ot/beatrelay/pkg/tempo"
	"github.com/sirupsen/logrus"
)

const defaultWriteTimeout = 10 * time.Second

// Config holds the externally configurable settings for a relay.
type Config struct {
	// Host is the address channel endpoints listen on. Leave empty to listen on all interfaces.
	Host string

	// Ports maps each served channel to its port.
	// Port 0 picks a free port.
	Ports map[model.Channel]int

	// Policies controls how each channel relays messages.
	// If nil, DefaultPolicies is used.
	Policies map[model.Channel]Policy

	// TimeBetweenPings specifies the amount of time that will elapse before clients will be sent a ping.
	// If 0, no pings will be sent.
	TimeBetweenPings time.Duration

	// PingsUntilTimeout specifies the number of pings to be sent before unresponsive clients will be kicked.
	// If TimeBetweenPings is 0, this field has no effect.
	PingsUntilTimeout int

	// WriteTimeout bounds how long a write to one client may take.
	WriteTimeout time.Duration

	// SendBuffer is the number of payloads queued per client before it is considered too slow.
	SendBuffer int

	// MaxMessageSize limits the size of received messages. 0 means no limit.
	MaxMessageSize int64

	// StatsAddr is the host:port of the stats endpoint. Leave empty to disable it.
	StatsAddr string

	// StatsPassword sets the password for retrieving stats.
	StatsPassword string

	// StatsPenalty is how long a request with the wrong stats password is held.
	StatsPenalty time.Duration
}

// Server contains state for a relay.
type Server struct {
	Config

	Log *logrus.Logger

	// registry stores the connections on each channel.
	registry *Registry
	relay    *Relay
	tempo    tempo.Deduplicator
	upgrader websocket.Upgrader
}

// New creates a relay serving every channel in config.Ports.
func New(config Config, log *logrus.Logger) *Server {
	if config.Policies == nil {
		config.Policies = DefaultPolicies()
	}

	channels := make([]model.Channel, 0, len(config.Ports))
	for _, ch := range model.Channels {
		if _, ok := config.Ports[ch]; ok {
			channels = append(channels, ch)
		}
	}

	srv := &Server{
		Config:   config,
		Log:      log,
		registry: NewRegistry(channels...),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Devices on the local network load the client from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	srv.relay = NewRelay(srv.registry, config.Policies, &srv.tempo, log)
	return srv
}

// Registry gets the registry of connections on each channel.
func (srv *Server) Registry() *Registry {
	return srv.registry
}

// Relay gets the relay, which can be used to publish messages from the server itself.
func (srv *Server) Relay() *Relay {
	return srv.relay
}

func (srv *Server) writeTimeout() time.Duration {
	if srv.WriteTimeout > 0 {
		return srv.WriteTimeout
	}
	return defaultWriteTimeout
}

// Handler gets an http.Handler that upgrades requests to WebSocket connections on a channel.
// Each connection is served by the request's goroutine until it disconnects.
func (srv *Server) Handler(ch model.Channel) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader has already replied with an error.
			srv.Log.WithFields(logrus.Fields{
				"channel": ch,
				"remote":  r.RemoteAddr,
				"error":   err,
			}).Info("Rejected connection")
			return
		}

		remoteAddr, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			remoteAddr = r.RemoteAddr
		}
		client := newClient(conn, ch, getHostFromAddrIfPossible(remoteAddr), srv)

		defer func() {
			if rec := recover(); rec != nil {
				srv.Log.WithFields(client.logFields()).Errorf("Panic while handling client: %v", rec)
				client.Stop("Handler error")
				srv.registry.Unregister(ch, client)
			}
		}()
		client.handle()
	})
}

// stopClients disconnects every client on every channel.
func (srv *Server) stopClients(reason string) {
	for _, ch := range srv.registry.Channels() {
		for _, member := range srv.registry.Snapshot(ch) {
			member.Stop(reason)
		}
	}
}

// getHostFromAddrIfPossible tries to get the reverse dns host for an address.
// If that isn't possible, it just returns the address.
func getHostFromAddrIfPossible(addr string) string {
	var hosts string
	names, err := net.LookupAddr(addr)
	if err == nil { // No need to report errors; just fallback to IP
		hosts = strings.Join(names, ", ")
	}

	if hosts == "" {
		return addr
	}

	return fmt.Sprintf("%s (%s)", hosts, addr)
}
