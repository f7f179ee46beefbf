// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Listeners holds the listeners a relay serves on.
type Listeners struct {
	Channels map[model.Channel]net.Listener
	// Stats is nil if the stats endpoint is disabled.
	Stats net.Listener
}

// Ports gets the port each channel is listening on.
func (ls Listeners) Ports() map[model.Channel]int {
	ports := make(map[model.Channel]int, len(ls.Channels))
	for ch, l := range ls.Channels {
		if addr, ok := l.Addr().(*net.TCPAddr); ok {
			ports[ch] = addr.Port
		}
	}
	return ports
}

// Close closes every listener.
func (ls Listeners) Close() {
	for _, l := range ls.Channels {
		l.Close()
	}
	if ls.Stats != nil {
		ls.Stats.Close()
	}
}

// Listen opens a listener for each channel, and for the stats endpoint if enabled.
// If any listener can't be opened, those already opened are closed.
func (srv *Server) Listen() (Listeners, error) {
	ls := Listeners{Channels: make(map[model.Channel]net.Listener)}
	for _, ch := range srv.registry.Channels() {
		addr := net.JoinHostPort(srv.Host, strconv.Itoa(srv.Ports[ch]))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			ls.Close()
			return Listeners{}, errors.Wrapf(err, "Listen on %s for /%s", addr, ch)
		}
		ls.Channels[ch] = l
	}

	if srv.StatsAddr != "" {
		l, err := net.Listen("tcp", srv.StatsAddr)
		if err != nil {
			ls.Close()
			return Listeners{}, errors.Wrapf(err, "Listen on %s for stats", srv.StatsAddr)
		}
		ls.Stats = l
	}
	return ls, nil
}

// Serve serves the relay on ls until ctx is done, or a listener fails.
// When Serve returns, the listeners are closed and every client has been told to disconnect.
func (srv *Server) Serve(ctx context.Context, ls Listeners) error {
	srv.Log.WithFields(logrus.Fields{
		"time_between_pings":  srv.TimeBetweenPings,
		"pings_until_timeout": srv.PingsUntilTimeout,
		"write_timeout":       srv.writeTimeout(),
	}).Info("Server started")

	g, gctx := errgroup.WithContext(ctx)
	var httpServers []*http.Server

	serve := func(l net.Listener, handler http.Handler, fields logrus.Fields) {
		hs := &http.Server{Handler: handler}
		httpServers = append(httpServers, hs)
		fields["addr"] = l.Addr().String()
		srv.Log.WithFields(fields).Info("Listening for incoming connections")
		g.Go(func() error {
			if err := hs.Serve(l); err != nil && err != http.ErrServerClosed {
				return errors.Wrapf(err, "Serve %s", l.Addr())
			}
			return nil
		})
	}

	for _, ch := range srv.registry.Channels() {
		l, ok := ls.Channels[ch]
		if !ok {
			continue
		}
		mux := http.NewServeMux()
		mux.Handle(ch.Path(), srv.Handler(ch))
		serve(l, mux, logrus.Fields{"channel": ch, "path": ch.Path()})
	}
	if ls.Stats != nil {
		mux := http.NewServeMux()
		mux.Handle("/stats", srv.StatsHandler())
		serve(ls.Stats, mux, logrus.Fields{"path": "/stats"})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, hs := range httpServers {
			hs.Shutdown(shutdownCtx)
		}
		srv.stopClients("Server shutting down")
		return nil
	})

	err := g.Wait()
	srv.Log.Info("Server stopped")
	return err
}

// ListenAndServe listens on every channel's port, and serves the relay until ctx is done.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	ls, err := srv.Listen()
	if err != nil {
		return err
	}
	return srv.Serve(ctx, ls)
}
