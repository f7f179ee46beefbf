// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package announce advertises the relay's channel endpoints over mDNS/DNS-SD,
// and resolves them on the client side.
package announce

import (
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/zeroconf/v2"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Defaults for announced records.
const (
	DefaultName    = "music"
	DefaultService = "_http._tcp"
	DefaultDomain  = "local."
)

type shutdowner interface {
	Shutdown()
}

// registerFunc publishes one record. If host is empty, the machine's own hostname is announced.
type registerFunc func(instance, service, domain string, port int, host string, ips, text []string) (shutdowner, error)

// Announcer advertises one record per channel, named <Name>-<channel>,
// all pointing at the host alias <Host>.<Domain>.
type Announcer struct {
	Name    string
	Service string
	Domain  string
	// Host is the announced host alias. Defaults to Name.
	Host string

	Log *logrus.Logger

	register registerFunc
	lock     sync.Mutex // Protects servers
	servers  []shutdowner
}

// New creates an announcer using the default service and domain.
func New(name string, log *logrus.Logger) *Announcer {
	return &Announcer{
		Name:     name,
		Service:  DefaultService,
		Domain:   DefaultDomain,
		Host:     name,
		Log:      log,
		register: zeroconfRegister,
	}
}

func zeroconfRegister(instance, service, domain string, port int, host string, ips, text []string) (shutdowner, error) {
	var (
		server *zeroconf.Server
		err    error
	)
	if host == "" || len(ips) == 0 {
		server, err = zeroconf.Register(instance, service, domain, port, text, nil)
	} else {
		server, err = zeroconf.RegisterProxy(instance, service, domain, port, host, ips, text, nil)
	}
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Instance gets the instance name a channel is announced under.
func Instance(name string, ch model.Channel) string {
	return fmt.Sprintf("%s-%s", name, ch)
}

// Start announces each channel in ports.
// Channels that can't be announced are logged as warnings and skipped;
// the first failure is returned, but announced channels stay announced.
// Callers should treat an error as a warning: the relay is still reachable on its ports.
func (a *Announcer) Start(ports map[model.Channel]int) error {
	ips, err := localIPs()
	if err != nil {
		a.Log.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Cannot list local addresses; announcing the machine's own hostname")
	}
	host := a.Host
	if host == "" {
		host = a.Name
	}

	var firstErr error
	for _, ch := range model.Channels {
		port, ok := ports[ch]
		if !ok {
			continue
		}
		instance := Instance(a.Name, ch)
		text := []string{"channel=" + string(ch), "path=" + ch.Path()}
		fields := logrus.Fields{
			"instance": instance,
			"service":  a.Service,
			"host":     host,
			"port":     port,
		}

		server, err := a.register(instance, a.Service, a.Domain, port, host, ips, text)
		if err != nil {
			fields["error"] = err
			a.Log.WithFields(fields).Warn("Cannot announce channel; clients must use its address directly")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "Announce %s", instance)
			}
			continue
		}

		a.lock.Lock()
		a.servers = append(a.servers, server)
		a.lock.Unlock()
		a.Log.WithFields(fields).Info("Announced channel")
	}
	return firstErr
}

// Shutdown withdraws every announced record.
func (a *Announcer) Shutdown() {
	a.lock.Lock()
	servers := a.servers
	a.servers = nil
	a.lock.Unlock()

	for _, server := range servers {
		server.Shutdown()
	}
}

// localIPs gets the addresses other machines may reach this one on.
func localIPs() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, errors.Wrap(err, "List interface addresses")
	}

	var ips []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		ips = append(ips, ip.String())
	}
	return ips, nil
}
