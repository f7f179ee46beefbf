// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package announce

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/sirupsen/logrus"
)

const defaultResolveTimeout = 3 * time.Second

type lookupFunc func(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

func zeroconfLookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return zeroconf.Lookup(ctx, instance, service, domain, entries)
}

// Resolver finds the endpoints of announced channels.
type Resolver struct {
	Name    string
	Service string
	Domain  string
	Timeout time.Duration

	Log *logrus.Logger

	lookup lookupFunc
}

// NewResolver creates a resolver using the default service and domain.
func NewResolver(name string, log *logrus.Logger) *Resolver {
	return &Resolver{
		Name:    name,
		Service: DefaultService,
		Domain:  DefaultDomain,
		Timeout: defaultResolveTimeout,
		Log:     log,
		lookup:  zeroconfLookup,
	}
}

// Fallback gets the address a channel is reachable on when it can't be resolved:
// the host alias on the channel's default port.
func Fallback(name string, ch model.Channel) string {
	return net.JoinHostPort(name+".local", strconv.Itoa(model.DefaultPorts[ch]))
}

// Resolve gets the host:port of each channel.
// Channels whose records aren't found within the timeout get their Fallback address.
func (r *Resolver) Resolve(ctx context.Context, channels ...model.Channel) map[model.Channel]string {
	var (
		lock  sync.Mutex
		wg    sync.WaitGroup
		addrs = make(map[model.Channel]string, len(channels))
	)
	for _, ch := range channels {
		wg.Add(1)
		go func(ch model.Channel) {
			defer wg.Done()
			addr, ok := r.resolveOne(ctx, ch)
			fields := logrus.Fields{
				"channel":  ch,
				"instance": Instance(r.Name, ch),
			}
			if !ok {
				addr = Fallback(r.Name, ch)
				fields["addr"] = addr
				r.Log.WithFields(fields).Warn("Channel not found on the network; using fallback address")
			} else {
				fields["addr"] = addr
				r.Log.WithFields(fields).Debug("Resolved channel")
			}
			lock.Lock()
			addrs[ch] = addr
			lock.Unlock()
		}(ch)
	}
	wg.Wait()
	return addrs
}

func (r *Resolver) resolveOne(ctx context.Context, ch model.Channel) (string, bool) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	instance := Instance(r.Name, ch)
	entries := make(chan *zeroconf.ServiceEntry, 4)
	go func() {
		if err := r.lookup(ctx, instance, r.Service, r.Domain, entries); err != nil && ctx.Err() == nil {
			r.Log.WithFields(logrus.Fields{
				"instance": instance,
				"error":    err,
			}).Warn("Lookup failed")
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", false
			}
			if addr := entryAddr(entry); addr != "" {
				return addr, true
			}
		case <-ctx.Done():
			return "", false
		}
	}
}

// entryAddr gets the host:port of an entry, preferring IPv4.
func entryAddr(entry *zeroconf.ServiceEntry) string {
	if entry == nil || entry.Port == 0 {
		return ""
	}
	port := strconv.Itoa(entry.Port)
	switch {
	case len(entry.AddrIPv4) > 0:
		return net.JoinHostPort(entry.AddrIPv4[0].String(), port)
	case len(entry.AddrIPv6) > 0:
		return net.JoinHostPort(entry.AddrIPv6[0].String(), port)
	case entry.HostName != "":
		return net.JoinHostPort(strings.TrimSuffix(entry.HostName, "."), port)
	}
	return ""
}
