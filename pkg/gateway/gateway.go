// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package gateway connects a device or score player to the relay's channels.
package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/n0ot/beatrelay/pkg/tempo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRetryMin     = 250 * time.Millisecond
	defaultRetryMax     = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// ErrNotOpen is returned when sending on a channel with no open connection.
var ErrNotOpen = errors.New("Connection not open")

// ErrClosed is returned by Open after Close.
var ErrClosed = errors.New("Gateway closed")

// Handler receives what the relay sends.
// Nil fields are ignored.
type Handler struct {
	Beat  func(ch model.Channel, beat model.BeatEvent)
	Tempo func(ch model.Channel, tempo model.TempoAnnouncement)
	Notes func(ch model.Channel, frame model.NoteFrame)
	// ConnectionLost is called once when an open connection fails.
	// Connections are not reopened.
	ConnectionLost func(ch model.Channel, err error)
}

// conn is an open connection to one channel.
type conn struct {
	ws        *websocket.Conn
	writeLock sync.Mutex // Only one writer is allowed at a time
	lostOnce  sync.Once
}

// Gateway holds one WebSocket connection per relay channel.
type Gateway struct {
	// Endpoints maps channels to host:port, or to a full ws:// URL.
	Endpoints map[model.Channel]string
	// TempoChannel carries tempo announcements; defaults to model.Beat.
	TempoChannel model.Channel
	Dialer       *websocket.Dialer
	RetryMin     time.Duration
	RetryMax     time.Duration
	WriteTimeout time.Duration
	Log          *logrus.Logger

	handler Handler
	tempo   tempo.Deduplicator

	tempoLock sync.Mutex // Serializes tempo announcements and pending flushes
	lock      sync.Mutex // Protects everything below
	conns     map[model.Channel]*conn
	pending   int // Tempo to announce once TempoChannel opens, or 0
	opened    bool
	closed    bool
	cancel    context.CancelFunc
	group     errgroup.Group
}

// New creates a gateway to the given endpoints.
func New(endpoints map[model.Channel]string, handler Handler, log *logrus.Logger) *Gateway {
	return &Gateway{
		Endpoints:    endpoints,
		TempoChannel: model.Beat,
		Dialer:       websocket.DefaultDialer,
		RetryMin:     defaultRetryMin,
		RetryMax:     defaultRetryMax,
		WriteTimeout: defaultWriteTimeout,
		Log:          log,
		handler:      handler,
		conns:        make(map[model.Channel]*conn),
	}
}

// URL gets the WebSocket URL of a channel's endpoint.
func (g *Gateway) URL(ch model.Channel) string {
	endpoint := g.Endpoints[ch]
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "ws://" + endpoint + ch.Path()
}

// Open starts connecting to every endpoint in the background.
// Each dial is retried with backoff until it succeeds, ctx is done, or the gateway is closed.
// Open returns immediately.
func (g *Gateway) Open(ctx context.Context) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.closed {
		return ErrClosed
	}
	if g.opened {
		return nil
	}
	g.opened = true

	ctx, g.cancel = context.WithCancel(ctx)
	for ch := range g.Endpoints {
		ch := ch
		g.group.Go(func() error {
			g.run(ctx, ch)
			return nil
		})
	}
	return nil
}

// IsOpen returns true if the channel's connection is open.
func (g *Gateway) IsOpen(ch model.Channel) bool {
	return g.conn(ch) != nil
}

// SendBeat sends a beat on the beat channel.
func (g *Gateway) SendBeat(beat model.BeatEvent) error {
	return g.send(model.Beat, beat)
}

// SendNotes sends a note frame on the note channel.
func (g *Gateway) SendNotes(frame model.NoteFrame) error {
	return g.send(model.Note, frame)
}

// AnnounceTempo announces a tempo on the tempo channel, unless it was the last tempo announced.
// If the tempo channel isn't open yet, bpm replaces any pending announcement,
// and is sent when the channel opens.
func (g *Gateway) AnnounceTempo(bpm int) error {
	g.tempoLock.Lock()
	defer g.tempoLock.Unlock()

	g.lock.Lock()
	c := g.conns[g.TempoChannel]
	if c == nil {
		g.pending = bpm
		g.lock.Unlock()
		return nil
	}
	g.lock.Unlock()

	return g.offerTempo(c, bpm)
}

// Close closes every connection and stops dialing.
func (g *Gateway) Close() error {
	g.lock.Lock()
	if g.closed {
		g.lock.Unlock()
		return nil
	}
	g.closed = true
	if g.cancel != nil {
		g.cancel()
	}
	conns := g.conns
	g.conns = make(map[model.Channel]*conn)
	g.lock.Unlock()

	for _, c := range conns {
		closeMSG := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, closeMSG, time.Now().Add(time.Second))
		c.ws.Close()
	}
	return g.group.Wait()
}

func (g *Gateway) conn(ch model.Channel) *conn {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.conns[ch]
}

func (g *Gateway) send(ch model.Channel, msg model.Message) error {
	c := g.conn(ch)
	if c == nil {
		return errors.Wrapf(ErrNotOpen, "Send %s", msg.Kind())
	}
	return g.write(c, msg)
}

func (g *Gateway) write(c *conn, msg model.Message) error {
	payload, err := model.Encode(msg)
	if err != nil {
		return err
	}
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(g.WriteTimeout))
	return errors.Wrapf(c.ws.WriteMessage(websocket.TextMessage, payload), "Send %s", msg.Kind())
}

func (g *Gateway) offerTempo(c *conn, bpm int) error {
	_, err := g.tempo.Offer(bpm, func() error {
		return g.write(c, model.TempoAnnouncement{BPM: bpm})
	})
	return err
}

// run dials a channel, then reads from it until the connection fails or the gateway is closed.
func (g *Gateway) run(ctx context.Context, ch model.Channel) {
	ws, err := g.dial(ctx, ch)
	if err != nil {
		return
	}
	c := &conn{ws: ws}

	g.tempoLock.Lock()
	g.lock.Lock()
	if g.closed {
		g.lock.Unlock()
		g.tempoLock.Unlock()
		ws.Close()
		return
	}
	g.conns[ch] = c
	pending := 0
	if ch == g.TempoChannel {
		pending, g.pending = g.pending, 0
	}
	g.lock.Unlock()
	if pending > 0 {
		if err := g.offerTempo(c, pending); err != nil {
			g.Log.WithFields(logrus.Fields{
				"channel": ch,
				"bpm":     pending,
				"error":   err,
			}).Warn("Cannot send pending tempo")
		}
	}
	g.tempoLock.Unlock()

	g.Log.WithFields(logrus.Fields{
		"channel": ch,
		"url":     g.URL(ch),
	}).Info("Connected")
	g.receive(ch, c)
}

// dial connects to a channel, retrying with exponential backoff.
func (g *Gateway) dial(ctx context.Context, ch model.Channel) (*websocket.Conn, error) {
	url := g.URL(ch)
	backoff := g.RetryMin
	if backoff <= 0 {
		backoff = defaultRetryMin
	}
	for {
		ws, _, err := g.Dialer.DialContext(ctx, url, nil)
		if err == nil {
			return ws, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.Log.WithFields(logrus.Fields{
			"channel": ch,
			"url":     url,
			"retry":   backoff,
			"error":   err,
		}).Debug("Cannot connect")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if g.RetryMax > 0 && backoff > g.RetryMax {
			backoff = g.RetryMax
		}
	}
}

// receive dispatches messages from a connection until it fails.
func (g *Gateway) receive(ch model.Channel, c *conn) {
	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			g.lost(ch, c, err)
			return
		}

		msg, err := model.Decode(payload)
		if err != nil {
			g.Log.WithFields(logrus.Fields{
				"channel": ch,
				"error":   err,
			}).Debug("Ignoring message")
			continue
		}
		g.dispatch(ch, msg)
	}
}

func (g *Gateway) dispatch(ch model.Channel, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			g.Log.WithFields(logrus.Fields{
				"channel": ch,
				"kind":    msg.Kind(),
			}).Errorf("Panic in handler: %v", r)
		}
	}()

	switch msg := msg.(type) {
	case model.BeatEvent:
		if g.handler.Beat != nil {
			g.handler.Beat(ch, msg)
		}
	case model.TempoAnnouncement:
		if g.handler.Tempo != nil {
			g.handler.Tempo(ch, msg)
		}
	case model.NoteFrame:
		if g.handler.Notes != nil {
			g.handler.Notes(ch, msg)
		}
	}
}

// lost forgets a failed connection, and notifies the handler unless the gateway was closed.
func (g *Gateway) lost(ch model.Channel, c *conn, err error) {
	g.lock.Lock()
	closed := g.closed
	if g.conns[ch] == c {
		delete(g.conns, ch)
	}
	g.lock.Unlock()
	c.ws.Close()
	if closed {
		return
	}

	c.lostOnce.Do(func() {
		g.Log.WithFields(logrus.Fields{
			"channel": ch,
			"error":   err,
		}).Warn("Connection lost")
		if g.handler.ConnectionLost != nil {
			g.handler.ConnectionLost(ch, err)
		}
	})
}
