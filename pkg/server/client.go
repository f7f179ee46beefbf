// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/n0ot/beatrelay/pkg/model"
	"github.com/sirupsen/logrus"
)

const defaultSendBuffSize = 16 // Buffer size of channel for sending data to clients

// Client represents a WebSocket connection on one channel of the relay.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte // Payloads queued here are written to the client
	id             string
	Channel        model.Channel
	RemoteHost     string
	ConnectedSince time.Time

	done          chan struct{} // Closed when client is stopped
	stopOnce      sync.Once
	stoppedReason string // Set before done is closed

	lastSeenLock sync.Mutex // Protects lastSeen
	lastSeen     time.Time

	srv *Server
}

func newClient(conn *websocket.Conn, ch model.Channel, remoteHost string, srv *Server) *Client {
	buffSize := srv.SendBuffer
	if buffSize <= 0 {
		buffSize = defaultSendBuffSize
	}
	now := time.Now()
	return &Client{
		conn:           conn,
		send:           make(chan []byte, buffSize),
		id:             uuid.NewString(),
		Channel:        ch,
		RemoteHost:     remoteHost,
		ConnectedSince: now,
		done:           make(chan struct{}),
		lastSeen:       now,
		srv:            srv,
	}
}

// ID gets the client's unique ID.
func (c *Client) ID() string {
	return c.id
}

// Send queues a payload to be written to the client.
// Send never blocks; if the client is stopped, or its queue is full, it returns false.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Stopped returns true if the client was stopped.
func (c *Client) Stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stop stops a client, which will disconnect it.
// Stop is idempotent; calling Stop more than once will have no effect.
func (c *Client) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.stoppedReason = reason
		close(c.done)
	})
}

// StoppedReason gets the reason the client was stopped, or "" if it is running.
func (c *Client) StoppedReason() string {
	if !c.Stopped() {
		return ""
	}
	return c.stoppedReason
}

// LastSeen gets the time a message or pong was last received from the client.
func (c *Client) LastSeen() time.Time {
	c.lastSeenLock.Lock()
	defer c.lastSeenLock.Unlock()
	return c.lastSeen
}

func (c *Client) touch() {
	c.lastSeenLock.Lock()
	c.lastSeen = time.Now()
	c.lastSeenLock.Unlock()
}

func (c *Client) String() string {
	return fmt.Sprintf("Client(%s/%s)", c.Channel, c.id)
}

func (c *Client) logFields() logrus.Fields {
	return logrus.Fields{
		"channel": c.Channel,
		"client":  c.id,
		"remote":  c.RemoteHost,
	}
}

// readTimeout is how long a client may stay silent before being dropped.
// Returns 0 if clients never time out.
func (c *Client) readTimeout() time.Duration {
	if c.srv.TimeBetweenPings <= 0 || c.srv.PingsUntilTimeout <= 0 {
		return 0
	}
	return c.srv.TimeBetweenPings * time.Duration(c.srv.PingsUntilTimeout)
}

func (c *Client) extendReadDeadline() {
	if timeout := c.readTimeout(); timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

// receive reads payloads from the client, and hands them to the relay.
// It returns when the client is stopped, or the connection fails.
func (c *Client) receive() {
	defer func() {
		if r := recover(); r != nil {
			c.srv.Log.WithFields(c.logFields()).Errorf("Panic while receiving: %v", r)
			c.Stop("Receive error")
		}
	}()

	if c.srv.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.srv.MaxMessageSize)
	}
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.extendReadDeadline()
		return nil
	})

	for !c.Stopped() {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if c.Stopped() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.Stop("Client disconnected")
				return
			}
			fields := c.logFields()
			fields["error"] = err
			c.srv.Log.WithFields(fields).Info("Error receiving from client")
			c.Stop("Receive error")
			return
		}

		c.touch()
		c.extendReadDeadline()
		c.srv.relay.Ingest(c.Channel, c, payload)
	}
}

// sendLoop writes queued payloads and pings to the client until it is stopped.
func (c *Client) sendLoop(finished chan<- struct{}) {
	defer close(finished)

	var pingsCH <-chan time.Time
	if c.srv.TimeBetweenPings > 0 {
		ticker := time.NewTicker(c.srv.TimeBetweenPings)
		defer ticker.Stop()
		pingsCH = ticker.C
	}

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout()))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				fields := c.logFields()
				fields["error"] = err
				c.srv.Log.WithFields(fields).Info("Error sending to client")
				c.Stop("Send error")
			}

		case <-pingsCH:
			c.conn.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Stop("Ping error")
			}

		case <-c.done:
			closeMSG := websocket.FormatCloseMessage(websocket.CloseGoingAway, c.stoppedReason)
			c.conn.WriteControl(websocket.CloseMessage, closeMSG, time.Now().Add(c.srv.writeTimeout()))
			// Unblocks receive if the client never answers the close.
			c.conn.Close()
			return
		}
	}
}

// handle serves the client until it disconnects or is stopped,
// then removes it from its channel.
func (c *Client) handle() {
	log := c.srv.Log
	if err := c.srv.registry.Register(c.Channel, c); err != nil {
		fields := c.logFields()
		fields["error"] = err
		log.WithFields(fields).Error("Cannot register client")
		c.Stop("Registration failed")
	}

	finished := make(chan struct{})
	go c.sendLoop(finished)
	log.WithFields(c.logFields()).Info("Client connected")

	c.receive()
	c.Stop("Receive finished")
	c.srv.registry.Unregister(c.Channel, c)
	<-finished

	fields := c.logFields()
	fields["reason"] = c.StoppedReason()
	fields["connected_for"] = time.Since(c.ConnectedSince).Round(time.Millisecond)
	log.WithFields(fields).Info("Client exited")
}
