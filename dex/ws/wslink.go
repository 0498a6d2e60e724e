// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/msgjson"
)

// outBufferSize is the size of the WSLink's buffered channel for outgoing
// messages. A subscriber that falls this far behind is dropped.
const outBufferSize = 256

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	// The feed is public market data.
	CheckOrigin: func(*http.Request) bool { return true },
}

var log = dex.Disabled

// UseLogger sets the package logger.
func UseLogger(logger dex.Logger) {
	log = logger
}

// Error is just a basic error.
type Error string

// Error satisfies the error interface.
func (e Error) Error() string {
	return string(e)
}

const (
	// ErrPeerDisconnected is returned by Send on a disconnected link.
	ErrPeerDisconnected = Error("peer disconnected")
	// ErrSlowPeer is returned by Send when the outgoing queue is full.
	ErrSlowPeer = Error("outgoing queue full")
)

// Connection is a websocket connection to a remote peer. In practice, it is
// satisfied by *websocket.Conn. For testing, a stub can be used.
type Connection interface {
	Close() error

	SetReadDeadline(t time.Time) error
	ReadMessage() (int, []byte, error)

	SetWriteDeadline(t time.Time) error
	WriteMessage(int, []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// WSLink is one websocket subscriber. Requests from the peer go to the
// handler. The handler's result, if any, is sent back as the response.
type WSLink struct {
	addr       string
	conn       Connection
	on         atomic.Bool
	quit       context.CancelFunc
	stopped    chan struct{}
	outChan    chan []byte
	wg         sync.WaitGroup
	handler    func(*msgjson.Message) (any, *msgjson.Error)
	pingPeriod time.Duration
}

// NewWSLink is a constructor for a new WSLink.
func NewWSLink(addr string, conn Connection, pingPeriod time.Duration, handler func(*msgjson.Message) (any, *msgjson.Error)) *WSLink {
	return &WSLink{
		addr:       addr,
		conn:       conn,
		outChan:    make(chan []byte, outBufferSize),
		pingPeriod: pingPeriod,
		handler:    handler,
	}
}

// Send queues the message for the peer. A nil error only means the message
// was queued.
func (c *WSLink) Send(msg *msgjson.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(b)
}

// SendRaw queues an encoded message. Broadcasters encode once and use this.
func (c *WSLink) SendRaw(b []byte) error {
	if c.Off() {
		return ErrPeerDisconnected
	}
	select {
	case c.outChan <- b:
		return nil
	case <-c.stopped:
		return ErrPeerDisconnected
	default:
		return ErrSlowPeer
	}
}

// SendError sends the msgjson.Error to the peer.
func (c *WSLink) SendError(id uint64, rpcErr *msgjson.Error) {
	msg, err := msgjson.NewResponse(id, nil, rpcErr)
	if err != nil {
		log.Errorf("SendError: failed to create message: %v", err)
		return
	}
	if err = c.Send(msg); err != nil {
		log.Debugf("SendError: failed to send message to peer %s: %v", c.addr, err)
	}
}

// Connect begins processing input and output messages. The returned
// WaitGroup is done when the link has shut down.
func (c *WSLink) Connect(ctx context.Context) (*sync.WaitGroup, error) {
	if !c.on.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("attempted to start a running WSLink")
	}
	linkCtx, quit := context.WithCancel(ctx)
	c.quit = quit
	c.stopped = make(chan struct{})
	// The pong handler sets subsequent read deadlines.
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pingPeriod * 2)); err != nil {
		quit()
		return nil, fmt.Errorf("failed to set initial read deadline for %v: %w", c.addr, err)
	}

	log.Tracef("Starting websocket messaging with peer %s", c.addr)
	c.wg.Add(3)
	go c.inHandler(linkCtx)
	go c.outHandler(linkCtx)
	go c.pingHandler(linkCtx)
	return &c.wg, nil
}

func (c *WSLink) stop() bool {
	if !c.on.CompareAndSwap(true, false) {
		return false
	}
	close(c.stopped)
	c.quit()
	return true
}

// Disconnect begins shutdown of the WSLink. Queued messages are written
// before the connection closes.
func (c *WSLink) Disconnect() {
	if !c.stop() {
		log.Debugf("Disconnect attempted on stopped WSLink.")
	}
}

func (c *WSLink) inHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.stop()
	for ctx.Err() == nil {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debugf("Websocket receive error from peer %s: %v", c.addr, err)
			}
			return
		}
		msg, err := msgjson.DecodeMessage(b)
		if err != nil || msg == nil {
			c.SendError(1, msgjson.NewError(msgjson.RPCParseError, "failed to parse message"))
			continue
		}
		if msg.Type != msgjson.Request || msg.ID == 0 {
			c.SendError(1, msgjson.NewError(msgjson.RPCParseError, "expected a request with a non-zero id"))
			continue
		}
		res, rpcErr := c.handler(msg)
		if rpcErr != nil {
			c.SendError(msg.ID, rpcErr)
			continue
		}
		resp, err := msgjson.NewResponse(msg.ID, res, nil)
		if err != nil {
			log.Errorf("Error encoding %s response: %v", msg.Route, err)
			c.SendError(msg.ID, msgjson.NewError(msgjson.RPCInternal, "internal error"))
			continue
		}
		if err := c.Send(resp); err != nil {
			log.Debugf("Error sending %s response to %s: %v", msg.Route, c.addr, err)
		}
	}
}

func (c *WSLink) outHandler(ctx context.Context) {
	defer c.wg.Done()
	defer c.conn.Close()
	defer c.stop()

	write := func(b []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Debugf("Websocket write error to %s: %v", c.addr, err)
			return false
		}
		return true
	}

	for {
		select {
		case b := <-c.outChan:
			if !write(b) {
				return
			}
		case <-ctx.Done():
			// Flush what was queued before the stop.
			for {
				select {
				case b := <-c.outChan:
					if !write(b) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *WSLink) pingHandler(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			if err != nil {
				c.stop()
				log.Debugf("Ping error: %v", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Off will return true if the link has disconnected.
func (c *WSLink) Off() bool {
	return !c.on.Load()
}

// Addr is the peer address passed to the constructor.
func (c *WSLink) Addr() string {
	return c.addr
}

// NewConnection upgrades the http request to a websocket. The pong handler
// extends the read deadline by readTimeout.
func NewConnection(w http.ResponseWriter, r *http.Request, readTimeout time.Duration) (Connection, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		var hsErr websocket.HandshakeError
		if errors.As(err, &hsErr) {
			log.Debugf("Websocket handshake error from %s: %v", r.RemoteAddr, err)
		}
		return nil, err
	}
	reqAddr := r.RemoteAddr
	conn.SetPongHandler(func(string) error {
		log.Tracef("got pong from %v", reqAddr)
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return conn, nil
}
