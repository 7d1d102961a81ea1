package common

import (
	"crypto/tls"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"golang.org/x/net/context"

	"github.com/petrelbrowser/petrel/log"
)

const wsWriteBufferSize = 1 << 20

// Connection owns the websocket to one browser process. It serializes
// outgoing commands one frame at a time, assigns sequential call IDs at
// submission, and decodes every inbound frame into a *cdproto.Message:
// a frame carrying an id is a response, a frame carrying a method is an
// event. The Handler is the only consumer of the recv and error channels;
// call IDs are only ever requested from the handler goroutine.
type Connection struct {
	ctx          context.Context
	wsURL        string
	logger       *log.Logger
	conn         *websocket.Conn
	sendCh       chan *cdproto.Message
	recvCh       chan *cdproto.Message
	errorCh      chan error
	done         chan struct{}
	shutdownOnce sync.Once
	callID       int64

	// Reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// NewConnection dials the browser's debugging websocket and starts the
// read and write loops.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	var header http.Header
	var tlsConfig *tls.Config
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  tlsConfig,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", wsURL, err)
	}

	c := Connection{
		ctx:     ctx,
		wsURL:   wsURL,
		logger:  logger,
		conn:    conn,
		sendCh:  make(chan *cdproto.Message, 32), // Avoid blocking the handler loop
		recvCh:  make(chan *cdproto.Message),
		errorCh: make(chan error, 1),
		done:    make(chan struct{}),
	}

	go c.recvLoop()
	go c.sendLoop()

	return &c, nil
}

// nextCallID returns the next sequential call ID, wrapping back to 1 at the
// int64 ceiling. The handler skips IDs that are still pending after a wrap.
func (c *Connection) nextCallID() int64 {
	if c.callID == math.MaxInt64 {
		c.callID = 0
	}
	c.callID++
	return c.callID
}

// submitCommand queues one outgoing command frame. The frame is written to
// the wire by the send loop, one frame at a time in submission order.
func (c *Connection) submitCommand(id int64, method string, sessionID target.SessionID, params easyjson.RawMessage) error {
	msg := &cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    params,
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	}
}

// recv returns the channel inbound frames are delivered on.
func (c *Connection) recv() <-chan *cdproto.Message { return c.recvCh }

// errors returns the channel terminal stream errors are delivered on.
func (c *Connection) errors() <-chan error { return c.errorCh }

// closed is closed once the connection has shut down.
func (c *Connection) closed() <-chan struct{} { return c.done }

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Debugf("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			// A frame we cannot decode means we can no longer trust the
			// stream's correlation; treat it as terminal.
			c.reportError(fmt.Errorf("decoding %q: %w", buf, err))
			return
		}
		if msg.ID == 0 && msg.Method == "" {
			c.reportError(fmt.Errorf("malformed frame, missing id and method: %s", buf))
			return
		}

		select {
		case c.recvCh <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				c.reportError(err)
				return
			}

			buf, _ := c.encoder.BuildBytes()
			c.logger.Debugf("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) reportError(err error) {
	select {
	case c.errorCh <- err:
	case <-c.done:
	}
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.reportError(err)
	}
	code := websocket.CloseGoingAway
	if e, ok := err.(*websocket.CloseError); ok {
		code = e.Code
	}
	_ = c.closeConnection(code)
}

// closeConnection cleanly closes the websocket connection.
// Returns an error if sending the close control frame fails.
func (c *Connection) closeConnection(code int) error {
	var err error

	c.shutdownOnce.Do(func() {
		defer func() {
			_ = c.conn.Close()

			// Stop the read and send loops
			close(c.done)
		}()

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)
	})

	return err
}

// Close performs a websocket close handshake and shuts the connection down.
func (c *Connection) Close(code ...int) {
	crtCode := websocket.CloseGoingAway
	if len(code) > 0 {
		crtCode = code[0]
	}
	_ = c.closeConnection(crtCode)
}
