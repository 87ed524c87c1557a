package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
	"github.com/zotero/zotero-word-js-integration/internal/gateway"
)

// ErrDisconnected is returned for requests outstanding when the socket drops.
var ErrDisconnected = errors.New("wsbridge: disconnected")

// Client is a gateway.Host on the far side of a websocket. Requests from
// several goroutines are multiplexed by id.
type Client struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	err     error
	done    chan struct{}
}

var _ gateway.Host = (*Client)(nil)

// Dial connects to a bridge handler at url.
func Dial(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, apperr.Transport(err, "wsbridge: dial %s", url)
	}
	ws.SetReadLimit(maxFrameSize)
	c := &Client{
		ws:      ws,
		logger:  logger,
		pending: make(map[uint64]chan frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn("wsbridge: bad frame", slog.String("error", err.Error()))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("wsbridge: reply to unknown request", slog.Uint64("id", f.ID))
			continue
		}
		ch <- f
	}
}

// fail ends every outstanding request. Later calls fail with a
// TransportError wrapping ErrDisconnected.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = apperr.Transport(fmt.Errorf("%w: %v", ErrDisconnected, err), "wsbridge: connection lost")
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, req frame) (frame, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return frame{}, err
	}
	c.nextID++
	req.ID = c.nextID
	ch := make(chan frame, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		c.forget(req.ID)
		return frame{}, fmt.Errorf("wsbridge: encode %s: %w", req.Type, err)
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return frame{}, apperr.Transport(err, "wsbridge: send %s", req.Type)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return frame{}, err
		}
		if resp.Error != "" {
			return frame{}, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return frame{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Attach opens a channel on the remote host.
func (c *Client) Attach(ctx context.Context, carried []gateway.ProxyID) (gateway.Channel, error) {
	resp, err := c.call(ctx, frame{Type: frameAttach, Carried: carried})
	if err != nil {
		return nil, err
	}
	return &remoteChannel{client: c, id: resp.Channel}, nil
}

// Close closes the socket and waits for the reader to stop.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

type remoteChannel struct {
	client *Client
	id     string
}

func (r *remoteChannel) ID() string { return r.id }

func (r *remoteChannel) Exchange(ctx context.Context, ops []gateway.Op) ([]gateway.OpResult, error) {
	resp, err := r.client.call(ctx, frame{Type: frameExchange, Channel: r.id, Ops: ops})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (r *remoteChannel) Detach(ctx context.Context) error {
	_, err := r.client.call(ctx, frame{Type: frameDetach, Channel: r.id})
	return err
}
