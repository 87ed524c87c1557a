package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zotero/zotero-word-js-integration/internal/gateway"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves host to bridge clients. Each socket gets its own set of
// channels; channels left open when the socket drops are detached.
func Handler(host gateway.Host, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("wsbridge: upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer ws.Close()
		ws.SetReadLimit(maxFrameSize)

		s := &serverConn{host: host, ws: ws, logger: logger, channels: make(map[string]gateway.Channel)}
		defer s.detachAll()
		s.serve(r.Context())
	})
}

type serverConn struct {
	host     gateway.Host
	ws       *websocket.Conn
	logger   *slog.Logger
	channels map[string]gateway.Channel
}

func (s *serverConn) serve(ctx context.Context) {
	for {
		_, message, err := s.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("wsbridge: read ended", slog.String("error", err.Error()))
			}
			return
		}
		var req frame
		if err := json.Unmarshal(message, &req); err != nil {
			s.logger.Warn("wsbridge: bad frame", slog.String("error", err.Error()))
			continue
		}
		resp := s.handle(ctx, req)
		resp.ID, resp.Type = req.ID, frameResult
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("wsbridge: encode reply", slog.String("error", err.Error()))
			return
		}
		_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("wsbridge: write failed", slog.String("error", err.Error()))
			return
		}
	}
}

func (s *serverConn) handle(ctx context.Context, req frame) frame {
	switch req.Type {
	case frameAttach:
		ch, err := s.host.Attach(ctx, req.Carried)
		if err != nil {
			return frame{Error: err.Error()}
		}
		s.channels[ch.ID()] = ch
		return frame{Channel: ch.ID()}
	case frameExchange:
		ch, ok := s.channels[req.Channel]
		if !ok {
			return frame{Error: "unknown channel " + req.Channel}
		}
		results, err := ch.Exchange(ctx, req.Ops)
		if err != nil {
			return frame{Error: err.Error()}
		}
		return frame{Results: results}
	case frameDetach:
		ch, ok := s.channels[req.Channel]
		if !ok {
			return frame{Error: "unknown channel " + req.Channel}
		}
		delete(s.channels, req.Channel)
		if err := ch.Detach(ctx); err != nil {
			return frame{Error: err.Error()}
		}
		return frame{}
	}
	return frame{Error: "unknown frame type " + req.Type}
}

func (s *serverConn) detachAll() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for id, ch := range s.channels {
		if err := ch.Detach(ctx); err != nil {
			s.logger.Warn("wsbridge: detach on close", slog.String("channel", id), slog.String("error", err.Error()))
		}
	}
}
