// Package wsbridge carries gateway batches over a websocket, so a document
// host can live in another process (a browser add-in page, typically).
package wsbridge

import (
	"time"

	"github.com/zotero/zotero-word-js-integration/internal/gateway"
)

// Frame types.
const (
	frameAttach   = "attach"
	frameExchange = "exchange"
	frameDetach   = "detach"
	frameResult   = "result"
)

// frame is one JSON message in either direction. Replies echo the request id.
type frame struct {
	ID      uint64             `json:"id"`
	Type    string             `json:"type"`
	Channel string             `json:"channel,omitempty"`
	Carried []gateway.ProxyID  `json:"carried,omitempty"`
	Ops     []gateway.Op       `json:"ops,omitempty"`
	Results []gateway.OpResult `json:"results,omitempty"`
	Error   string             `json:"error,omitempty"`
}

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 32 << 20
)
