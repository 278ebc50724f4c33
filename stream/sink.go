package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sampleMessage is the wire shape of one delivered Sample.
type sampleMessage struct {
	DID  uint16 `json:"did"`
	Data []byte `json:"data"`
	Seq  uint64 `json:"seq"`
}

// Sink upgrades HTTP requests to websocket connections and pumps Sample
// values from a subscription channel to the connected client, one
// connection per subscription.
type Sink struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

// NewSink builds a Sink. writeTimeout bounds each outbound WriteJSON
// call so a stalled client can't block the delivery goroutine forever.
func NewSink(writeTimeout time.Duration) *Sink {
	return &Sink{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
	}
}

// Serve upgrades the request and streams every Sample received on ch to
// the client as a JSON text frame, until ch closes or the connection
// drops. It blocks until the connection ends, so callers run it in its
// own goroutine per subscriber.
func (s *Sink) Serve(w http.ResponseWriter, r *http.Request, ch <-chan Sample) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	var writeMu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case sample, ok := <-ch:
			if !ok {
				writeMu.Lock()
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription ended"))
				writeMu.Unlock()
				return nil
			}
			writeMu.Lock()
			if s.writeTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			msg := sampleMessage{DID: sample.DID, Data: sample.Data, Seq: sample.Seq}
			payload, err := json.Marshal(msg)
			if err != nil {
				writeMu.Unlock()
				continue
			}
			werr := conn.WriteMessage(websocket.TextMessage, payload)
			writeMu.Unlock()
			if werr != nil {
				return werr
			}
		}
	}
}
