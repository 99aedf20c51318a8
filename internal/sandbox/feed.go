package sandbox

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// FeedEvent is pushed to /sandbox/feed subscribers after every mutation.
type FeedEvent struct {
	Type string  `json:"type"`
	ID   string  `json:"id"`
	Name string  `json:"name,omitempty"`
	Pos  float64 `json:"pos,omitempty"`
}

type feed struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func newFeed() *feed {
	return &feed{clients: map[*websocket.Conn]struct{}{}}
}

func (f *feed) serve(w http.ResponseWriter, r *http.Request, logger logrus.FieldLogger) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.WithError(err).Warn("sandbox feed accept failed")
		return
	}
	f.mu.Lock()
	f.clients[conn] = struct{}{}
	f.mu.Unlock()

	// Subscribers never send; CloseRead keeps control frames flowing and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	f.remove(conn)
}

func (f *feed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	_, ok := f.clients[conn]
	delete(f.clients, conn)
	f.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (f *feed) subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *feed) publish(event FeedEvent) {
	f.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for conn := range f.clients {
		conns = append(conns, conn)
	}
	f.mu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := wsjson.Write(ctx, conn, event)
		cancel()
		if err != nil {
			f.remove(conn)
		}
	}
}
