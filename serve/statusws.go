package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the client.
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second
)

// StatusUpdater pushes the relay's output sequence numbers to websocket
// clients, so a frontend can show that frames are flowing without polling.
type StatusUpdater struct {
	upgrader websocket.Upgrader
	cs       map[chan uint64]bool
	addc     chan chan uint64
	delc     chan chan uint64
	notify   chan uint64
}

func NewStatusUpdater() *StatusUpdater {
	u := &StatusUpdater{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs:     make(map[chan uint64]bool),
		addc:   make(chan chan uint64),
		delc:   make(chan chan uint64),
		notify: make(chan uint64),
	}
	go func() {
		for {
			select {
			case c := <-u.addc:
				u.cs[c] = true
			case c := <-u.delc:
				delete(u.cs, c)
			case seq := <-u.notify:
				for k := range u.cs {
					select {
					case k <- seq:
					default:
						// Slow client; it catches up on the next message.
					}
				}
			}
		}
	}()
	return u
}

// Run forwards relay sequence messages to connected clients until ctx ends.
func (u *StatusUpdater) Run(ctx context.Context, seqs <-chan uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case seq := <-seqs:
			u.notify <- seq
		}
	}
}

func (u *StatusUpdater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for status stream: %v", err)
		}
		return
	}
	go u.serve(ws)
}

func (u *StatusUpdater) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to status socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from status socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	c := make(chan uint64, 1)
	u.addc <- c
	defer func() { u.delc <- c }()

	// We ignore incoming messages, but the socket must be read for control
	// frames to be processed.
	go func() {
		for {
			if _, _, err := ws.NextReader(); err != nil {
				ws.Close()
				return
			}
		}
	}()

	for {
		select {
		case seq := <-c:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			msg := fmt.Sprintf(`{"seq":%d}`, seq)
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
