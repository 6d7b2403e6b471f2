package signaling

import (
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/walkie-app/walkie/pkg/com"
	"github.com/walkie-app/walkie/pkg/logger"
)

const (
	maxMessageSize = 2 * 1024 * 1024
	writeWait      = 10 * time.Second
)

// WS is a single websocket connection with serialized reads and writes.
type WS struct {
	id   com.Uid
	conn *websocket.Conn
	send chan []byte
	log  *logger.Logger

	OnMessage MessageHandler

	once     sync.Once
	shutdown sync.WaitGroup
	Done     chan struct{}
}

type MessageHandler func(message []byte, err error)

func NewClient(address url.URL, log *logger.Logger) (*WS, error) {
	conn, _, err := websocket.DefaultDialer.Dial(address.String(), nil)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, log), nil
}

func newSocket(conn *websocket.Conn, log *logger.Logger) *WS {
	ws := &WS{
		id:   com.NewUid(),
		conn: conn,
		send: make(chan []byte),
		Done: make(chan struct{}, 1),
	}
	ws.log = log.Extend(log.With().Str("ws", ws.id.Short()))
	ws.shutdown.Add(2)
	return ws
}

// Listen starts both pumps. OnMessage must be set beforehand.
func (ws *WS) Listen() {
	go ws.writer()
	go ws.reader()
}

// reader pumps messages from the websocket connection to the OnMessage callback.
// Blocking, must be called as goroutine. Serializes all websocket reads.
func (ws *WS) reader() {
	defer func() {
		close(ws.send)
		ws.shutdown.Done()
		ws.close()
	}()
	ws.conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Error().Err(err).Msg("read fail")
			}
			ws.OnMessage(nil, err)
			break
		}
		ws.OnMessage(message, nil)
	}
}

// writer pumps messages from the send channel to the websocket connection.
// Blocking, must be called as goroutine. Serializes all websocket writes.
func (ws *WS) writer() {
	defer func() {
		ws.shutdown.Done()
		ws.close()
	}()
	for message := range ws.send {
		if err := ws.write(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = ws.write(websocket.CloseMessage, []byte{})
}

func (ws *WS) write(t int, mess []byte) error {
	if err := ws.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.conn.WriteMessage(t, mess)
}

func (ws *WS) Write(data []byte) {
	defer func() { _ = recover() }() // send on closed channel during teardown
	ws.send <- data
}

func (ws *WS) Close() { _ = ws.conn.Close() }

func (ws *WS) close() {
	ws.once.Do(func() {
		go func() {
			ws.shutdown.Wait()
			_ = ws.conn.Close()
			ws.Done <- struct{}{}
		}()
	})
}
