package game

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = time.Minute
	closeGrace = 20 * time.Second
)

// WebsocketConn adapts a gorilla connection to the Conn interface the
// coordinator works against.
type WebsocketConn struct {
	socket *websocket.Conn
}

func NewWebsocketConn(conn *websocket.Conn) *WebsocketConn {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &WebsocketConn{socket: conn}
}

func (wc *WebsocketConn) Read() ([]byte, error) {
	_, p, err := wc.socket.ReadMessage()
	return p, err
}

func (wc *WebsocketConn) Write(data []byte) error {
	wc.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.socket.WriteMessage(websocket.TextMessage, data)
}

func (wc *WebsocketConn) Ping() error {
	wc.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return wc.socket.WriteMessage(websocket.PingMessage, nil)
}

func (wc *WebsocketConn) Close(reason string) {
	wc.socket.SetWriteDeadline(time.Now().Add(closeGrace))
	wc.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	wc.socket.Close()
}
