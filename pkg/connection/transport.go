/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package connection

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Transport abstracts the bidirectional message channel a Session reads
// from and writes to. The production implementation wraps a
// *websocket.Conn; tests use an in-memory channel pair.
type Transport interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// wsTransport adapts *websocket.Conn to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wraps an already-upgraded websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadJSON(v any) error {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (t *wsTransport) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return t.conn.Close()
}
