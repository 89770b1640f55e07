package rpcsession

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var disabledLog = btclog.NewBackend(io.Discard).Logger("TEST")

// fakeUpstream runs a tiny websocket server that authenticates any
// caller, then lets the test drive further exchanges (including a
// notifier's subscribe handshake) via handler.
func fakeUpstream(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var auth struct {
			Method string        `json:"method"`
			ID     string        `json:"id"`
			Params []interface{} `json:"params"`
		}
		require.NoError(t, conn.ReadJSON(&auth))
		require.Equal(t, "authenticate", auth.Method)
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": "auth", "result": true, "error": nil}))

		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func TestSessionCall(t *testing.T) {
	url := fakeUpstream(t, func(conn *websocket.Conn) {
		var req Request
		require.NoError(t, conn.ReadJSON(&req))
		require.Equal(t, "getblockcount", req.Method)
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"id": req.ID, "result": 100, "error": nil,
		}))
	})

	s, err := Dial(Config{Host: strings.TrimPrefix(url, "ws://")}, false, disabledLog)
	require.NoError(t, err)
	defer s.Close()

	height, err := GetBlockCount(s)
	require.NoError(t, err)
	require.Equal(t, int32(100), height)
}

func TestSessionNotifierSubscribe(t *testing.T) {
	url := fakeUpstream(t, func(conn *websocket.Conn) {
		var ntt Request
		require.NoError(t, conn.ReadJSON(&ntt))
		require.Equal(t, "notifynewtransactions", ntt.Method)
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": "ntt", "result": nil, "error": nil}))

		var nb Request
		require.NoError(t, conn.ReadJSON(&nb))
		require.Equal(t, "notifyblocks", nb.Method)
		require.NoError(t, conn.WriteJSON(map[string]interface{}{"id": "nb", "result": nil, "error": nil}))

		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"method": "blockconnected",
			"params": []interface{}{"H", 100},
		}))
	})

	s, err := Dial(Config{Host: strings.TrimPrefix(url, "ws://")}, true, disabledLog)
	require.NoError(t, err)
	defer s.Close()

	msg, err := s.Recv()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.True(t, msg.IsPush)
	require.Equal(t, "blockconnected", msg.Kind)
}
