package channel_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/umqproto/umq"
	"github.com/umqproto/umq/channel"
)

func TestWebsocket(t *testing.T) {
	defer leaktest.Check(t)()

	var upgrader websocket.Upgrader
	done := make(chan struct{})

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		server := umq.NewPeer()
		server.StartServer(channel.Websocket(ws)).Then(func(pay umq.Payload, err error) {
			if err == nil {
				server.AcceptClient("welcome " + pay.Text)
			}
		})
		server.RPCServer().Then(func(req umq.Payload, err error) {
			if err == nil {
				server.RPCResult(req.ID, "echo "+req.Text, umq.Bytes([]byte{0xAB}))
			}
		})
		server.Wait()
	}))
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, err := channel.DialWebsocket(url)
	require.NoError(t, err)

	client := umq.NewPeer()
	welcome, err := client.StartClient(conn, "tester").Wait()
	require.NoError(t, err)
	require.Equal(t, "welcome tester", welcome.Text)

	rsp, err := client.RPCCall("ping").Wait()
	require.NoError(t, err)
	require.Equal(t, "echo ping", rsp.Text)

	data, err := rsp.Attachments[0].Wait()
	require.NoError(t, err)
	require.Equal(t, []byte{0xAB}, data)

	client.Close()
	client.Wait()
	<-done
}
