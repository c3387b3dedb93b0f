package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvollmar/codelink/pkg/protocol"
)

// testBridge is a minimal WebSocket bridge for end-to-end transport tests.
func testBridge(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type      string         `json:"type"`
				RequestID string         `json:"requestId"`
				Payload   map[string]any `json:"payload"`
			}
			if err := json.Unmarshal(frame, &env); err != nil {
				continue
			}

			var reply protocol.Message
			switch env.Type {
			case protocol.TypeAuth:
				if env.Payload["token"] == "valid-token" {
					reply = protocol.Response{
						RequestID: env.RequestID,
						Success:   true,
						Payload:   map[string]any{"clientId": "ws-client-1"},
					}
				} else {
					reply = protocol.Response{
						RequestID: env.RequestID,
						Success:   false,
						Error:     "invalid token",
					}
				}
			case protocol.TypePing:
				reply = protocol.Response{
					RequestID: env.RequestID,
					Success:   true,
					Payload:   map[string]any{"timestamp": time.Now().UnixMilli()},
				}
			case protocol.TypeReadFile:
				reply = protocol.Response{
					RequestID: env.RequestID,
					Success:   true,
					Payload:   map[string]any{"content": "package main\n"},
				}
			default:
				continue
			}
			data, _ := protocol.Encode(reply)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketEndToEnd(t *testing.T) {
	srv := testBridge(t)
	defer srv.Close()

	c := New(Options{
		URL:            wsURL(srv),
		Token:          "valid-token",
		RequestTimeout: 2 * time.Second,
	})
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, "ws-client-1", c.ClientID())

	resp, err := c.SendRequest(context.Background(), protocol.ReadFile{
		RequestID: protocol.NewRequestID(),
		Path:      "main.go",
	})
	require.NoError(t, err)
	assert.Equal(t, "package main\n", resp.Payload["content"])

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestWebSocketAuthRejected(t *testing.T) {
	srv := testBridge(t)
	defer srv.Close()

	c := New(Options{
		URL:            wsURL(srv),
		Token:          "wrong-token",
		RequestTimeout: 2 * time.Second,
	})
	defer c.Close()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestWebSocketDialFailure(t *testing.T) {
	c := New(Options{
		URL:               "ws://127.0.0.1:1", // nothing listens here
		Token:             "tok",
		MaxReconnectTries: 1,
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
	})
	defer c.Close()

	err := c.Connect(context.Background())
	require.Error(t, err)
}
