package live

import (
	"context"
	"net/http"
	"net/url"

	"golang.org/x/net/websocket"
)

// WebSocketSource dials the task board's broadcast socket.
type WebSocketSource struct {
	URL string
	// Origin defaults to the http(s) form of URL.
	Origin string
	Token  string
}

func (s WebSocketSource) Connect(ctx context.Context) (Conn, error) {
	origin := s.Origin
	if origin == "" {
		origin = originFor(s.URL)
	}
	cfg, err := websocket.NewConfig(s.URL, origin)
	if err != nil {
		return nil, err
	}
	cfg.Header = make(http.Header)
	if s.Token != "" {
		cfg.Header.Set("Authorization", "Bearer "+s.Token)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func originFor(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "http://localhost/"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host + "/"
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Receive() ([]byte, error) {
	var frame []byte
	if err := websocket.Message.Receive(c.conn, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *wsConn) Close() error { return c.conn.Close() }
