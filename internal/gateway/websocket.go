package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"vmplane/internal/logger"

	"github.com/gorilla/websocket"
)

const closeWriteTimeout = time.Second

// upstreamWSURL builds the ws(s) URL for a target.
func upstreamWSURL(t Target, rawQuery string) string {
	u := *t.Upstream.URL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	base := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = strings.TrimSuffix(u.Path, "/") + t.Path
	u.RawPath = base + t.EscapedPath()
	u.RawQuery = rawQuery
	return u.String()
}

// serveWebSocket dials the upstream before upgrading the client so an
// unreachable upstream is reported as a plain 502 instead of a dead tunnel.
func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, t Target) {
	log := logger.FromContext(r.Context(), p.logger).With("upstream", t.Upstream.Name, "path", t.Path)

	header := http.Header{}
	if c := r.Header.Get("Cookie"); c != "" {
		header.Set("Cookie", c)
	}
	if t.Upstream.AuthHeader != "" {
		header.Set(t.Upstream.AuthHeader, t.Upstream.AuthValue)
	}

	dialer := *p.dialers[t.Upstream.Name]
	dialer.Subprotocols = websocket.Subprotocols(r)

	target := upstreamWSURL(t, r.URL.RawQuery)
	upConn, resp, err := dialer.DialContext(r.Context(), target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		log.Warn("upstream websocket dial failed", "target", redactQuery(target), "upstream_status", status, "error", err)
		p.count(r.Context(), t.Upstream.Name, "upstream_error")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	defer upConn.Close()

	respHeader := http.Header{}
	if sp := upConn.Subprotocol(); sp != "" {
		respHeader.Set("Sec-WebSocket-Protocol", sp)
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	clientConn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer clientConn.Close()

	p.count(r.Context(), t.Upstream.Name, "tunnel")
	p.tunnels.Add(r.Context(), 1)
	defer p.tunnels.Add(context.WithoutCancel(r.Context()), -1)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go pump(ctx, "upstream->client", upConn, clientConn, &wg, errCh)
	go pump(ctx, "client->upstream", clientConn, upConn, &wg, errCh)

	tunnelErr := <-errCh
	cancel()

	deadline := time.Now().Add(closeWriteTimeout)
	upConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	clientConn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

	// Unblock the pump still parked in ReadMessage.
	upConn.SetReadDeadline(deadline)
	clientConn.SetReadDeadline(deadline)
	wg.Wait()

	if tunnelErr != nil && !isClosedErr(tunnelErr) {
		log.Debug("tunnel closed", "error", tunnelErr)
	} else {
		log.Info("tunnel closed")
	}
}

// pump copies frames from src to dst. A close frame from src is forwarded
// to dst with its code before the pump stops.
func pump(ctx context.Context, direction string, src, dst *websocket.Conn, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	for {
		msgType, payload, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseNoStatusReceived {
				dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(ce.Code, ce.Text), time.Now().Add(closeWriteTimeout))
			}
			errCh <- fmt.Errorf("%s read: %w", direction, err)
			return
		}
		if err := dst.WriteMessage(msgType, payload); err != nil {
			errCh <- fmt.Errorf("%s write: %w", direction, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func redactQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
