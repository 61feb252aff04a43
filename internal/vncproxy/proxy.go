// Package vncproxy bridges browser websocket clients to the raw VNC TCP port
// of a session's container.
package vncproxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Mustafabeshara/cloudbrowser/internal/auth"
	"github.com/Mustafabeshara/cloudbrowser/internal/domain"
	"github.com/Mustafabeshara/cloudbrowser/internal/session"
	"github.com/Mustafabeshara/cloudbrowser/internal/shared"
	"github.com/Mustafabeshara/cloudbrowser/internal/store"
)

const dialTimeout = 10 * time.Second

// Proxy upgrades authenticated requests to websockets and pipes bytes to the
// session's VNC port. Transferred byte counts are folded back into the
// session record when the connection closes.
type Proxy struct {
	sessions *session.Manager
	repo     store.Repository

	// dialHost is where published container ports are reachable from this
	// process, normally the local docker host.
	dialHost       string
	originPatterns []string
	writeError     auth.ErrorWriter
}

// New creates a VNC proxy.
func New(sessions *session.Manager, repo store.Repository, dialHost string, originPatterns []string, writeError auth.ErrorWriter) *Proxy {
	if dialHost == "" {
		dialHost = "127.0.0.1"
	}
	return &Proxy{
		sessions:       sessions,
		repo:           repo,
		dialHost:       dialHost,
		originPatterns: originPatterns,
		writeError:     writeError,
	}
}

// Handle serves GET /sessions/{id}/vnc. Only running sessions accept
// connections.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, sessionID string) {
	user, ok := auth.UserFrom(r.Context())
	if !ok {
		p.writeError(w, r, shared.New(shared.CodeUnauthorized, "authentication required"))
		return
	}

	sess, err := p.sessions.Get(r.Context(), user, sessionID)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	if sess.Status != domain.StatusRunning {
		p.writeError(w, r, shared.New(shared.CodeInvalidState,
			fmt.Sprintf("session is %s, not running", sess.Status)))
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: p.originPatterns,
	})
	if err != nil {
		slog.Debug("Websocket accept failed", "session_id", sessionID, "error", err)
		return
	}

	p.bridge(r.Context(), wsConn, sess)
}

// bridge copies bytes both ways until either side closes.
func (p *Proxy) bridge(ctx context.Context, wsConn *websocket.Conn, sess *domain.Session) {
	addr := net.JoinHostPort(p.dialHost, fmt.Sprintf("%d", sess.VNCPort))
	tcpConn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		slog.Warn("VNC dial failed", "session_id", sess.ID, "addr", addr, "error", err)
		wsConn.Close(websocket.StatusInternalError, "vnc endpoint unreachable")
		return
	}
	defer tcpConn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	netConn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	var transferred atomic.Int64
	done := make(chan struct{}, 2)

	pipe := func(dst, src net.Conn) {
		n, _ := io.Copy(dst, src)
		transferred.Add(n)
		done <- struct{}{}
	}
	go pipe(tcpConn, netConn)
	go pipe(netConn, tcpConn)

	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()
	tcpConn.Close()

	if bytes := transferred.Load(); bytes > 0 {
		if err := p.repo.AddSessionTraffic(context.WithoutCancel(ctx), sess.ID, bytes); err != nil {
			slog.Debug("Failed to record session traffic", "session_id", sess.ID, "error", err)
		}
	}

	wsConn.Close(websocket.StatusNormalClosure, "")
	slog.Debug("VNC bridge closed", "session_id", sess.ID, "bytes", transferred.Load())
}
