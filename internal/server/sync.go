package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jfoltran/tablesync/internal/protocol"
	"github.com/jfoltran/tablesync/internal/session"
)

const sendTimeout = 10 * time.Second

// wsTransport adapts a websocket connection to the session transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// handleSync upgrades /sync?clientId=...&lsn=... to a WebSocket session. The
// handler goroutine becomes the read loop; the session actor runs under the
// server context so it outlives transient request cancellation only until
// the socket itself drops.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	rawLSN := r.URL.Query().Get("lsn")
	if clientID == "" {
		http.Error(w, "missing clientId", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("ws accept failed")
		return
	}

	actor, err := s.sessions.Accept(s.baseCtx, &wsTransport{conn: conn}, clientID, rawLSN)
	if err != nil {
		s.logger.Warn().Err(err).Str("client", clientID).Msg("rejecting sync connect")
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer actor.Stop()

	for {
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			s.logger.Debug().Err(err).Str("client", clientID).Msg("sync socket closed")
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		frame, err := protocol.Parse(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("client", clientID).Msg("dropping malformed frame")
			continue
		}
		if frame.ClientID != clientID {
			s.logger.Warn().Str("client", clientID).Str("frameClient", frame.ClientID).
				Msg("dropping frame with mismatched clientId")
			continue
		}
		if !protocol.Known(frame.Type) {
			s.logger.Warn().Str("type", string(frame.Type)).Msg("dropping unknown frame type")
			continue
		}
		actor.HandleFrame(frame)
	}
}

var _ session.Transport = (*wsTransport)(nil)
