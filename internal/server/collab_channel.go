package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arcadia-research/colloquy/backend/internal/collab"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultReadDeadline = 70 * time.Second
	writeWait           = 10 * time.Second
	maxFrameBytes       = 1 << 20
)

var channelUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type initFrame struct {
	Type       string                 `json:"type"`
	SessionID  string                 `json:"session_id"`
	Capability string                 `json:"capability"`
	State      string                 `json:"state"`
	Roster     []collab.PresenceEntry `json:"roster"`
}

type presenceFrame struct {
	Type   string                 `json:"type"`
	Roster []collab.PresenceEntry `json:"roster"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// channelConn serializes writes to a websocket connection. The underlying
// connection permits a single concurrent writer.
type channelConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (cc *channelConn) writeJSON(value any) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	cc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return cc.conn.WriteJSON(value)
}

func (cc *channelConn) writeBinary(payload []byte) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	cc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return cc.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (cc *channelConn) writePing() error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return cc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (cc *channelConn) writeClose(code int, reason string) {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	message := websocket.FormatCloseMessage(code, reason)
	cc.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
}

// handleCollabChannel upgrades the request and attaches the caller to the
// document session. The first frame sent is the init frame carrying the full
// encoded state and the presence roster. Binary frames in either direction
// carry merge operations and updates; JSON frames carry presence changes.
func (h *httpHandler) handleCollabChannel(c *gin.Context) {
	identity, ok := requestIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	subjectID, err := collab.NewSubjectID(c.Param("subjectID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject_id"})
		return
	}
	formID, err := collab.NewFormID(c.Param("formID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_form_id"})
		return
	}
	key := collab.NewDocumentKey(subjectID, formID)
	capability, err := h.capabilities.Resolve(c.Request.Context(), identity, key.SubjectID().String())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !capability.AllowsView() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if err := h.participants.RecordSighting(c.Request.Context(), identity); err != nil {
		h.logger.Warn("participant profile update failed",
			zap.String("user_id", identity.UserID),
			zap.Error(err))
	}

	conn, err := channelUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	cc := &channelConn{conn: conn}

	joined, err := h.manager.Join(c.Request.Context(), key, identity, capability)
	if err != nil {
		h.logger.Warn("collab join refused",
			zap.String("subject_id", key.SubjectID().String()),
			zap.String("form_id", key.FormID().String()),
			zap.Error(err))
		cc.writeJSON(errorFrame{Type: "error", Error: joinErrorCode(err)})
		cc.writeClose(websocket.ClosePolicyViolation, "join refused")
		conn.Close()
		return
	}
	session := joined.Session

	if err := cc.writeJSON(initFrame{
		Type:       "init",
		SessionID:  session.ID(),
		Capability: string(capability),
		State:      base64.StdEncoding.EncodeToString(joined.State),
		Roster:     joined.Roster,
	}); err != nil {
		h.manager.Leave(c.Request.Context(), session)
		conn.Close()
		return
	}

	go h.channelWriteLoop(cc, session)
	h.channelReadLoop(c, cc, session)
}

// channelWriteLoop pumps broadcast updates, presence changes and pings to the
// peer until the session is detached.
func (h *httpHandler) channelWriteLoop(cc *channelConn, session *collab.Session) {
	pingInterval := h.pingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case update := <-session.Updates():
			if err := cc.writeBinary(update); err != nil {
				return
			}
		case roster := <-session.Rosters():
			if err := cc.writeJSON(presenceFrame{Type: "presence", Roster: roster}); err != nil {
				return
			}
		case <-ticker.C:
			if err := cc.writePing(); err != nil {
				return
			}
		case <-session.Done():
			cc.writeClose(websocket.CloseGoingAway, "session ended")
			return
		}
	}
}

// channelReadLoop consumes operation frames until the peer disconnects, then
// detaches the session.
func (h *httpHandler) channelReadLoop(c *gin.Context, cc *channelConn, session *collab.Session) {
	conn := cc.conn
	readDeadline := defaultReadDeadline
	if h.idleTimeout > 0 {
		readDeadline = h.idleTimeout
	}
	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		session.Touch(time.Now().UTC())
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	defer func() {
		// The request context is canceled once the peer disconnects; the
		// teardown persist needs its own deadline.
		leaveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := h.manager.Leave(leaveCtx, session); err != nil && !errors.Is(err, collab.ErrSessionDetached) {
			h.logger.Warn("session detach incomplete",
				zap.String("session_id", session.ID()),
				zap.Error(err))
		}
		conn.Close()
	}()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("collab channel closed", zap.String("session_id", session.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		if err := h.manager.ApplyOperation(c.Request.Context(), session, payload); err != nil {
			if errors.Is(err, collab.ErrSessionDetached) || errors.Is(err, collab.ErrManagerClosed) {
				return
			}
			if writeErr := cc.writeJSON(errorFrame{Type: "error", Error: operationErrorCode(err)}); writeErr != nil {
				return
			}
		}
	}
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrCapabilityDenied):
		return "forbidden"
	case errors.Is(err, collab.ErrManagerClosed):
		return "shutting_down"
	default:
		return "join_failed"
	}
}

func operationErrorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrCapabilityDenied):
		return "forbidden"
	case errors.Is(err, collab.ErrInvalidOperation):
		return "invalid_operation"
	default:
		return "operation_failed"
	}
}
