// Package gateway implements the Connection Gateway: it owns websocket
// transport, translates wire messages to and from room coordinator calls,
// and fans state changes back out to connected clients.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"watchsync/internal/core"
	"watchsync/internal/linkpreview"
	"watchsync/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// sendBuffer is the per-member outbound queue depth. A member whose queue
// fills (a stalled reader) simply misses broadcasts after SendTimeout
// elapses; it never blocks the room's serializer.
const sendBuffer = 64

// Handler owns websocket transport for the room coordinator.
type Handler struct {
	registry *core.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to registry.
func NewHandler(registry *core.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	slog.Debug("ws upgrade request", "remote", remoteAddr)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Time{})
	conn.SetReadLimit(1 << 20)

	var join protocol.Message
	if err := conn.ReadJSON(&join); err != nil {
		slog.Debug("ws read join-room failed", "remote", remoteAddr, "err", err)
		return
	}
	if join.Type != protocol.KindJoinRoom {
		slog.Debug("ws bad first message", "remote", remoteAddr, "type", join.Type)
		h.writeDirectError(conn, "first message must be join-room")
		return
	}
	roomCode := strings.ToUpper(strings.TrimSpace(join.RoomCode))
	if roomCode == "" {
		h.writeDirectError(conn, "roomCode is required")
		return
	}

	// userID is client-chosen and stable across reconnects (spec: a
	// rejoin with an existing userId replaces the prior handle). Only a
	// client's very first connection, with no id of its own yet, gets one
	// minted for it here.
	userID := strings.TrimSpace(join.UserID)
	if userID == "" {
		userID = uuid.NewString()
	}
	room := h.registry.GetOrCreate(roomCode)

	member, snapshot, err := room.Join(userID, join.Nickname, sendBuffer)
	if err != nil {
		slog.Warn("ws join rejected", "remote", remoteAddr, "room", roomCode, "err", err)
		h.writeDirectError(conn, err.Error())
		return
	}
	nickname := join.Nickname

	slog.Info("ws connected", "user_id", userID, "room", roomCode, "nickname", nickname, "remote", remoteAddr)

	defer func() {
		if removed, emptied, ok := room.Leave(userID, member.Send); ok {
			slog.Info("ws disconnected", "user_id", userID, "room", roomCode, "remote", remoteAddr)
			room.Broadcast(protocol.Message{Type: protocol.KindUserLeft, RoomCode: roomCode, User: &removed}, "")
			room.Broadcast(protocol.Message{Type: protocol.KindUserCountUpdate, RoomCode: roomCode, UserCount: room.MemberCount()}, "")
			if emptied {
				h.registry.Reap(roomCode)
			}
		}
	}()

	go func() {
		for out := range member.Send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				slog.Debug("ws write error", "user_id", userID, "type", out.Type, "err", err)
				return
			}
		}
		slog.Debug("ws send channel closed", "user_id", userID)
	}()

	snapshot.UserID = userID
	room.SendTo(userID, snapshot)
	slog.Debug("ws snapshot sent", "user_id", userID, "room", roomCode, "members", len(snapshot.Users))

	room.Broadcast(protocol.Message{
		Type:     protocol.KindUserJoined,
		RoomCode: roomCode,
		User:     &protocol.User{ID: userID, Nickname: nickname},
	}, userID)
	room.Broadcast(protocol.Message{Type: protocol.KindUserCountUpdate, RoomCode: roomCode, UserCount: room.MemberCount()}, "")

	// ReadJSON blocks on the socket, so a dedicated reader goroutine feeds
	// inbound messages onto a channel; that lets the loop below also select
	// on member.Kicked and force a disconnect the instant a reconnect
	// evicts this handle, rather than waiting on a read that may never
	// return.
	inbound := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			var in protocol.Message
			if err := conn.ReadJSON(&in); err != nil {
				var syntaxErr *json.SyntaxError
				var typeErr *json.UnmarshalTypeError
				if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
					slog.Warn("ws malformed message dropped", "user_id", userID, "err", err)
					continue
				}
				readErr <- err
				return
			}
			inbound <- in
		}
	}()

	for {
		select {
		case <-member.Kicked:
			slog.Debug("ws evicted by reconnect", "user_id", userID, "room", roomCode)
			return

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "user_id", userID, "err", err)
			}
			return

		case in := <-inbound:
			slog.Debug("ws recv", "user_id", userID, "room", roomCode, "type", in.Type)
			if in.Type == protocol.KindLeaveRoom {
				return
			}
			h.handleInbound(room, roomCode, userID, nickname, in)
		}
	}
}

func (h *Handler) handleInbound(room *core.Room, roomCode, userID, nickname string, in protocol.Message) {
	switch in.Type {
	case protocol.KindChatMessage:
		msg, err := room.Chat(userID, nickname, in.Text)
		if err != nil {
			slog.Debug("chat-message rejected", "user_id", userID, "err", err)
			h.sendError(room, userID, err.Error())
			return
		}
		room.Broadcast(protocol.Message{Type: protocol.KindChatMessage, RoomCode: roomCode, Message: &msg}, "")
		h.fetchAndBroadcastLinkPreview(room, roomCode, msg)

	case protocol.KindVideoLoaded:
		if in.Video == nil || strings.TrimSpace(in.Video.ID) == "" {
			h.sendError(room, userID, "video descriptor is required")
			return
		}
		state := room.LoadVideo(userID, *in.Video)
		room.Broadcast(protocol.Message{
			Type:     protocol.KindVideoLoaded,
			RoomCode: roomCode,
			Video:    in.Video,
			State:    &state,
		}, userID)
		room.SendTo(userID, protocol.Message{Type: protocol.KindAck, RoomCode: roomCode, OK: true, Version: state.Version})

	case protocol.KindVideoControl:
		if strings.TrimSpace(in.VideoID) == "" {
			h.sendError(room, userID, "videoId is required")
			return
		}
		state, applied, reason := room.ApplyControl(userID, in.VideoID, in.Action, in.CurrentTime, in.IsPlaying)
		if !applied {
			slog.Debug("video-control rejected", "user_id", userID, "reason", reason)
			room.SendTo(userID, protocol.Message{Type: protocol.KindAck, RoomCode: roomCode, OK: false, Reason: reason, Version: state.Version})
			return
		}
		room.Broadcast(protocol.Message{
			Type:     protocol.KindVideoControl,
			RoomCode: roomCode,
			VideoID:  in.VideoID,
			Action:   in.Action,
			State:    &state,
		}, "")
		room.SendTo(userID, protocol.Message{Type: protocol.KindAck, RoomCode: roomCode, OK: true, Version: state.Version})

	default:
		slog.Warn("ws unknown message type", "user_id", userID, "type", in.Type)
		h.sendError(room, userID, "unsupported message type")
	}
}

// fetchAndBroadcastLinkPreview runs in the background so a link preview
// fetch never delays chat delivery. If the message text carries no URL, it
// does nothing.
func (h *Handler) fetchAndBroadcastLinkPreview(room *core.Room, roomCode string, msg protocol.ChatMessage) {
	url := linkpreview.ExtractFirstURL(msg.Text)
	if url == "" {
		return
	}
	go func() {
		preview, err := linkpreview.Fetch(url)
		if err != nil {
			slog.Debug("link preview fetch failed", "url", url, "err", err)
			return
		}
		room.Broadcast(protocol.Message{
			Type:          protocol.KindLinkPreview,
			RoomCode:      roomCode,
			ChatMessageID: msg.ID,
			LinkPreview: &protocol.LinkPreview{
				URL:      preview.URL,
				Title:    preview.Title,
				Desc:     preview.Desc,
				Image:    preview.Image,
				SiteName: preview.SiteName,
			},
		}, "")
	}()
}

func (h *Handler) sendError(room *core.Room, userID, errMsg string) {
	slog.Debug("ws sending error", "user_id", userID, "error", errMsg)
	room.SendTo(userID, protocol.Message{Type: protocol.KindError, Error: errMsg})
}

func (h *Handler) writeDirectError(conn *websocket.Conn, errMsg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(protocol.Message{Type: protocol.KindError, Error: errMsg})
}
