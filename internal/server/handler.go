package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"

	"github.com/quic-go/webtransport-go"

	"sudooom.dm/internal/connection"
	"sudooom.dm/internal/service"
	"sudooom.dm/internal/workerpool"
	apperrors "sudooom.dm/pkg/errors"
	"sudooom.dm/pkg/jwt"
	"sudooom.dm/pkg/proto"
)

var errAuthFailed = errors.New("auth failed")

// Handler 事件帧分发器
// 读循环串行读帧，事件按连接ID哈希进协程池的固定 worker：
// 同一连接的事件按到达顺序执行，不同连接互不阻塞
type Handler struct {
	connMgr       *connection.Manager
	jwtService    *jwt.Service
	messages      *service.MessageService
	conversations *service.ConversationService
	broadcaster   service.Broadcaster
	pool          *workerpool.Pool
	logger        *slog.Logger
}

// NewHandler 创建分发器
func NewHandler(
	connMgr *connection.Manager,
	jwtService *jwt.Service,
	messages *service.MessageService,
	conversations *service.ConversationService,
	broadcaster service.Broadcaster,
	pool *workerpool.Pool,
) *Handler {
	return &Handler{
		connMgr:       connMgr,
		jwtService:    jwtService,
		messages:      messages,
		conversations: conversations,
		broadcaster:   broadcaster,
		pool:          pool,
		logger:        slog.Default(),
	}
}

// Authenticate 处理首帧认证
// 首帧必须是 Auth 帧，其余一律拒绝。认证失败时回写失败 AuthAck，
// 由调用方关闭会话；成功时回写带 userId 的 AuthAck 并返回用户ID
func (h *Handler) Authenticate(ctx context.Context, stream webtransport.Stream) (int64, error) {
	frameType, body, err := proto.ReadFrame(stream)
	if err != nil {
		return 0, err
	}
	if frameType != proto.FrameTypeAuth {
		h.writeAuthAck(stream, apperrors.CodeTokenInvalid, "auth frame expected", 0)
		return 0, errAuthFailed
	}

	var req proto.AuthRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeAuthAck(stream, apperrors.CodeInvalidParams, "malformed auth request", 0)
		return 0, errAuthFailed
	}

	claims, err := h.jwtService.ValidateAccessToken(req.Token)
	if err != nil {
		code := apperrors.CodeTokenInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = apperrors.CodeTokenExpired
		}
		h.writeAuthAck(stream, code, err.Error(), 0)
		return 0, errAuthFailed
	}

	h.writeAuthAck(stream, apperrors.CodeSuccess, "", claims.UserID)
	return claims.UserID, nil
}

func (h *Handler) writeAuthAck(stream webtransport.Stream, code int, msg string, userID int64) {
	body, err := json.Marshal(&proto.AuthAck{Code: code, Msg: msg, UserID: userID})
	if err != nil {
		return
	}
	if err := proto.WriteFrame(stream, proto.FrameTypeAuthAck, body); err != nil {
		h.logger.Debug("Failed to write auth ack", "error", err)
	}
}

// HandleStream 认证后的读循环，阻塞直到流关闭
func (h *Handler) HandleStream(ctx context.Context, conn *connection.Connection, stream webtransport.Stream) {
	for {
		frameType, body, err := proto.ReadFrame(stream)
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("Read loop ended",
					"connId", conn.ID(), "userId", conn.UserID(), "error", err)
			}
			return
		}

		if frameType != proto.FrameTypeEvent {
			h.logger.Warn("Unexpected frame type after auth",
				"connId", conn.ID(), "frameType", frameType)
			continue
		}

		var env proto.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			h.logger.Warn("Malformed event frame, dropping",
				"connId", conn.ID(), "error", err)
			continue
		}

		if !h.pool.SubmitKeyed(conn.ID(), func() { h.dispatch(ctx, conn, &env) }) {
			// 池已关闭，服务在停机
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *connection.Connection, env *proto.Envelope) {
	switch env.Event {
	case proto.EventJoinRoom:
		h.handleJoinRoom(ctx, conn, env.Data)
	case proto.EventSendMessage:
		h.handleSendMessage(ctx, conn, env.Data)
	case proto.EventTyping:
		h.handleTyping(ctx, conn, env.Data)
	case proto.EventMarkDelivered:
		h.handleMarkDelivered(ctx, conn, env.Data)
	case proto.EventMarkSeen:
		h.handleMarkSeen(ctx, conn, env.Data)
	default:
		h.logger.Warn("Unknown event, dropping",
			"connId", conn.ID(), "event", env.Event)
	}
}

// handleJoinRoom 加入会话房间
// 只有会话成员可以加入，通过校验后向房间内其他人通报上线
func (h *Handler) handleJoinRoom(ctx context.Context, conn *connection.Connection, data []byte) {
	var req proto.JoinRoom
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("Malformed join_room", "connId", conn.ID(), "error", err)
		return
	}

	if _, err := h.conversations.RequireParticipant(ctx, req.ConversationID, conn.UserID()); err != nil {
		h.logger.Warn("join_room rejected",
			"connId", conn.ID(), "userId", conn.UserID(),
			"conversationId", req.ConversationID, "error", err)
		return
	}

	h.connMgr.JoinRoom(conn.ID(), req.ConversationID)
	h.logger.Debug("Connection joined room",
		"connId", conn.ID(), "userId", conn.UserID(), "conversationId", req.ConversationID)

	event, err := proto.NewEnvelope(proto.EventUserOnline, &proto.UserOnline{UserID: conn.UserID()})
	if err != nil {
		return
	}
	if err := h.broadcaster.BroadcastExcept(ctx, req.ConversationID, conn.UserID(), event); err != nil {
		h.logger.Warn("Failed to broadcast user_online",
			"conversationId", req.ConversationID, "error", err)
	}
}

// handleSendMessage 即时发送，发送者取连接身份，不信任载荷
func (h *Handler) handleSendMessage(ctx context.Context, conn *connection.Connection, data []byte) {
	var req proto.SendMessage
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("Malformed send_message", "connId", conn.ID(), "error", err)
		return
	}

	if _, err := h.messages.Send(ctx, conn.UserID(), req.Receiver, req.Content); err != nil {
		h.logger.Warn("send_message failed",
			"connId", conn.ID(), "userId", conn.UserID(),
			"receiver", req.Receiver, "error", err)
	}
}

// handleTyping 输入状态转发：纯转发不落库，不回显给发起方
func (h *Handler) handleTyping(ctx context.Context, conn *connection.Connection, data []byte) {
	var req proto.Typing
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("Malformed typing", "connId", conn.ID(), "error", err)
		return
	}

	// 只有加入过房间的连接可以转发输入状态
	if !h.connMgr.InRoom(conn.ID(), req.ConversationID) {
		return
	}

	event, err := proto.NewEnvelope(proto.EventTyping, &proto.TypingRelay{
		UserID:   conn.UserID(),
		IsTyping: req.IsTyping,
	})
	if err != nil {
		return
	}
	if err := h.broadcaster.BroadcastExcept(ctx, req.ConversationID, conn.UserID(), event); err != nil {
		h.logger.Warn("Failed to relay typing",
			"conversationId", req.ConversationID, "error", err)
	}
}

func (h *Handler) handleMarkDelivered(ctx context.Context, conn *connection.Connection, data []byte) {
	var req proto.MarkDelivered
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("Malformed mark_delivered", "connId", conn.ID(), "error", err)
		return
	}

	if _, err := h.messages.MarkDelivered(ctx, req.MessageID); err != nil {
		h.logger.Warn("mark_delivered failed",
			"connId", conn.ID(), "messageId", req.MessageID, "error", err)
	}
}

func (h *Handler) handleMarkSeen(ctx context.Context, conn *connection.Connection, data []byte) {
	var req proto.MarkSeen
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("Malformed mark_seen", "connId", conn.ID(), "error", err)
		return
	}

	if _, err := h.messages.MarkSeen(ctx, req.MessageID); err != nil {
		h.logger.Warn("mark_seen failed",
			"connId", conn.ID(), "messageId", req.MessageID, "error", err)
	}
}

// HandleRoomEvent 总线上的房间事件落到本地房间
func (h *Handler) HandleRoomEvent(re *proto.RoomEvent) {
	if re.Envelope == nil {
		return
	}

	body, err := json.Marshal(re.Envelope)
	if err != nil {
		h.logger.Error("Failed to marshal room event", "error", err)
		return
	}

	frame := proto.BuildFrame(proto.FrameTypeEvent, body)
	h.connMgr.BroadcastRoom(re.ConversationID, re.ExcludeUserID, frame)
}
