package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"sudooom.dm/internal/service"
	"sudooom.dm/internal/web/middleware"
	apperrors "sudooom.dm/pkg/errors"
	"sudooom.dm/pkg/response"
)

// MessageHandler 消息处理器
// 传输层之外的发送入口：HTTP 发送的消息同样会广播到会话房间
type MessageHandler struct {
	messages      *service.MessageService
	conversations *service.ConversationService
	autoMessages  *service.AutoMessageService
}

// NewMessageHandler 创建消息处理器
func NewMessageHandler(
	messages *service.MessageService,
	conversations *service.ConversationService,
	autoMessages *service.AutoMessageService,
) *MessageHandler {
	return &MessageHandler{
		messages:      messages,
		conversations: conversations,
		autoMessages:  autoMessages,
	}
}

// Send 发送消息，发送者取登录身份
func (h *MessageHandler) Send(c *gin.Context) {
	var req struct {
		Receiver int64  `json:"receiver,string" binding:"required"`
		Content  string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, apperrors.CodeInvalidParams, err.Error())
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), middleware.GetUserID(c), req.Receiver, req.Content)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	response.Success(c, msg)
}

// History 分页获取会话历史，仅会话成员可读
func (h *MessageHandler) History(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("conversationId"), 10, 64)
	if err != nil {
		response.Error(c, apperrors.ErrInvalidParams)
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	ctx := c.Request.Context()
	if _, err := h.conversations.RequireParticipant(ctx, conversationID, middleware.GetUserID(c)); err != nil {
		response.ErrorFrom(c, err)
		return
	}

	pageResp, err := h.messages.History(ctx, conversationID, page, limit)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	response.Success(c, pageResp)
}

// MarkDelivered 送达确认
func (h *MessageHandler) MarkDelivered(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		response.Error(c, apperrors.ErrInvalidParams)
		return
	}

	msg, err := h.messages.MarkDelivered(c.Request.Context(), messageID)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	response.Success(c, msg)
}

// MarkSeen 已读确认
func (h *MessageHandler) MarkSeen(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("messageId"), 10, 64)
	if err != nil {
		response.Error(c, apperrors.ErrInvalidParams)
		return
	}

	msg, err := h.messages.MarkSeen(c.Request.Context(), messageID)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	response.Success(c, msg)
}

// ScheduleAuto 创建定时消息
// send_date 缺省为当前时间（立即进入下一轮扫描）
func (h *MessageHandler) ScheduleAuto(c *gin.Context) {
	var req struct {
		To       int64     `json:"to,string" binding:"required"`
		Content  string    `json:"content" binding:"required"`
		SendDate time.Time `json:"sendDate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithMsg(c, apperrors.CodeInvalidParams, err.Error())
		return
	}

	if req.SendDate.IsZero() {
		req.SendDate = time.Now()
	}

	am, err := h.autoMessages.Schedule(c.Request.Context(), middleware.GetUserID(c), req.To, req.Content, req.SendDate)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	response.Success(c, am)
}

// Conversations 列出当前用户参与的会话
func (h *MessageHandler) Conversations(c *gin.Context) {
	convs, err := h.conversations.ListForUser(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	response.Success(c, convs)
}

// Resolve 查找或创建与指定用户的会话
func (h *MessageHandler) Resolve(c *gin.Context) {
	peerID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		response.Error(c, apperrors.ErrInvalidParams)
		return
	}

	conv, err := h.conversations.Resolve(c.Request.Context(), middleware.GetUserID(c), peerID)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	response.Success(c, conv)
}
