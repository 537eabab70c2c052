package handler

import (
	"github.com/gin-gonic/gin"

	"sudooom.dm/internal/presence"
	"sudooom.dm/internal/repository"
	apperrors "sudooom.dm/pkg/errors"
	"sudooom.dm/pkg/response"
)

// UserHandler 用户查询处理器
type UserHandler struct {
	userRepo *repository.UserRepository
	registry presence.Registry
}

// NewUserHandler 创建用户处理器
func NewUserHandler(userRepo *repository.UserRepository, registry presence.Registry) *UserHandler {
	return &UserHandler{
		userRepo: userRepo,
		registry: registry,
	}
}

// OnlineUsers 在线用户列表
// 在线状态来自共享注册表，可能短暂包含已崩溃连接的脏条目
func (h *UserHandler) OnlineUsers(c *gin.Context) {
	ctx := c.Request.Context()

	ids, err := h.registry.List(ctx)
	if err != nil {
		response.Error(c, apperrors.ErrServerError)
		return
	}

	users, err := h.userRepo.FindByIDs(ctx, ids)
	if err != nil {
		response.Error(c, apperrors.ErrDBError)
		return
	}

	response.Success(c, gin.H{
		"count": len(users),
		"users": users,
	})
}
