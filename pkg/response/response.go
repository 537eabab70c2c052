package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.dm/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, appErr *apperrors.AppError) {
	c.JSON(http.StatusOK, Response{
		Code:    appErr.Code,
		Message: appErr.Message,
		Data:    nil,
	})
}

// ErrorWithMsg 自定义错误消息
func ErrorWithMsg(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// ErrorFrom 从任意错误生成错误响应，非 AppError 归为服务器内部错误
func ErrorFrom(c *gin.Context, err error) {
	c.JSON(http.StatusOK, Response{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Data:    nil,
	})
}

// Unauthorized 未认证
func Unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, Response{
		Code:    apperrors.CodeTokenInvalid,
		Message: apperrors.ErrTokenInvalid.Message,
		Data:    nil,
	})
}
