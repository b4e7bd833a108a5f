// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docqa-go/internal/service"
	"docqa-go/pkg/log"
)

func success(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": message, "data": data})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message})
}

// statusFor 把 service 层的哨兵错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// fail 写出错误响应。服务端错误只返回通用提示，详细信息进日志。
func fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		log.Errorf("[Handler] %s 失败: %v", op, err)
		message = "服务器内部错误"
	} else {
		log.Warnf("[Handler] %s 被拒绝: %v", op, err)
	}
	c.JSON(code, gin.H{"code": code, "message": message})
}
