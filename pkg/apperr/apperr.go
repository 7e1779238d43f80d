// 文件: pkg/apperr/apperr.go
// HTTP 层统一错误类型
//
// 校验/权限错误直接带状态码冒泡到 HTTP 边界，
// 响应体固定为 {error, statuscode, details?}。
// 5xx 只留给服务端故障 (数据库不可用、不变量被破坏)。

package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// =============================================================================
// 错误定义
// =============================================================================

// Error 携带 HTTP 状态码的业务错误
type Error struct {
	Message    string `json:"error"`
	StatusCode int    `json:"statuscode"`
	Details    string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// New 创建业务错误
func New(status int, message string) *Error {
	return &Error{Message: message, StatusCode: status}
}

// WithDetails 附加细节
func (e *Error) WithDetails(details string) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// 常用构造
func BadRequest(message string) *Error   { return New(http.StatusBadRequest, message) }
func Unauthorized(message string) *Error { return New(http.StatusUnauthorized, message) }
func Forbidden(message string) *Error    { return New(http.StatusForbidden, message) }
func NotFound(message string) *Error     { return New(http.StatusNotFound, message) }
func Conflict(message string) *Error     { return New(http.StatusConflict, message) }

// Internal 服务端故障 (500)
func Internal(message string) *Error { return New(http.StatusInternalServerError, message) }

// DBUnavailable 数据库不可用 (503)
func DBUnavailable(details string) *Error {
	return New(http.StatusServiceUnavailable, "Database error").WithDetails(details)
}

// =============================================================================
// HTTP 输出
// =============================================================================

// Write 把错误写入 ResponseWriter
// 非 *Error 的错误一律按 500 处理，不向客户端泄露内部信息
func Write(w http.ResponseWriter, err error) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		appErr = Internal("Server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)
	_ = json.NewEncoder(w).Encode(appErr)
}
