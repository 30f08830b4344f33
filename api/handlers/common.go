package handlers

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fleetflow/types"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// Response 统一 API 响应信封
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	StepID    string `json:"step_id,omitempty"`
}

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 响应头已发出，编码失败无法再补救
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 以 200 写入成功信封
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteStatus(w, http.StatusOK, data)
}

// WriteStatus 以指定状态码写入成功信封
func WriteStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// WriteError 写入错误信封. 非 *types.Error 的错误按 INTERNAL_ERROR 处理.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	typed, ok := types.AsError(err)
	if !ok {
		typed = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}
	status := HTTPStatus(typed.Code)

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(typed.Code)),
			zap.Int("status", status),
			zap.Error(err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Debug("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(typed.Code),
			Message:   typed.Message,
			Retryable: typed.Retryable,
			RunID:     typed.RunID,
			StepID:    typed.StepID,
		},
		Timestamp: time.Now(),
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// WriteErrorMessage 写入简单错误
func WriteErrorMessage(w http.ResponseWriter, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message), logger)
}

// HTTPStatus 错误码到 HTTP 状态码
func HTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrValidation, types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrCancelled:
		return http.StatusConflict
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSONBody 以严格模式解码请求体；失败时已写入 400 响应
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := types.NewError(types.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		apiErr := types.NewError(types.ErrInvalidRequest, msg).WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType 要求 application/json
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == "application/json" {
		return true
	}
	WriteErrorMessage(w, types.ErrInvalidRequest, "Content-Type must be application/json", logger)
	return false
}

// ResponseWriter 记录状态码，供日志、指标与追踪中间件读取
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 包装 w
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 只记录第一次写入的状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode = code
	rw.Written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap 供 http.ResponseController 访问底层 writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
