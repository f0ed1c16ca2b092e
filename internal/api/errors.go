package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ChuLiYu/gpu-queue/internal/queue"
)

// errorBody 錯誤回應格式
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Detail: msg})
}

// statusFor 把佇列錯誤對應到 HTTP 狀態碼
//
// 參數：
//   - invalidState: ErrInvalidState 要回的狀態碼；worker 端點用 404，使用者端點用 400
func statusFor(err error, invalidState int) int {
	switch {
	case errors.Is(err, queue.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidState):
		return invalidState
	case errors.Is(err, queue.ErrCannotCancel):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// fail 寫出錯誤回應；500 類錯誤記錄並隱藏內部細節
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, invalidState int) {
	status := statusFor(err, invalidState)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
