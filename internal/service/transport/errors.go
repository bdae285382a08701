package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

var (
	// ErrMissingToken is returned by Connect when no identity token is given.
	ErrMissingToken = errors.New("transport: missing identity token")
	// ErrIdentityMismatch 同一进程只允许一个身份持有连接
	ErrIdentityMismatch = errors.New("transport: connection already bound to another identity")
	// ErrUnauthorized means the server rejected the token during handshake or poll.
	ErrUnauthorized = errors.New("transport: token rejected")

	errMalformedFrame = errors.New("transport: malformed frame")
)

// statusError is a non-2xx answer that is not an auth rejection.
type statusError struct {
	op   string
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("%s status %d", e.op, e.code)
	}
	return fmt.Sprintf("%s status %d: %s", e.op, e.code, e.body)
}

// IsRetryableError 判断错误是否可重试
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrMissingToken) || errors.Is(err, ErrIdentityMismatch) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// 地址本身写错了，重试没有意义
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return false
	}

	var status *statusError
	if errors.As(err, &status) {
		return status.code >= http.StatusInternalServerError ||
			status.code == http.StatusTooManyRequests ||
			status.code == http.StatusRequestTimeout
	}

	// 服务端异常断开或主动下线可以重连，正常关闭和策略拒绝不行
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart, websocket.CloseTryAgainLater)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// 拒绝连接、DNS 失败、连接被重置
	return true
}
