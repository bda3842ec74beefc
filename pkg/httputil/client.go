package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewDefaultRestyClient returns a resty client with the timeout and retry
// settings shared by every outbound integration.
func NewDefaultRestyClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("User-Agent", "chatsync/1.0")
}
