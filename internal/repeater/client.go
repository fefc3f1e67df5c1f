package repeater

import (
	"net/http"
	"time"
)

// newControlClient builds the client used for short management-port and P
// calls: bounded timeout, connections pooled per (ip,port) and reused
// across requests rather than torn down each time, per spec.md §5.
func newControlClient(cfg Config) *http.Client {
	timeout := time.Duration(cfg.HTTPTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// newStreamClient builds the client used for D's long-lived streaming
// connections. No blanket request timeout — a stream's lifetime is bounded
// by inferTimeout at the ReqManager layer instead, via the caller's context.
func newStreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     0,
		},
	}
}
