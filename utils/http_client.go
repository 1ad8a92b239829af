package utils

import (
	"net"
	"net/http"
	"time"
)

// GlobalHTTPClient is shared by the Discord session and the log webhook.
var GlobalHTTPClient = NewHTTPClient(60 * time.Second)

// NewHTTPClient returns a client with pooled connections and bounded dial and
// handshake times. timeout caps a whole request.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
