package fetcher

import (
	"net"
	"net/http"
	"time"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultHeaderTimeout  = 30 * time.Second
)

// NewHTTPClient returns a client suited to long streaming downloads. It has
// no overall deadline; connect and header waits are bounded instead, and body
// reads are bounded per chunk by the Fetcher.
func NewHTTPClient(connectTimeout, headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}
