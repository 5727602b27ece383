// Package httpx provides the shared HTTP transport and the retry policy
// used by the control-plane client and the download engine.
package httpx

import (
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// NewTransport creates the transport shared by the downloader and the
// control-plane client.
//
// Key characteristics:
//   - Pool sized for one runner's worth of parallel chunk transfers
//   - Compression disabled (video payloads are already compressed)
//   - HTTP/2 with a runtime toggle (DISABLE_HTTP2 env var)
//   - Proxy settings from the environment
func NewTransport() *http.Transport {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	}

	return tr
}

// NewClient returns a client over NewTransport with no overall timeout;
// each operation carries its own context deadline.
func NewClient() *http.Client {
	return &http.Client{
		Transport: NewTransport(),
	}
}
