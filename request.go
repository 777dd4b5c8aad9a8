package gotq

import (
	"context"
	"net/http"
	"time"
)

// DefaultUserAgent is the user agent sent with every request.
const DefaultUserAgent = "gotq/1.0"

// DefaultClient is the http client used when none is configured.
var DefaultClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		// Chunk lengths are checked against Content-Length.
		DisableCompression: true,
	},
}

// Header is one extra request header.
type Header struct {
	Key   string
	Value string
}

// NewRequest returns a new http.Request with the default user agent and the
// given headers set.
func NewRequest(ctx context.Context, method, URL string, header []Header) (*http.Request, error) {

	req, err := http.NewRequestWithContext(ctx, method, URL, nil)

	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", DefaultUserAgent)

	for _, h := range header {
		req.Header.Set(h.Key, h.Value)
	}

	return req, nil
}
