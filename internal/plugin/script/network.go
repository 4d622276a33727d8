package script

import (
	"fmt"
	"net/http"
)

// denyTransport fails every request without touching the network.
type denyTransport struct{}

func (denyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNetworkDisabled, req.Method, req.URL.Redacted())
}

// newHTTPClient returns the only HTTP client scripts can reach.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: denyTransport{},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
