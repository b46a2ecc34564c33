package netutils

import (
	"crypto/tls"
	"net/http"
	"time"
)

// NewClient returns an http.Client with a sane timeout. insecure skips
// certificate verification for dashboards behind self-signed TLS on a
// private network.
func NewClient(insecure bool) *http.Client {
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
	}
}
