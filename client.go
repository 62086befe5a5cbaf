package main

import (
	"time"

	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// BrowserProfile bundles a TLS client profile with its corresponding browser headers.
type BrowserProfile struct {
	TLSProfile profiles.ClientProfile
	UserAgent  string
	SecChUa    string
	Platform   string
	Mobile     string
}

// DefaultProfile is the default browser profile used for new clients.
// Set to Chrome128Profile in tls_chrome128.go.
var DefaultProfile = Chrome128Profile

// NewClient builds a fresh HTTP client with its own cookie jar. The portal
// answers login with redirects that carry cookies, so redirects are followed.
func NewClient(proxyURL string, timeout time.Duration) (tls_client.HttpClient, error) {
	return NewClientWithProfile(nil, proxyURL, timeout, DefaultProfile.TLSProfile)
}

func NewClientWithProfile(logger tls_client.Logger, proxyURL string, timeout time.Duration, profile profiles.ClientProfile) (tls_client.HttpClient, error) {
	if logger == nil {
		logger = tls_client.NewNoopLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutMilliseconds(int(timeout / time.Millisecond)),
		tls_client.WithClientProfile(profile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithCookieJar(jar),
	}

	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	return tls_client.NewHttpClient(logger, options...)
}
