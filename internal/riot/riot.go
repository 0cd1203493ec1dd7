// Package riot is the outbound client for the game provider. It replays the
// cookie reauthentication handshake and classifies the answer, and it fetches
// the daily storefront with a session obtained that way. The provider protocol
// is undocumented; only status codes and the few fields read here are relied on.
package riot

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// DefaultUserAgent is sent when no stored browser user agent is known.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DefaultTimeout bounds one candidate's whole handshake.
const DefaultTimeout = 12 * time.Second

// Endpoints are the provider base URLs. Tests point them at httptest servers.
type Endpoints struct {
	Auth         string
	Entitlements string
	Geo          string
	// PD is the per-shard game API base with a "{shard}" placeholder.
	PD      string
	Version string
	IPEcho  string
}

// DefaultEndpoints returns the production base URLs.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Auth:         "https://auth.riotgames.com",
		Entitlements: "https://entitlements.auth.riotgames.com",
		Geo:          "https://riot-geo.pas.si.riotgames.com",
		PD:           "https://pd.{shard}.a.pvp.net",
		Version:      "https://valorant-api.com",
		IPEcho:       "https://api.ipify.org",
	}
}

func (e Endpoints) pd(shard string) string {
	return strings.ReplaceAll(e.PD, "{shard}", shard)
}

// Options configures a Client.
type Options struct {
	// ProxyURL routes every provider call through an HTTP proxy. Empty
	// falls back to the HTTP(S)_PROXY environment.
	ProxyURL string
	// Timeout bounds one reauth attempt and one storefront fetch.
	Timeout   time.Duration
	Endpoints Endpoints
	// Now is used for token expiry; nil means time.Now.
	Now func() time.Time
}

// Client talks to the provider. It never follows redirects: the reauth
// handshake reads tokens from the Location header.
type Client struct {
	http    *http.Client
	ep      Endpoints
	timeout time.Duration
	now     func() time.Time
}

// NewClient builds a Client. Zero endpoints select DefaultEndpoints.
func NewClient(opts Options) (*Client, error) {
	proxy := http.ProxyFromEnvironment
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", opts.ProxyURL)
		}
		proxy = http.ProxyURL(u)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = proxy
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Endpoints == (Endpoints{}) {
		opts.Endpoints = DefaultEndpoints()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		http: &http.Client{
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		ep:      opts.Endpoints,
		timeout: opts.Timeout,
		now:     opts.Now,
	}, nil
}

// Session is a usable provider session: the OAuth access token (with the id
// token as an extra) and the player id it belongs to.
type Session struct {
	Token   *oauth2.Token
	IDToken string
	// Subject is the player UUID from the access token, empty if the token
	// is not a JWT.
	Subject string
}

// SubjectFromToken returns the "sub" claim of a JWT without verifying it.
// The token came straight from the provider over TLS; only its routing
// information is needed here.
func SubjectFromToken(raw string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", err
	}
	return claims.GetSubject()
}
