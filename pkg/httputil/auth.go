package httputil

import (
	"net/url"

	"github.com/go-resty/resty/v2"
)

type authMode int

const (
	authNone authMode = iota
	authBearer
	authQuery
)

func (m authMode) String() string {
	switch m {
	case authBearer:
		return "bearer"
	case authQuery:
		return "query"
	default:
		return "none"
	}
}

// authState is one host's credential and the scheme currently in use
type authState struct {
	token      string
	queryParam string
	mode       authMode
}

// SetAuth registers a credential for every request to host.
// Requests start with a bearer header; a 401 switches the host to ?queryParam=token.
func (c *Client) SetAuth(host, token, queryParam string) {
	if token == "" {
		return
	}

	c.authMu.Lock()
	c.auth[host] = &authState{token: token, queryParam: queryParam, mode: authBearer}
	c.authMu.Unlock()
}

// AuthMode reports the scheme in use for host: bearer, query or none
func (c *Client) AuthMode(host string) string {
	c.authMu.RLock()
	defer c.authMu.RUnlock()

	if st, ok := c.auth[host]; ok {
		return st.mode.String()
	}
	return authNone.String()
}

func (c *Client) applyAuth(req *resty.Request, rawURL string) authMode {
	host := hostOf(rawURL)

	c.authMu.RLock()
	st, ok := c.auth[host]
	var state authState
	if ok {
		state = *st
	}
	c.authMu.RUnlock()

	if !ok {
		return authNone
	}

	switch state.mode {
	case authQuery:
		req.SetQueryParam(state.queryParam, state.token)
	default:
		req.SetAuthToken(state.token)
	}
	return state.mode
}

// flipAuth moves host from bearer to query-param auth; it never flips back
func (c *Client) flipAuth(rawURL string) {
	host := hostOf(rawURL)

	c.authMu.Lock()
	defer c.authMu.Unlock()

	st, ok := c.auth[host]
	if !ok || st.mode != authBearer || st.queryParam == "" {
		return
	}
	st.mode = authQuery
	c.authFlips.Add(1)

	c.logger.WithField("host", host).Warn("Bearer auth rejected, switching to query-parameter auth")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
