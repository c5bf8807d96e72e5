package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointPath is the conversation endpoint on the chat server.
const EndpointPath = "/ws"

// ResolveEndpoint returns the websocket URL of the conversation endpoint.
//
// An explicit serverURL has its http(s) scheme rewritten to ws(s) and is
// made to end in EndpointPath. Without one, the scheme and host are derived
// from origin, the address the client was served from: an https origin
// yields wss, anything else ws.
func ResolveEndpoint(serverURL, origin string) (string, error) {
	if serverURL != "" {
		u := serverURL
		if strings.HasPrefix(u, "http") {
			u = "ws" + strings.TrimPrefix(u, "http")
		}
		if !strings.HasSuffix(u, EndpointPath) {
			u = strings.TrimSuffix(u, "/") + EndpointPath
		}
		if _, err := url.Parse(u); err != nil {
			return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
		}
		return u, nil
	}

	o, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if o.Host == "" {
		return "", fmt.Errorf("invalid origin %q: missing host", origin)
	}

	scheme := "ws"
	if o.Scheme == "https" {
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: o.Host, Path: EndpointPath}).String(), nil
}
