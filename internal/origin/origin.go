// Package origin derives the CORS allow-list for the HTTP API.
package origin

import (
	"net"
	"net/url"
	"strings"
)

// Wildcard allows every origin.
const Wildcard = "*"

// Allowed returns the normalized, de-duplicated origins. Configured entries
// may be comma or whitespace separated; "*" short-circuits to allow all.
// Without usable configured origins, the local addresses of listen are
// allowed so a dashboard served next to the API works out of the box.
func Allowed(listen string, configured []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(o string) {
		if _, ok := seen[o]; ok || o == "" {
			return
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}

	for _, entry := range configured {
		for _, raw := range split(entry) {
			if raw == Wildcard {
				return []string{Wildcard}
			}
			add(normalize(raw))
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, o := range fromListen(listen) {
		add(o)
	}
	return out
}

func split(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\r', '\t':
			return true
		}
		return false
	})
}

// normalize reduces an origin to lower-case scheme://host[:port].
func normalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func fromListen(listen string) []string {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return nil
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		return nil
	}

	hosts := []string{"localhost", "127.0.0.1"}
	switch host {
	case "", "0.0.0.0", "::", "localhost", "127.0.0.1":
	default:
		hosts = append(hosts, host)
	}

	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, "http://"+net.JoinHostPort(h, port))
	}
	return out
}
