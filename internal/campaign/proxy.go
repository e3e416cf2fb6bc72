package campaign

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const defaultProxyPort = 1080

// Proxy is an account's outbound proxy. Type defaults to socks5.
type Proxy struct {
	Type     string `json:"proxy_type"`
	Host     string `json:"addr" validate:"required"`
	Port     int    `json:"port" validate:"gt=0,lte=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ParseProxy parses "login:password@host:port", "login@host" or "host:port".
// An empty string yields (nil, nil).
func ParseProxy(raw string) (*Proxy, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}

	p := &Proxy{Type: "socks5"}
	addr := s
	if at := strings.Index(s, "@"); at >= 0 {
		auth := s[:at]
		addr = s[at+1:]
		if i := strings.Index(auth, ":"); i >= 0 {
			p.Username, p.Password = strings.TrimSpace(auth[:i]), strings.TrimSpace(auth[i+1:])
		} else {
			p.Username = strings.TrimSpace(auth)
		}
		if !strings.Contains(addr, ":") {
			p.Host = strings.TrimSpace(addr)
			p.Port = defaultProxyPort
			return p.validated(raw)
		}
	} else if !strings.Contains(s, ":") {
		return nil, fmt.Errorf("proxy %q: expected host:port", raw)
	}

	i := strings.LastIndex(addr, ":")
	port, err := strconv.Atoi(strings.TrimSpace(addr[i+1:]))
	if err != nil {
		return nil, fmt.Errorf("proxy %q: invalid port: %w", raw, err)
	}
	p.Host = strings.TrimSpace(addr[:i])
	p.Port = port
	return p.validated(raw)
}

func (p *Proxy) validated(raw string) (*Proxy, error) {
	if p.Host == "" {
		return nil, fmt.Errorf("proxy %q: empty host", raw)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return nil, fmt.Errorf("proxy %q: port out of range", raw)
	}
	return p, nil
}

// URL renders the proxy as a URL usable with http.ProxyURL.
func (p *Proxy) URL() *url.URL {
	if p == nil {
		return nil
	}
	scheme := strings.ToLower(strings.TrimSpace(p.Type))
	if scheme == "" {
		scheme = "socks5"
	}
	u := &url.URL{Scheme: scheme, Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
	if p.Username != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u
}

// String never includes the password.
func (p *Proxy) String() string {
	if p == nil {
		return ""
	}
	if p.Username != "" {
		return p.Username + "@" + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// UnmarshalJSON accepts the object form as well as the compact string form.
func (p *Proxy) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseProxy(s)
		if err != nil {
			return err
		}
		if parsed == nil {
			*p = Proxy{}
			return nil
		}
		*p = *parsed
		return nil
	}

	type plain Proxy
	var v struct {
		plain
		Host string `json:"host"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Proxy(v.plain)
	if p.Host == "" {
		p.Host = v.Host
	}
	if p.Type == "" {
		p.Type = "socks5"
	}
	return nil
}
