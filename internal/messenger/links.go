package messenger

import (
	"fmt"
	"strconv"
	"strings"
)

var linkHosts = []string{"https://", "http://"}

var linkDomains = []string{"t.me/", "telegram.me/", "telegram.dog/"}

// trimLink strips scheme and domain from a t.me style link. ok is false when
// s is not a link.
func trimLink(s string) (path string, ok bool) {
	s = strings.TrimSpace(s)
	for _, h := range linkHosts {
		s = strings.TrimPrefix(s, h)
	}
	s = strings.TrimPrefix(s, "www.")
	for _, d := range linkDomains {
		if strings.HasPrefix(s, d) {
			return strings.Trim(s[len(d):], "/"), true
		}
	}
	return "", false
}

// InviteHash extracts the hash of a private invite link
// ("t.me/+hash" or "t.me/joinchat/hash").
func InviteHash(destination string) (string, bool) {
	p, ok := trimLink(destination)
	if !ok {
		return "", false
	}
	var hash string
	switch {
	case strings.HasPrefix(p, "+"):
		hash = p[1:]
	case strings.HasPrefix(p, "joinchat/"):
		hash = strings.TrimPrefix(p, "joinchat/")
	default:
		return "", false
	}
	if i := strings.IndexAny(hash, "/?"); i >= 0 {
		hash = hash[:i]
	}
	return hash, hash != ""
}

// Handle returns the public username a destination refers to: "@name",
// "name" and "t.me/name" all give "name". Invite links and numeric ids give "".
func Handle(destination string) string {
	s := strings.TrimSpace(destination)
	if _, ok := InviteHash(s); ok {
		return ""
	}
	if p, ok := trimLink(s); ok {
		s = p
		if i := strings.IndexAny(s, "/?"); i >= 0 {
			s = s[:i]
		}
	}
	s = strings.TrimPrefix(s, "@")
	if s == "" {
		return ""
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ""
	}
	return s
}

// SourceLink is a parsed post link.
//
//	https://t.me/<handle>/<msg>
//	https://t.me/c/<internal id>/<msg>
//
// MessageID is 0 when the link names only the chat (meaning: latest post).
type SourceLink struct {
	Handle     string
	InternalID int64
	MessageID  int
}

// ChatID converts the internal id of a t.me/c/ link to a Bot API chat id.
func (l SourceLink) ChatID() int64 {
	if l.InternalID == 0 {
		return 0
	}
	return -1_000_000_000_000 - l.InternalID
}

func ParseSourceLink(link string) (SourceLink, error) {
	p, ok := trimLink(link)
	if !ok || p == "" {
		return SourceLink{}, fmt.Errorf("source link %q: not a t.me link", link)
	}
	if i := strings.Index(p, "?"); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(p, "/")

	var out SourceLink
	rest := parts
	if parts[0] == "c" {
		if len(parts) < 2 {
			return SourceLink{}, fmt.Errorf("source link %q: missing chat id", link)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id <= 0 {
			return SourceLink{}, fmt.Errorf("source link %q: invalid chat id", link)
		}
		out.InternalID = id
		rest = parts[2:]
	} else {
		out.Handle = strings.TrimPrefix(parts[0], "@")
		rest = parts[1:]
	}

	if len(rest) > 0 && rest[len(rest)-1] != "" {
		// Topic links carry the thread id first; the post id is always last.
		last := rest[len(rest)-1]
		if n, err := strconv.Atoi(last); err == nil && n > 0 {
			out.MessageID = n
		} else {
			return SourceLink{}, fmt.Errorf("source link %q: invalid message id", link)
		}
	}
	return out, nil
}
