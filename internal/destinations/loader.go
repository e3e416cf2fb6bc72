// Package destinations reads the per-campaign chat lists.
//
// Format: one destination per line, '#' starts a comment line, and an optional
// supplement follows the first " - " separator:
//
//	@somegroup
//	# paused for now
//	https://t.me/+AbCdEf - extra line for this chat
package destinations

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"tgcast/pkg/logx"
)

const separator = " - "

// Entry is one destination line.
type Entry struct {
	Destination string
	Supplement  string
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Load returns the entries of path in file order. A missing or unreadable file
// is logged and yields an empty list.
func Load(path string, log logx.Logger) []Entry {
	entries, err := Read(path)
	if err != nil {
		log.Error("load destinations failed", logx.String("path", path), logx.Err(err))
		return nil
	}
	return entries
}

// Read is Load without the logging.
func Read(path string) ([]Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("destinations file not found: %w", err)
		}
		return nil, err
	}
	text, err := decode(b)
	if err != nil {
		return nil, err
	}
	return Parse(text), nil
}

// Parse splits already-decoded text into entries. Lines have no length cap.
func Parse(text string) []Entry {
	var out []Entry
	r := bufio.NewReader(strings.NewReader(text))
	for {
		raw, err := r.ReadString('\n')
		if e, ok := parseLine(raw); ok {
			out = append(out, e)
		}
		if err != nil {
			// strings.Reader only ever reports io.EOF.
			return out
		}
	}
}

func parseLine(raw string) (Entry, bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return Entry{}, false
	}
	e := Entry{Destination: line}
	if i := strings.Index(line, separator); i >= 0 {
		e.Destination = strings.TrimSpace(line[:i])
		e.Supplement = strings.TrimSpace(line[i+len(separator):])
	}
	return e, e.Destination != ""
}

// decode accepts UTF-8 (with or without BOM) and falls back to Windows-1251,
// which is what chat lists exported on Russian-locale Windows use.
func decode(b []byte) (string, error) {
	b = bytes.TrimPrefix(b, utf8BOM)
	if utf8.Valid(b) {
		return string(b), nil
	}
	out, err := charmap.Windows1251.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode destinations: %w", err)
	}
	return string(out), nil
}
