package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. They win over file values so secrets can stay out
// of the config file.
const (
	EnvControlToken  = "TGCAST_CONTROL_TOKEN"
	EnvOwnerIDs      = "TGCAST_OWNER_IDS"
	EnvStorageDriver = "TGCAST_STORAGE_DRIVER"
	EnvStorageDSN    = "TGCAST_STORAGE_DSN"
	EnvHTTPAddr      = "TGCAST_HTTP_ADDR"
	EnvHTTPToken     = "TGCAST_HTTP_TOKEN"
	EnvHTTPJWTSecret = "TGCAST_HTTP_JWT_SECRET"
	EnvLogLevel      = "TGCAST_LOG_LEVEL"
	EnvSessionDir    = "TGCAST_SESSION_DIR"
)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays TGCAST_* variables onto cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvControlToken); ok {
		cfg.Control.Token = v
	}
	if v, ok := get(EnvOwnerIDs); ok {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvOwnerIDs, err)
		}
		cfg.Control.OwnerUserIDs = ids
	}
	if v, ok := get(EnvStorageDriver); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvStorageDSN); ok {
		cfg.Storage.DSN = v
	}
	if v, ok := get(EnvHTTPAddr); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := get(EnvHTTPToken); ok {
		cfg.HTTP.Token = v
	}
	if v, ok := get(EnvHTTPJWTSecret); ok {
		cfg.HTTP.JWTSecret = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvSessionDir); ok {
		cfg.Messenger.SessionDir = v
	}
	return nil
}

func parseIDList(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
