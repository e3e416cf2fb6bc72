package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tgcast/internal/campaign"
	logx "tgcast/pkg/logx"
)

// fileStore keeps records in JSON maps keyed by id.
//
// Files (under the data dir):
//   - campaigns.json (id -> campaign)
//   - accounts.json  (id -> account)
//   - audit.jsonl    (append-only JSON Lines)
//
// Maps are rewritten atomically (tmp + rename) on every save.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	campaignsPath string
	accountsPath  string
	auditFile     *os.File

	campaigns map[string]campaign.Campaign
	accounts  map[string]campaign.Account
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:           log,
		campaignsPath: filepath.Join(dir, "campaigns.json"),
		accountsPath:  filepath.Join(dir, "accounts.json"),
		campaigns:     map[string]campaign.Campaign{},
		accounts:      map[string]campaign.Account{},
	}
	if err := loadMap(s.campaignsPath, &s.campaigns); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.campaignsPath, err)
	}
	if err := loadMap(s.accountsPath, &s.accounts); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.accountsPath, err)
	}
	// Older files may lack the id inside the record.
	for id, c := range s.campaigns {
		if c.ID == "" {
			c.ID = id
			s.campaigns[id] = c
		}
	}
	for id, a := range s.accounts {
		if a.ID == "" {
			a.ID = id
			s.accounts[id] = a
		}
	}

	af, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af

	log.Info("file store opened", logx.String("dir", dir), logx.Int("campaigns", len(s.campaigns)), logx.Int("accounts", len(s.accounts)))
	return s, nil
}

func loadMap[T any](path string, out *map[string]T) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	m := map[string]T{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*out = m
	return nil
}

func writeMap[T any](path string, m map[string]T) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) LoadCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return campaign.Campaign{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *fileStore) SaveCampaign(ctx context.Context, c campaign.Campaign) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("campaign id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	prev, had := s.campaigns[c.ID]
	s.campaigns[c.ID] = c.Clone()
	if err := writeMap(s.campaignsPath, s.campaigns); err != nil {
		if had {
			s.campaigns[c.ID] = prev
		} else {
			delete(s.campaigns, c.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) ListCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]campaign.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, c.Clone())
	}
	s.mu.Unlock()
	sortCampaigns(out)
	return out, nil
}

func (s *fileStore) LoadAccount(ctx context.Context, id string) (campaign.Account, error) {
	if err := ctx.Err(); err != nil {
		return campaign.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return campaign.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *fileStore) SaveAccount(ctx context.Context, a campaign.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("account id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	prev, had := s.accounts[a.ID]
	s.accounts[a.ID] = a.Clone()
	if err := writeMap(s.accountsPath, s.accounts); err != nil {
		if had {
			s.accounts[a.ID] = prev
		} else {
			delete(s.accounts, a.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) ListAccounts(ctx context.Context) ([]campaign.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]campaign.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	s.mu.Unlock()
	sortAccounts(out)
	return out, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
