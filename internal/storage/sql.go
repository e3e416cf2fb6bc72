package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"tgcast/internal/campaign"
	logx "tgcast/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// sqlStore keeps each record as a JSON document next to a few columns that
// are useful for ad-hoc queries (title, status). Queries are written with '?'
// placeholders and rebound for postgres.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, dialectSQLite, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	st := newSQLStore(db, dialectPostgres, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("postgres store opened")
	return st, nil
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, dialect: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + string(s.dialect) + ".sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate %s: %w", s.dialect, err)
	}
	return nil
}

// rebind turns '?' placeholders into $n for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// ts formats timestamps for the dialect: RFC3339 text for sqlite,
// native time for postgres.
func (s *sqlStore) ts(t time.Time) any {
	if s.dialect == dialectSQLite {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) LoadCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM campaigns WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return campaign.Campaign{}, err
	}
	var c campaign.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return campaign.Campaign{}, fmt.Errorf("decode campaign %s: %w", id, err)
	}
	if c.ID == "" {
		c.ID = id
	}
	return c, nil
}

func (s *sqlStore) SaveCampaign(ctx context.Context, c campaign.Campaign) error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("campaign id is empty")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO campaigns(id, title, status, data, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, status=excluded.status, data=excluded.data, updated_at=excluded.updated_at`),
		c.ID, c.Title, string(c.Status), string(data), s.ts(time.Now()),
	)
	return err
}

func (s *sqlStore) ListCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var c campaign.Campaign
		if err := json.Unmarshal(data, &c); err != nil {
			s.log.Warn("skipping undecodable campaign", logx.String("campaign", id), logx.Err(err))
			continue
		}
		if c.ID == "" {
			c.ID = id
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) LoadAccount(ctx context.Context, id string) (campaign.Account, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM accounts WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return campaign.Account{}, err
	}
	var a campaign.Account
	if err := json.Unmarshal(data, &a); err != nil {
		return campaign.Account{}, fmt.Errorf("decode account %s: %w", id, err)
	}
	if a.ID == "" {
		a.ID = id
	}
	return a, nil
}

func (s *sqlStore) SaveAccount(ctx context.Context, a campaign.Account) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("account id is empty")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO accounts(id, name, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, data=excluded.data, updated_at=excluded.updated_at`),
		a.ID, a.Name, string(data), s.ts(time.Now()),
	)
	return err
}

func (s *sqlStore) ListAccounts(ctx context.Context) ([]campaign.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Account
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var a campaign.Account
		if err := json.Unmarshal(data, &a); err != nil {
			s.log.Warn("skipping undecodable account", logx.String("account", id), logx.Err(err))
			continue
		}
		if a.ID == "" {
			a.ID = id
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO audit(at, actor_id, actor_username, source, action, campaign_id, run_id, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`),
		s.ts(e.At), e.ActorID, nullStr(e.ActorUsername), e.Source, e.Action, e.CampaignID,
		nullStr(e.RunID), e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
