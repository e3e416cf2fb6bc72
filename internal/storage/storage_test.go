package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"tgcast/internal/campaign"
	logx "tgcast/pkg/logx"
)

func sampleCampaign() campaign.Campaign {
	c := campaign.Defaults("c1", "Spring sale")
	c.AccountIDs = []string{"a1", "a2"}
	c.MessageText = "hello *world*"
	d := 30
	c.DurationMinutes = &d
	c.Stats = campaign.Stats{Sent: 3, Failed: 1}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c.StartTime = &now
	c.Status = campaign.StatusRunning
	return c
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := st.LoadCampaign(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadCampaign(missing) = %v, want ErrNotFound", err)
	}

	c := sampleCampaign()
	if err := st.SaveCampaign(ctx, c); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}
	got, err := st.LoadCampaign(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadCampaign: %v", err)
	}
	if got.Title != c.Title || got.Stats != c.Stats || got.Status != c.Status || len(got.AccountIDs) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.DurationMinutes == nil || *got.DurationMinutes != 30 || got.StartTime == nil || !got.StartTime.Equal(*c.StartTime) {
		t.Fatalf("optional fields lost: %+v", got)
	}

	got.Stats.Sent = 10
	got.Status = campaign.StatusFinished
	if err := st.SaveCampaign(ctx, got); err != nil {
		t.Fatalf("SaveCampaign update: %v", err)
	}
	c2 := campaign.Defaults("c0", "first")
	if err := st.SaveCampaign(ctx, c2); err != nil {
		t.Fatal(err)
	}
	list, err := st.ListCampaigns(ctx)
	if err != nil {
		t.Fatalf("ListCampaigns: %v", err)
	}
	if len(list) != 2 || list[0].ID != "c0" || list[1].Stats.Sent != 10 {
		t.Fatalf("unexpected list %+v", list)
	}

	a := campaign.Account{ID: "a1", Name: "Main", SessionName: "main", APIID: 1, APIHash: "h",
		Proxy: &campaign.Proxy{Type: "socks5", Host: "1.2.3.4", Port: 1080}}
	if err := st.SaveAccount(ctx, a); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	ga, err := st.LoadAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	if ga.SessionName != "main" || ga.ProxyConfig() == nil || ga.ProxyConfig().Host != "1.2.3.4" {
		t.Fatalf("account mismatch: %+v", ga)
	}
	accs, err := st.ListAccounts(ctx)
	if err != nil || len(accs) != 1 {
		t.Fatalf("ListAccounts() = %v, %v", accs, err)
	}

	if err := st.AppendAudit(ctx, AuditEntry{Source: "test", Action: "start", CampaignID: "c1", RunID: "r1"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: data must survive.
	st2, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	c, err := st2.LoadCampaign(context.Background(), "c1")
	if err != nil || c.Stats.Sent != 10 {
		t.Fatalf("after reopen: %+v, %v", c, err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "audit.jsonl"))
	if err != nil || !strings.Contains(string(b), `"action":"start"`) {
		t.Fatalf("audit file: %q, %v", b, err)
	}
}

func TestFileStoreReadsExistingLayout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	raw := `{
  "abc": {
    "title": "legacy",
    "account_ids": ["x"],
    "chats_file": "chats.txt",
    "message_text": "hi",
    "min_delay": 10,
    "max_delay": 20,
    "duration_minutes": -1,
    "big_delay_minutes": null,
    "status": "stopped",
    "stats": {"sent": 4, "failed": 0, "skipped": 1, "joined": 0}
  }
}`
	if err := os.WriteFile(filepath.Join(dir, "campaigns.json"), []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	c, err := st.LoadCampaign(context.Background(), "abc")
	if err != nil {
		t.Fatalf("LoadCampaign: %v", err)
	}
	if c.ID != "abc" || !c.Indefinite() || c.Stats.Sent != 4 || c.Status != campaign.StatusStopped {
		t.Fatalf("unexpected campaign %+v", c)
	}
}

func TestFileStoreReturnsCopies(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.SaveCampaign(ctx, sampleCampaign()); err != nil {
		t.Fatal(err)
	}
	c, _ := st.LoadCampaign(ctx, "c1")
	*c.DurationMinutes = 99
	c.AccountIDs[0] = "zzz"
	again, _ := st.LoadCampaign(ctx, "c1")
	if *again.DurationMinutes != 30 || again.AccountIDs[0] != "a1" {
		t.Fatal("store leaked internal state")
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tgcast.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	pg := &sqlStore{dialect: dialectPostgres}
	if got := pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Fatalf("rebind = %q", got)
	}
	lite := &sqlStore{dialect: dialectSQLite}
	if got := lite.rebind("x = ?"); got != "x = ?" {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
}

func TestPostgresQueries(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	st := newSQLStore(db, dialectPostgres, logx.Nop())
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM campaigns WHERE id = $1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	if _, err := st.LoadCampaign(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadCampaign = %v, want ErrNotFound", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM campaigns WHERE id = $1`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"title":"t","status":"running","stats":{"sent":2}}`)))
	c, err := st.LoadCampaign(ctx, "c1")
	if err != nil || c.ID != "c1" || c.Stats.Sent != 2 {
		t.Fatalf("LoadCampaign = %+v, %v", c, err)
	}

	mock.ExpectExec(`INSERT INTO campaigns\(id, title, status, data, updated_at\) VALUES\(\$1,\$2,\$3,\$4,\$5\)`).
		WithArgs("c1", "t", "running", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))
	c.Status = campaign.StatusRunning
	if err := st.SaveCampaign(ctx, c); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("SaveCampaign error = %v", err)
	}

	mock.ExpectExec(`INSERT INTO audit`).
		WithArgs(sqlmock.AnyArg(), int64(7), nil, "telegram", "stop", "c1", nil, 0, 0, nil, int64(0), nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := st.AppendAudit(ctx, AuditEntry{ActorID: 7, Source: "telegram", Action: "stop", CampaignID: "c1"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
