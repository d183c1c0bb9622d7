package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/core"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var _ Store = (*SQLStore)(nil)

// SQLStore persists state through database/sql, backed by SQLite or
// PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQL opens the database and applies pending migrations. driver is
// "sqlite" or "postgres".
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite":
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	case "postgres":
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("store: unknown sql driver %q", driver)
	}

	s := &SQLStore{db: db, dialect: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return err
	}
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var n int
		if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`), file).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if err := s.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) applyMigration(ctx context.Context, file string) error {
	body, err := migrationFiles.ReadFile("migrations/" + file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(string(body), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), file, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const runnerColumns = `id, external_id, name, labels, ephemeral, disable_update, runner_group_id, owner, group_name, subject, method, status, credential, credential_expires_at, compliance, labels_digest, created_at, updated_at, registered_at, last_seen_at, deleted_at, version`

func (s *SQLStore) CreateRunner(ctx context.Context, r *core.Runner) error {
	labels, err := json.Marshal(nonNil(r.Labels))
	if err != nil {
		return err
	}
	r.Version = 1
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO runners (`+runnerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		r.ID, nullInt64(r.ExternalID), r.Name, string(labels), r.Ephemeral, r.DisableUpdate, r.RunnerGroupID,
		r.Owner, r.Group, r.Subject.String(), string(r.Method), string(r.Status), r.Credential,
		nullMillis(r.CredentialExpiresAt), string(r.Compliance), r.LabelsDigest,
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
		nullMillis(r.RegisteredAt), nullMillis(r.LastSeenAt), nullMillis(r.DeletedAt), r.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameConflict
		}
		return err
	}
	return nil
}

func (s *SQLStore) GetRunner(ctx context.Context, id string) (*core.Runner, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runnerColumns+` FROM runners WHERE id = ?`), id)
	return scanRunner(row)
}

func (s *SQLStore) GetLiveRunnerByName(ctx context.Context, name string) (*core.Runner, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runnerColumns+` FROM runners WHERE name = ? AND status <> 'deleted'`), name)
	return scanRunner(row)
}

func (s *SQLStore) ListRunners(ctx context.Context, filter core.RunnerFilter) ([]*core.Runner, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	} else if !filter.IncludeDeleted {
		where = append(where, "status <> 'deleted'")
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Subject != nil {
		where = append(where, "subject = ?")
		args = append(args, filter.Subject.String())
	}
	if filter.Ephemeral != nil {
		where = append(where, "ephemeral = ?")
		args = append(args, *filter.Ephemeral)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM runners`+clause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	query := `SELECT ` + runnerColumns + ` FROM runners` + clause +
		` ORDER BY created_at DESC, id ASC LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(filter.Offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*core.Runner{}
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *SQLStore) CountLiveRunners(ctx context.Context, subject core.Subject) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM runners WHERE subject = ? AND status <> 'deleted'`), subject.String()).Scan(&n)
	return n, err
}

func (s *SQLStore) UpdateRunner(ctx context.Context, r *core.Runner, expectedVersion int64) error {
	labels, err := json.Marshal(nonNil(r.Labels))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE runners SET
		external_id = ?, name = ?, labels = ?, ephemeral = ?, disable_update = ?, runner_group_id = ?,
		owner = ?, group_name = ?, subject = ?, method = ?, status = ?, credential = ?,
		credential_expires_at = ?, compliance = ?, labels_digest = ?, updated_at = ?,
		registered_at = ?, last_seen_at = ?, deleted_at = ?, version = version + 1
		WHERE id = ? AND version = ?`),
		nullInt64(r.ExternalID), r.Name, string(labels), r.Ephemeral, r.DisableUpdate, r.RunnerGroupID,
		r.Owner, r.Group, r.Subject.String(), string(r.Method), string(r.Status), r.Credential,
		nullMillis(r.CredentialExpiresAt), string(r.Compliance), r.LabelsDigest, r.UpdatedAt.UnixMilli(),
		nullMillis(r.RegisteredAt), nullMillis(r.LastSeenAt), nullMillis(r.DeletedAt),
		r.ID, expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameConflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRunner(ctx, r.ID); err != nil {
			return err
		}
		return ErrStale
	}
	r.Version = expectedVersion + 1
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRunner(row scanner) (*core.Runner, error) {
	var (
		r                                      core.Runner
		externalID                             sql.NullInt64
		labels, subject, method, status, compl string
		credExp, registered, lastSeen, deleted sql.NullInt64
		created, updated                       int64
	)
	err := row.Scan(&r.ID, &externalID, &r.Name, &labels, &r.Ephemeral, &r.DisableUpdate, &r.RunnerGroupID,
		&r.Owner, &r.Group, &subject, &method, &status, &r.Credential, &credExp, &compl, &r.LabelsDigest,
		&created, &updated, &registered, &lastSeen, &deleted, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
		return nil, fmt.Errorf("decode labels of runner %s: %w", r.ID, err)
	}
	if r.Subject, err = core.ParseSubject(subject); err != nil {
		return nil, err
	}
	if externalID.Valid {
		v := externalID.Int64
		r.ExternalID = &v
	}
	r.Method = core.Method(method)
	r.Status = core.Status(status)
	r.Compliance = core.Compliance(compl)
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	r.CredentialExpiresAt = fromMillis(credExp)
	r.RegisteredAt = fromMillis(registered)
	r.LastSeenAt = fromMillis(lastSeen)
	r.DeletedAt = fromMillis(deleted)
	return &r, nil
}

func (s *SQLStore) GetPolicy(ctx context.Context, subject core.Subject) (*core.PolicyRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT subject, required_labels, optional_patterns, max_runners, active, inactive_reason, created_at, updated_at FROM policies WHERE subject = ?`), subject.String())
	return scanPolicy(row)
}

func (s *SQLStore) PutPolicy(ctx context.Context, p *core.PolicyRecord) error {
	required, err := json.Marshal(nonNil(p.RequiredLabels))
	if err != nil {
		return err
	}
	optional, err := json.Marshal(nonNil(p.OptionalPatterns))
	if err != nil {
		return err
	}
	var maxRunners sql.NullInt64
	if p.MaxRunners != nil {
		maxRunners = sql.NullInt64{Int64: int64(*p.MaxRunners), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO policies (subject, required_labels, optional_patterns, max_runners, active, inactive_reason, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (subject) DO UPDATE SET
			required_labels = excluded.required_labels,
			optional_patterns = excluded.optional_patterns,
			max_runners = excluded.max_runners,
			active = excluded.active,
			inactive_reason = excluded.inactive_reason,
			updated_at = excluded.updated_at`),
		p.Subject.String(), string(required), string(optional), maxRunners, p.Active, p.InactiveReason,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLStore) DeletePolicy(ctx context.Context, subject core.Subject) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM policies WHERE subject = ?`), subject.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListPolicies(ctx context.Context) ([]*core.PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject, required_labels, optional_patterns, max_runners, active, inactive_reason, created_at, updated_at FROM policies ORDER BY subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*core.PolicyRecord{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row scanner) (*core.PolicyRecord, error) {
	var (
		p                           core.PolicyRecord
		subject, required, optional string
		maxRunners                  sql.NullInt64
		created, updated            int64
	)
	err := row.Scan(&subject, &required, &optional, &maxRunners, &p.Active, &p.InactiveReason, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.Subject, err = core.ParseSubject(subject); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(required), &p.RequiredLabels); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(optional), &p.OptionalPatterns); err != nil {
		return nil, err
	}
	if maxRunners.Valid {
		v := int(maxRunners.Int64)
		p.MaxRunners = &v
	}
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return &p, nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, e *core.SecurityEvent) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO security_events (id, kind, severity, subject, identity, runner_id, runner_name, detail, action, created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		e.ID, string(e.Kind), string(e.Severity), e.Subject.String(), e.Identity, e.RunnerID, e.RunnerName,
		string(detail), string(e.Action), e.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLStore) ListEvents(ctx context.Context, filter core.EventFilter) ([]*core.SecurityEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Subject != nil {
		where = append(where, "subject = ?")
		args = append(args, filter.Subject.String())
	}
	if filter.RunnerID != "" {
		where = append(where, "runner_id = ?")
		args = append(args, filter.RunnerID)
	}
	query := `SELECT id, kind, severity, subject, identity, runner_id, runner_name, detail, action, created_at FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*core.SecurityEvent{}
	for rows.Next() {
		var (
			e                                       core.SecurityEvent
			kind, severity, subject, detail, action string
			created                                 int64
		)
		if err := rows.Scan(&e.ID, &kind, &severity, &subject, &e.Identity, &e.RunnerID, &e.RunnerName, &detail, &action, &created); err != nil {
			return nil, err
		}
		if e.Subject, err = core.ParseSubject(subject); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, err
		}
		e.Kind = core.EventKind(kind)
		e.Severity = core.Severity(severity)
		e.Action = core.Action(action)
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

const accountColumns = `id, email, display_name, is_admin, is_active, can_use_registration_token, can_use_jit, disabled_reason, created_by, created_at, updated_at, last_login_at`

func (s *SQLStore) GetAccount(ctx context.Context, id string) (*core.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	return scanAccount(row)
}

func (s *SQLStore) CreateAccount(ctx context.Context, a *core.Account) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO accounts (`+accountColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		a.ID, a.Email, a.DisplayName, a.Admin, a.Active, a.CanUseRegistrationToken, a.CanUseJIT,
		a.DisabledReason, a.CreatedBy, a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(), nullMillis(a.LastLoginAt),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrExists
	}
	return err
}

func (s *SQLStore) UpdateAccount(ctx context.Context, a *core.Account) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE accounts SET
		email = ?, display_name = ?, is_admin = ?, is_active = ?, can_use_registration_token = ?,
		can_use_jit = ?, disabled_reason = ?, updated_at = ?
		WHERE id = ?`),
		a.Email, a.DisplayName, a.Admin, a.Active, a.CanUseRegistrationToken,
		a.CanUseJIT, a.DisabledReason, a.UpdatedAt.UnixMilli(), a.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListAccounts(ctx context.Context, limit, offset int) ([]*core.Account, int, error) {
	total, err := s.CountAccounts(ctx)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id LIMIT `+strconv.Itoa(limit)+` OFFSET `+strconv.Itoa(offset))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := []*core.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (s *SQLStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

func (s *SQLStore) TouchAccountLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE accounts SET last_login_at = ? WHERE id = ?`), at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row scanner) (*core.Account, error) {
	var (
		a                core.Account
		created, updated int64
		lastLogin        sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.Admin, &a.Active, &a.CanUseRegistrationToken, &a.CanUseJIT,
		&a.DisabledReason, &a.CreatedBy, &created, &updated, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	a.LastLoginAt = fromMillis(lastLogin)
	return &a, nil
}

func (s *SQLStore) AppendAudit(ctx context.Context, e *core.AuditEntry) error {
	data := []byte("{}")
	if len(e.Data) > 0 {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO audit_log (id, kind, identity, runner_id, runner_name, request_ip, user_agent, data, success, error, created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		e.ID, string(e.Kind), e.Identity, e.RunnerID, e.RunnerName, e.RequestIP, e.UserAgent,
		string(data), e.Success, e.Error, e.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLStore) ListAudit(ctx context.Context, filter core.AuditFilter) ([]*core.AuditEntry, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, filter.Identity)
	}
	if filter.RunnerID != "" {
		where = append(where, "runner_id = ?")
		args = append(args, filter.RunnerID)
	}
	if filter.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *filter.Success)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM audit_log`+clause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT id, kind, identity, runner_id, runner_name, request_ip, user_agent, data, success, error, created_at FROM audit_log` +
		clause + ` ORDER BY created_at DESC, id DESC LIMIT ` + strconv.Itoa(limit) + ` OFFSET ` + strconv.Itoa(filter.Offset)
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*core.AuditEntry{}
	for rows.Next() {
		var (
			e          core.AuditEntry
			kind, data string
			created    int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Identity, &e.RunnerID, &e.RunnerName, &e.RequestIP, &e.UserAgent, &data, &e.Success, &e.Error, &created); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, 0, fmt.Errorf("decode audit entry %s: %w", e.ID, err)
		}
		if len(e.Data) == 0 {
			e.Data = nil
		}
		e.Kind = core.AuditKind(kind)
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
