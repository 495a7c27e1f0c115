package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bobuhiro11/mcheck/mca"
	"github.com/bobuhiro11/mcheck/mce"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for an unknown report id.
var ErrNotFound = errors.New("report not found")

const busyTimeoutMS = 5000

// Store keeps committed reports in sqlite so they outlive a reset.
type Store struct {
	db *sql.DB
}

func normalizeDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}

	if path == ":memory:" {
		return "file::memory:"
	}

	return "file:" + path + "?mode=rwc"
}

// Open opens or creates the store at path and migrates it.
func Open(path string) (*Store, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", normalizeDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if err := RetryWithBackoff(func() error {
			_, err := db.ExecContext(context.Background(), pragma)

			return err
		}); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if err := RetryWithBackoff(func() error { return RunMigrations(db) }); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// sqlite integers are signed; registers are stored bit for bit.
func i64(v uint64) int64 { return int64(v) }

// Commit stores r.
func (s *Store) Commit(ctx context.Context, r *mca.Report) error {
	return RetryWithBackoff(func() error {
		return s.commit(ctx, r)
	})
}

func (s *Store) commit(ctx context.Context, r *mca.Report) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO reports (id, cpu, source, mcg_status, incomplete, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Global.CPU, int(r.Source), i64(r.Global.MCGStatus), r.Incomplete, r.Time.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert report %s: %w", r.ID, err)
	}

	for i, b := range r.Banks {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO bank_records (report_id, seq, bank, cpu, owner, status, addr, misc, mcg_status, dom_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID.String(), i, b.Bank, b.CPU, b.Owner, i64(uint64(b.Status)), i64(b.Addr), i64(uint64(b.Misc)),
			i64(b.MCGStatus), int(b.DomID),
		); err != nil {
			return fmt.Errorf("insert bank record: %w", err)
		}
	}

	for i, a := range r.Actions {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO actions (report_id, seq, bank, kind, mfn, offline_status) VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID.String(), i, a.Bank, int(a.Kind), i64(a.MFN), int64(a.Status),
		); err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
	}

	for i, e := range r.Extended {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO extended_msrs (report_id, seq, reg, value) VALUES (?, ?, ?, ?)`,
			r.ID.String(), i, int64(e.Reg), i64(e.Value),
		); err != nil {
			return fmt.Errorf("insert extended msr: %w", err)
		}
	}

	return tx.Commit()
}

// Entry is one line of List.
type Entry struct {
	ID         uuid.UUID
	Time       time.Time
	CPU        int
	Source     mce.Source
	Banks      int
	Actions    int
	Incomplete bool
}

// List returns the newest reports first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.created_at, r.cpu, r.source, r.incomplete,
		       (SELECT COUNT(*) FROM bank_records b WHERE b.report_id = r.id),
		       (SELECT COUNT(*) FROM actions a WHERE a.report_id = r.id)
		FROM reports r
		ORDER BY r.created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry

	for rows.Next() {
		var (
			e      Entry
			id     string
			nanos  int64
			source int
		)

		if err := rows.Scan(&id, &nanos, &e.CPU, &source, &e.Incomplete, &e.Banks, &e.Actions); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}

		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("report id %q: %w", id, err)
		}

		e.Time = time.Unix(0, nanos)
		e.Source = mce.Source(source)
		out = append(out, e)
	}

	return out, rows.Err()
}

// Get loads a full report.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*mca.Report, error) {
	var (
		cpu, source int
		gstatus     int64
		incomplete  bool
		nanos       int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT cpu, source, mcg_status, incomplete, created_at FROM reports WHERE id = ?`, id.String(),
	).Scan(&cpu, &source, &gstatus, &incomplete, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("get report %s: %w", id, err)
	}

	r := mca.NewReport(mce.Source(source), cpu, 0)
	r.ID = id
	r.Time = time.Unix(0, nanos)
	r.Global.MCGStatus = uint64(gstatus)
	r.Incomplete = incomplete

	if err := s.loadBanks(ctx, r); err != nil {
		return nil, err
	}

	if err := s.loadActions(ctx, r); err != nil {
		return nil, err
	}

	if err := s.loadExtended(ctx, r); err != nil {
		return nil, err
	}

	return r, nil
}

func (s *Store) loadBanks(ctx context.Context, r *mca.Report) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bank, cpu, owner, status, addr, misc, mcg_status, dom_id
		 FROM bank_records WHERE report_id = ? ORDER BY seq`, r.ID.String())
	if err != nil {
		return fmt.Errorf("load banks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			o                           mce.Observation
			status, addr, misc, gstatus int64
			dom                         int
		)

		if err := rows.Scan(&o.Bank, &o.CPU, &o.Owner, &status, &addr, &misc, &gstatus, &dom); err != nil {
			return fmt.Errorf("scan bank: %w", err)
		}

		o.Status = mce.Status(uint64(status))
		o.Addr = uint64(addr)
		o.Misc = mce.Misc(uint64(misc))
		o.MCGStatus = uint64(gstatus)
		o.DomID = uint16(dom)
		r.Banks = append(r.Banks, o)
	}

	return rows.Err()
}

func (s *Store) loadActions(ctx context.Context, r *mca.Report) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bank, kind, mfn, offline_status FROM actions WHERE report_id = ? ORDER BY seq`, r.ID.String())
	if err != nil {
		return fmt.Errorf("load actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			a         mce.Action
			kind      int
			mfn, stat int64
		)

		if err := rows.Scan(&a.Bank, &kind, &mfn, &stat); err != nil {
			return fmt.Errorf("scan action: %w", err)
		}

		a.Kind = mce.ActionKind(kind)
		a.MFN = uint64(mfn)
		a.Status = mce.OfflineStatus(stat)
		r.Actions = append(r.Actions, a)
	}

	return rows.Err()
}

func (s *Store) loadExtended(ctx context.Context, r *mca.Report) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reg, value FROM extended_msrs WHERE report_id = ? ORDER BY seq`, r.ID.String())
	if err != nil {
		return fmt.Errorf("load extended: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var reg, val int64

		if err := rows.Scan(&reg, &val); err != nil {
			return fmt.Errorf("scan extended: %w", err)
		}

		r.Extended = append(r.Extended, mca.Register{Reg: uint32(reg), Value: uint64(val)})
	}

	return rows.Err()
}
