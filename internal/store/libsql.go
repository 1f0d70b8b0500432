package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/sequencer/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	_, err := runMigrations(ctx, s.db)
	return err
}

// withTx runs fn inside a write transaction. The connection pool holds a
// single connection, so fn must only use tx.
func (s *LibSQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction; a write-intent
	// statement takes the write lock before any reads happen.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Sequences ---

func (s *LibSQLStore) CreateSequence(ctx context.Context, seq *Sequence) error {
	if err := checkStepOrders(seq.Steps); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertSequence(ctx, tx, seq)
	})
}

func insertSequence(ctx context.Context, q querier, seq *Sequence) error {
	if seq.ID == "" {
		seq.ID = uuid.New().String()
	}
	seq.CreatedAt = timeOrNow(seq.CreatedAt)
	seq.UpdatedAt = timeOrNow(seq.UpdatedAt)

	_, err := q.ExecContext(ctx,
		`INSERT INTO sequences (id, tenant_id, name, description, trigger_event, active, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq.ID, seq.TenantID, seq.Name, nullStr(seq.Description), string(seq.Trigger),
		boolInt(seq.Active), nullStr(seq.CreatedBy), seq.CreatedAt, seq.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "a sequence named %q already exists", seq.Name).WithCause(err)
	}
	if err != nil {
		return fmt.Errorf("insert sequence: %w", err)
	}

	for _, st := range seq.Steps {
		st.SequenceID = seq.ID
		if err := insertStep(ctx, q, st); err != nil {
			return err
		}
	}
	return nil
}

func insertStep(ctx context.Context, q querier, st *Step) error {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO steps (id, sequence_id, step_order, kind, wait_minutes, subject, body, condition, on_true, on_false)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.SequenceID, st.Order, string(st.Kind), st.WaitMinutes,
		nullStr(st.Subject), nullStr(st.Body), nullStr(st.Condition), st.OnTrue, st.OnFalse,
	)
	if err != nil {
		return fmt.Errorf("insert step %d: %w", st.Order, err)
	}
	return nil
}

const sequenceColumns = `s.id, s.tenant_id, s.name, s.description, s.trigger_event, s.active, s.created_by, s.created_at, s.updated_at, s.steps_version,
	(SELECT COUNT(*) FROM enrollments e WHERE e.sequence_id = s.id),
	(SELECT COUNT(*) FROM enrollments e WHERE e.sequence_id = s.id AND e.status = 'completed')`

func scanSequence(sc interface{ Scan(...any) error }) (*Sequence, error) {
	seq := &Sequence{}
	var (
		desc, createdBy sql.NullString
		trigger         string
		active          int
	)
	if err := sc.Scan(&seq.ID, &seq.TenantID, &seq.Name, &desc, &trigger, &active, &createdBy,
		&seq.CreatedAt, &seq.UpdatedAt, &seq.StepsVersion, &seq.EnrolledCount, &seq.CompletedCount); err != nil {
		return nil, err
	}
	seq.Description = desc.String
	seq.CreatedBy = createdBy.String
	seq.Trigger = schema.Trigger(trigger)
	seq.Active = active != 0
	return seq, nil
}

func (s *LibSQLStore) GetSequence(ctx context.Context, tenantID, id string) (*Sequence, error) {
	seq, err := scanSequence(s.db.QueryRowContext(ctx,
		`SELECT `+sequenceColumns+` FROM sequences s WHERE s.tenant_id = ? AND s.id = ?`, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, sequenceNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	seq.Steps, err = listSteps(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return seq, nil
}

func (s *LibSQLStore) ListSequences(ctx context.Context, filter SequenceFilter) ([]*Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequences s`
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "s.tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Trigger != "" {
		where = append(where, "s.trigger_event = ?")
		args = append(args, string(filter.Trigger))
	}
	if filter.ActiveOnly {
		where = append(where, "s.active = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.created_at, s.name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []*Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (s *LibSQLStore) UpdateSequence(ctx context.Context, tenantID, id string, update SequenceUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Trigger != nil {
		sets = append(sets, "trigger_event = ?")
		args = append(args, string(*update.Trigger))
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolInt(*update.Active))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), tenantID, id)

	query := fmt.Sprintf("UPDATE sequences SET %s WHERE tenant_id = ? AND id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "a sequence named %q already exists", *update.Name).WithCause(err)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sequenceNotFound(id)
	}
	return nil
}

// DeleteSequence removes a sequence with its steps, enrollments and their
// history in one transaction.
func (s *LibSQLStore) DeleteSequence(ctx context.Context, tenantID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sequences WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return sequenceNotFound(id)
		}
		for _, stmt := range []string{
			`DELETE FROM enrollment_events WHERE enrollment_id IN (SELECT id FROM enrollments WHERE sequence_id = ?)`,
			`DELETE FROM enrollments WHERE sequence_id = ?`,
			`DELETE FROM steps WHERE sequence_id = ?`,
			`DELETE FROM sequences WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete sequence %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *LibSQLStore) ListSteps(ctx context.Context, sequenceID string) ([]*Step, error) {
	return listSteps(ctx, s.db, sequenceID)
}

func listSteps(ctx context.Context, q querier, sequenceID string) ([]*Step, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, sequence_id, step_order, kind, wait_minutes, subject, body, condition, on_true, on_false
		 FROM steps WHERE sequence_id = ? ORDER BY step_order ASC`, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		st := &Step{}
		var kind string
		var subject, body, cond sql.NullString
		if err := rows.Scan(&st.ID, &st.SequenceID, &st.Order, &kind, &st.WaitMinutes,
			&subject, &body, &cond, &st.OnTrue, &st.OnFalse); err != nil {
			return nil, err
		}
		st.Kind = schema.StepKind(kind)
		st.Subject = subject.String
		st.Body = body.String
		st.Condition = cond.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ReplaceSteps rewrites the step list of a sequence. Steps carrying an
// existing ID keep it; steps without one are inserted. version is the
// StepsVersion the caller read; if the steps changed since, nothing is
// written and CONFLICT is returned. Edits are also refused while the sequence
// has an active enrollment.
func (s *LibSQLStore) ReplaceSteps(ctx context.Context, tenantID, sequenceID string, version int, steps []*Step) error {
	if err := checkStepOrders(steps); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current, active int
		err := tx.QueryRowContext(ctx,
			`SELECT steps_version, (SELECT COUNT(*) FROM enrollments WHERE sequence_id = ? AND status = 'active')
			 FROM sequences WHERE tenant_id = ? AND id = ?`, sequenceID, tenantID, sequenceID,
		).Scan(&current, &active)
		if err == sql.ErrNoRows {
			return sequenceNotFound(sequenceID)
		}
		if err != nil {
			return err
		}
		if current != version {
			return staleSteps(sequenceID, version, current)
		}
		if active > 0 {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"sequence %s has %d active enrollments; steps cannot be edited", sequenceID, active)
		}

		// Claim the version first so a concurrent writer that read the same
		// version fails here instead of overwriting.
		res, err := tx.ExecContext(ctx,
			`UPDATE sequences SET steps_version = steps_version + 1, updated_at = ?
			 WHERE id = ? AND steps_version = ?`, time.Now().UTC(), sequenceID, version)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return staleSteps(sequenceID, version, -1)
		}

		existing, err := listSteps(ctx, tx, sequenceID)
		if err != nil {
			return err
		}
		keep := make(map[string]bool, len(steps))
		for _, st := range steps {
			if st.ID != "" {
				keep[st.ID] = true
			}
		}
		known := make(map[string]bool, len(existing))
		for _, st := range existing {
			known[st.ID] = true
			if keep[st.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE enrollments SET current_step_id = NULL WHERE current_step_id = ?`, st.ID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE id = ?`, st.ID); err != nil {
				return fmt.Errorf("delete step %s: %w", st.ID, err)
			}
		}

		// Move surviving rows out of the way of the (sequence_id, step_order) key.
		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET step_order = -step_order WHERE sequence_id = ?`, sequenceID); err != nil {
			return err
		}

		for _, st := range steps {
			st.SequenceID = sequenceID
			if st.ID != "" && known[st.ID] {
				_, err := tx.ExecContext(ctx,
					`UPDATE steps SET step_order = ?, kind = ?, wait_minutes = ?, subject = ?, body = ?, condition = ?, on_true = ?, on_false = ?
					 WHERE id = ? AND sequence_id = ?`,
					st.Order, string(st.Kind), st.WaitMinutes, nullStr(st.Subject), nullStr(st.Body),
					nullStr(st.Condition), st.OnTrue, st.OnFalse, st.ID, sequenceID)
				if err != nil {
					return fmt.Errorf("update step %s: %w", st.ID, err)
				}
				continue
			}
			if st.ID != "" {
				return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found in sequence %s", st.ID, sequenceID)
			}
			if err := insertStep(ctx, tx, st); err != nil {
				return err
			}
		}
		return nil
	})
}

func staleSteps(sequenceID string, read, current int) error {
	err := schema.NewErrorf(schema.ErrCodeConflict,
		"steps of sequence %s changed since they were read (version %d); reload and retry", sequenceID, read)
	if current >= 0 {
		err = err.WithDetails(map[string]any{"read_version": read, "current_version": current})
	}
	return err
}

// ResetTenant deletes every sequence, step and enrollment of the tenant and
// inserts seqs, all in one transaction.
func (s *LibSQLStore) ResetTenant(ctx context.Context, tenantID string, seqs []*Sequence) error {
	for _, seq := range seqs {
		if err := checkStepOrders(seq.Steps); err != nil {
			return err
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM enrollment_events WHERE enrollment_id IN (SELECT id FROM enrollments WHERE tenant_id = ?)`,
			`DELETE FROM enrollments WHERE tenant_id = ?`,
			`DELETE FROM steps WHERE sequence_id IN (SELECT id FROM sequences WHERE tenant_id = ?)`,
			`DELETE FROM sequences WHERE tenant_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, tenantID); err != nil {
				return fmt.Errorf("reset tenant %s: %w", tenantID, err)
			}
		}
		for _, seq := range seqs {
			seq.TenantID = tenantID
			if err := insertSequence(ctx, tx, seq); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LibSQLStore) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM sequences WHERE tenant_id = ?),
			(SELECT COUNT(*) FROM sequences WHERE tenant_id = ? AND active = 1),
			(SELECT COUNT(*) FROM enrollments WHERE tenant_id = ?),
			(SELECT COUNT(*) FROM enrollments WHERE tenant_id = ? AND status = 'active'),
			(SELECT COUNT(*) FROM enrollments WHERE tenant_id = ? AND status = 'completed')`,
		tenantID, tenantID, tenantID, tenantID, tenantID,
	).Scan(&st.TotalSequences, &st.ActiveSequences, &st.TotalEnrollments, &st.ActiveEnrollments, &st.CompletedEnrollments)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// --- Enrollments ---

// CreateEnrollment inserts an enrollment with its initial history. The
// sequence must be active and the cursor must belong to it; a second active
// enrollment for the same recipient is a conflict.
func (s *LibSQLStore) CreateEnrollment(ctx context.Context, e *Enrollment, events []*EnrollmentEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.EnrolledAt = timeOrNow(e.EnrolledAt)
	if e.Status == schema.EnrollmentActive && e.DueAt == nil {
		return schema.NewError(schema.ErrCodeValidation, "active enrollment requires a due time")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		err := tx.QueryRowContext(ctx,
			`SELECT active FROM sequences WHERE tenant_id = ? AND id = ?`, e.TenantID, e.SequenceID).Scan(&active)
		if err == sql.ErrNoRows {
			return sequenceNotFound(e.SequenceID)
		}
		if err != nil {
			return err
		}
		if active == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "sequence %s is not active", e.SequenceID)
		}
		if e.CurrentStepID != "" {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM steps WHERE id = ? AND sequence_id = ?`, e.CurrentStepID, e.SequenceID).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return schema.NewErrorf(schema.ErrCodeConflict, "step %s no longer belongs to sequence %s", e.CurrentStepID, e.SequenceID)
			}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO enrollments (id, tenant_id, sequence_id, recipient_type, recipient_id, current_step_id, status, due_at, enrolled_at, last_executed_at, attempts, last_error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TenantID, e.SequenceID, string(e.RecipientType), e.RecipientID, nullStr(e.CurrentStepID),
			string(e.Status), nullMillis(e.DueAt), e.EnrolledAt, nullTime(e.LastExecutedAt), e.Attempts, nullStr(e.LastError),
		)
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "%s %s already has an active enrollment in sequence %s",
				e.RecipientType, e.RecipientID, e.SequenceID).WithCause(err)
		}
		if err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}
		return appendEvents(ctx, tx, e.ID, events)
	})
}

const enrollmentColumns = `id, tenant_id, sequence_id, recipient_type, recipient_id, current_step_id, status, due_at,
	enrolled_at, last_executed_at, attempts, last_error, lease_owner, lease_expires_at`

func scanEnrollment(sc interface{ Scan(...any) error }) (*Enrollment, error) {
	e := &Enrollment{}
	var (
		recipientType, status       string
		currentStep, lastErr, owner sql.NullString
		dueAt, leaseExpires         sql.NullInt64
		lastExecuted                sql.NullTime
	)
	if err := sc.Scan(&e.ID, &e.TenantID, &e.SequenceID, &recipientType, &e.RecipientID, &currentStep,
		&status, &dueAt, &e.EnrolledAt, &lastExecuted, &e.Attempts, &lastErr, &owner, &leaseExpires); err != nil {
		return nil, err
	}
	e.RecipientType = schema.RecipientType(recipientType)
	e.Status = schema.EnrollmentStatus(status)
	e.CurrentStepID = currentStep.String
	e.LastError = lastErr.String
	e.LeaseOwner = owner.String
	e.DueAt = millisOrNil(dueAt)
	e.LeaseExpiresAt = millisOrNil(leaseExpires)
	if lastExecuted.Valid {
		e.LastExecutedAt = &lastExecuted.Time
	}
	return e, nil
}

func (s *LibSQLStore) GetEnrollment(ctx context.Context, tenantID, id string) (*Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("enrollment", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *LibSQLStore) ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]*Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments`
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.SequenceID != "" {
		where = append(where, "sequence_id = ?")
		args = append(args, filter.SequenceID)
	}
	if filter.RecipientType != "" {
		where = append(where, "recipient_type = ?")
		args = append(args, string(filter.RecipientType))
	}
	if filter.RecipientID != "" {
		where = append(where, "recipient_id = ?")
		args = append(args, filter.RecipientID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY enrolled_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CancelEnrollment moves an active enrollment to cancelled and drops its
// lease. A holder of the old lease loses its claim: ConfirmClaim and
// ApplyOutcome both fail afterwards.
func (s *LibSQLStore) CancelEnrollment(ctx context.Context, tenantID, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE enrollments SET status = 'cancelled', due_at = NULL, lease_owner = NULL, lease_expires_at = NULL
			 WHERE tenant_id = ? AND id = ? AND status = 'active'`, tenantID, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT status FROM enrollments WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(&status)
			if err == sql.ErrNoRows {
				return storeNotFound("enrollment", id)
			}
			if err != nil {
				return err
			}
			return schema.NewErrorf(schema.ErrCodeConflict, "enrollment %s is already %s", id, status)
		}
		return appendEvents(ctx, tx, id, []*EnrollmentEvent{{Type: schema.EventCancelled, Timestamp: at}})
	})
}

// ClaimDue leases up to req.Limit due enrollments to req.Owner, oldest due
// first. Each claim is a conditional update; a row another dispatcher claimed
// in between affects zero rows and is skipped. Expired leases are claimable.
func (s *LibSQLStore) ClaimDue(ctx context.Context, req ClaimRequest) ([]*Enrollment, error) {
	now := req.Now.UTC().UnixMilli()
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM enrollments
		 WHERE status = 'active' AND due_at <= ? AND (lease_owner IS NULL OR lease_expires_at < ?)
		 ORDER BY due_at ASC, id ASC LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due enrollments: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expires := req.Now.Add(req.Lease).UTC().UnixMilli()
	var claimed []*Enrollment
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE enrollments SET lease_owner = ?, lease_expires_at = ?
			 WHERE id = ? AND status = 'active' AND due_at <= ? AND (lease_owner IS NULL OR lease_expires_at < ?)`,
			req.Owner, expires, id, now, now)
		if err != nil {
			return claimed, fmt.Errorf("claim enrollment %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		e, err := scanEnrollment(s.db.QueryRowContext(ctx,
			`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id))
		if err != nil {
			return claimed, fmt.Errorf("load claimed enrollment %s: %w", id, err)
		}
		claimed = append(claimed, e)
	}
	return claimed, nil
}

// ConfirmClaim verifies that owner still holds an unexpired lease on an
// active enrollment and extends it to at least now+lease. The check and the
// renewal are one conditional update, so a claim confirmed here cannot expire
// while the caller sends, as long as lease exceeds the send timeout.
func (s *LibSQLStore) ConfirmClaim(ctx context.Context, id, owner string, now time.Time, lease time.Duration) error {
	at := now.UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrollments SET lease_expires_at = MAX(lease_expires_at, ?)
		 WHERE id = ? AND status = 'active' AND lease_owner = ? AND lease_expires_at >= ?`,
		now.Add(lease).UTC().UnixMilli(), id, owner, at)
	if err != nil {
		return fmt.Errorf("confirm claim on %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM enrollments WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("enrollment", id)
	}
	if err != nil {
		return err
	}
	if schema.EnrollmentStatus(status) != schema.EnrollmentActive {
		return schema.NewErrorf(schema.ErrCodeConflict, "enrollment %s is %s", id, status)
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "lease on enrollment %s is no longer held by %s", id, owner)
}

// ApplyOutcome writes the result of an execution and releases the lease.
// The update only applies while owner still holds the lease on an active
// enrollment; otherwise it returns CONFLICT and nothing is written.
func (s *LibSQLStore) ApplyOutcome(ctx context.Context, id, owner string, tr Transition) error {
	if !schema.CanTransition(schema.EnrollmentActive, tr.Status) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot move enrollment %s to %s", id, tr.Status)
	}
	due := tr.DueAt
	current := tr.CurrentStepID
	switch tr.Status {
	case schema.EnrollmentActive:
		if due == nil || current == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "active enrollment %s requires a current step and due time", id)
		}
	case schema.EnrollmentCompleted:
		due, current = nil, ""
	default:
		due = nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE enrollments
			 SET status = ?, current_step_id = ?, due_at = ?, last_executed_at = ?, attempts = ?, last_error = ?,
			     lease_owner = NULL, lease_expires_at = NULL
			 WHERE id = ? AND status = 'active' AND lease_owner = ?`,
			string(tr.Status), nullStr(current), nullMillis(due), timeOrNow(tr.ExecutedAt),
			tr.Attempts, nullStr(tr.LastError), id, owner)
		if err != nil {
			return fmt.Errorf("apply outcome to %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return schema.NewErrorf(schema.ErrCodeConflict, "enrollment %s is no longer claimed by %s", id, owner)
		}
		return appendEvents(ctx, tx, id, tr.Events)
	})
}

// appendEvents assigns per-enrollment sequence numbers and inserts events.
func appendEvents(ctx context.Context, q querier, enrollmentID string, events []*EnrollmentEvent) error {
	if len(events) == 0 {
		return nil
	}
	var seq int64
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM enrollment_events WHERE enrollment_id = ?`, enrollmentID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next event sequence: %w", err)
	}
	for _, ev := range events {
		seq++
		ev.EnrollmentID = enrollmentID
		ev.Sequence = seq
		ev.Timestamp = timeOrNow(ev.Timestamp)
		_, err := q.ExecContext(ctx,
			`INSERT INTO enrollment_events (enrollment_id, step_id, event_type, payload, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			enrollmentID, nullStr(ev.StepID), ev.Type, nullRaw(ev.Payload), ev.Timestamp, seq)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, enrollmentID string) ([]*EnrollmentEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, enrollment_id, step_id, event_type, payload, timestamp, sequence
		 FROM enrollment_events WHERE enrollment_id = ? ORDER BY sequence ASC`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*EnrollmentEvent
	for rows.Next() {
		ev := &EnrollmentEvent{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.EnrollmentID, &stepID, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		ev.Payload = rawOrNil(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Recipients ---

func (s *LibSQLStore) GetLead(ctx context.Context, tenantID, id string) (*schema.Recipient, error) {
	return s.getRecipient(ctx, tenantID, schema.RecipientLead, id)
}

func (s *LibSQLStore) GetStudent(ctx context.Context, tenantID, id string) (*schema.Recipient, error) {
	return s.getRecipient(ctx, tenantID, schema.RecipientStudent, id)
}

func (s *LibSQLStore) getRecipient(ctx context.Context, tenantID string, typ schema.RecipientType, id string) (*schema.Recipient, error) {
	r := &schema.Recipient{TenantID: tenantID, Type: typ, ID: id}
	var first, last, email, phone, custom sql.NullString
	var optedOut int
	err := s.db.QueryRowContext(ctx,
		`SELECT first_name, last_name, email, phone, opted_out, custom FROM recipients
		 WHERE tenant_id = ? AND recipient_type = ? AND id = ?`, tenantID, string(typ), id,
	).Scan(&first, &last, &email, &phone, &optedOut, &custom)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(string(typ), id)
	}
	if err != nil {
		return nil, err
	}
	r.FirstName = first.String
	r.LastName = last.String
	r.Email = email.String
	r.Phone = phone.String
	r.OptedOut = optedOut != 0
	if custom.Valid && custom.String != "" {
		if err := json.Unmarshal([]byte(custom.String), &r.Custom); err != nil {
			return nil, fmt.Errorf("unmarshal custom fields: %w", err)
		}
	}
	return r, nil
}

func (s *LibSQLStore) UpsertRecipient(ctx context.Context, r *schema.Recipient) error {
	var custom any
	if len(r.Custom) > 0 {
		b, err := json.Marshal(r.Custom)
		if err != nil {
			return fmt.Errorf("marshal custom fields: %w", err)
		}
		custom = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients (tenant_id, recipient_type, id, first_name, last_name, email, phone, opted_out, custom, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, recipient_type, id) DO UPDATE SET
		   first_name=excluded.first_name, last_name=excluded.last_name, email=excluded.email, phone=excluded.phone,
		   opted_out=excluded.opted_out, custom=excluded.custom, updated_at=excluded.updated_at`,
		r.TenantID, string(r.Type), r.ID, nullStr(r.FirstName), nullStr(r.LastName), nullStr(r.Email),
		nullStr(r.Phone), boolInt(r.OptedOut), custom, time.Now().UTC(),
	)
	return err
}

// --- Tenant settings ---

func (s *LibSQLStore) GetTenantSettings(ctx context.Context, tenantID string) (*schema.TenantSettings, error) {
	ts := &schema.TenantSettings{TenantID: tenantID}
	var cols [10]sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT business_name, owner_name, phone, email, address, website, booking_url, ai_chat_url, industry, timezone
		 FROM tenant_settings WHERE tenant_id = ?`, tenantID,
	).Scan(&cols[0], &cols[1], &cols[2], &cols[3], &cols[4], &cols[5], &cols[6], &cols[7], &cols[8], &cols[9])
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tenant settings", tenantID)
	}
	if err != nil {
		return nil, err
	}
	ts.BusinessName = cols[0].String
	ts.OwnerName = cols[1].String
	ts.Phone = cols[2].String
	ts.Email = cols[3].String
	ts.Address = cols[4].String
	ts.Website = cols[5].String
	ts.BookingURL = cols[6].String
	ts.AIChatURL = cols[7].String
	ts.Industry = cols[8].String
	ts.Timezone = cols[9].String
	return ts, nil
}

func (s *LibSQLStore) UpsertTenantSettings(ctx context.Context, ts *schema.TenantSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_settings (tenant_id, business_name, owner_name, phone, email, address, website, booking_url, ai_chat_url, industry, timezone, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   business_name=excluded.business_name, owner_name=excluded.owner_name, phone=excluded.phone,
		   email=excluded.email, address=excluded.address, website=excluded.website, booking_url=excluded.booking_url,
		   ai_chat_url=excluded.ai_chat_url, industry=excluded.industry, timezone=excluded.timezone,
		   updated_at=excluded.updated_at`,
		ts.TenantID, nullStr(ts.BusinessName), nullStr(ts.OwnerName), nullStr(ts.Phone), nullStr(ts.Email),
		nullStr(ts.Address), nullStr(ts.Website), nullStr(ts.BookingURL), nullStr(ts.AIChatURL),
		nullStr(ts.Industry), nullStr(ts.Timezone), time.Now().UTC(),
	)
	return err
}

// TenantSettingsOrEmpty returns the tenant's settings, or an empty profile
// when none have been stored.
func TenantSettingsOrEmpty(ctx context.Context, ss SettingsStore, tenantID string) (*schema.TenantSettings, error) {
	ts, err := ss.GetTenantSettings(ctx, tenantID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return &schema.TenantSettings{TenantID: tenantID}, nil
	}
	return ts, err
}

// --- Helpers ---

// checkStepOrders enforces 1-based contiguous unique orders.
func checkStepOrders(steps []*Step) error {
	seen := make(map[int]bool, len(steps))
	for _, st := range steps {
		if st.Order < 1 || st.Order > len(steps) || seen[st.Order] {
			return schema.NewErrorf(schema.ErrCodeStepOrderConflict,
				"step orders must be unique and contiguous from 1 to %d, got %d", len(steps), st.Order)
		}
		seen[st.Order] = true
	}
	return nil
}

func storeNotFound(resource, id string) *schema.SequencerError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func sequenceNotFound(id string) *schema.SequencerError {
	return schema.NewErrorf(schema.ErrCodeSequenceNotFound, "sequence %q not found", id)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func millisOrNil(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
