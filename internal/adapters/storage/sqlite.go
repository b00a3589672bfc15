package storage

// sqlite.go: historial de pipelines.
//
// Estrategia:
//   - `pipeline_runs`: una fila por pipeline terminado (Success, Failed o Reset).
//   - `pipeline_steps`: tres filas por run, el trace tal como estaba antes del clear.
//     Un Reset guarda también los pasos abandonados (Pending con handle): pueden
//     confirmarse en el ledger después del reset.
//   - Prune automático al arrancar: runs > 30d.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/perpx/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id              TEXT PRIMARY KEY,
    market          TEXT     NOT NULL,
    side            TEXT     NOT NULL,
    collateral      TEXT     NOT NULL,
    leverage        INTEGER  NOT NULL,
    reference_price TEXT     NOT NULL,
    status          TEXT     NOT NULL,
    current_step    TEXT     NOT NULL DEFAULT '',
    error_step      TEXT     NOT NULL DEFAULT '',
    error_kind      TEXT     NOT NULL DEFAULT '',
    error_message   TEXT     NOT NULL DEFAULT '',
    started_at      DATETIME NOT NULL,
    finished_at     DATETIME
);

CREATE TABLE IF NOT EXISTS pipeline_steps (
    pipeline_id   TEXT    NOT NULL,
    position      INTEGER NOT NULL,
    step          TEXT    NOT NULL,
    status        TEXT    NOT NULL,
    handle        TEXT    NOT NULL DEFAULT '',
    amount        TEXT    NOT NULL DEFAULT '0',
    error_kind    TEXT    NOT NULL DEFAULT '',
    error_message TEXT    NOT NULL DEFAULT '',
    submitted_at  DATETIME,
    resolved_at   DATETIME,
    PRIMARY KEY (pipeline_id, step)
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON pipeline_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status  ON pipeline_runs(status);
`

const retentionRuns = 30 * 24 * time.Hour // runs: 30 días

// SQLiteStorage implementa ports.PipelineRecorder y ports.PositionStorage
// usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada,
// aplica los schemas y limpia runs antiguos.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}
	if _, err := db.Exec(positionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply positions schema: %w", err)
	}
	for _, stmt := range positionsMigrations {
		db.Exec(stmt) // ignore errors (column already exists)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

// RecordPipeline guarda un pipeline terminal y su trace de pasos.
// Re-grabar el mismo ID sobreescribe la fila anterior.
func (s *SQLiteStorage) RecordPipeline(ctx context.Context, p domain.Pipeline) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.RecordPipeline: begin tx: %w", err)
	}
	defer tx.Rollback()

	errStep, errKind, errMsg := pipelineErrorCols(p.Err)
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO pipeline_runs
			(id, market, side, collateral, leverage, reference_price, status,
			 current_step, error_step, error_kind, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.Request.Market,
		string(p.Request.Side),
		p.Request.Collateral.String(),
		p.Request.Leverage,
		p.Request.ReferencePrice.String(),
		string(p.Status),
		string(p.CurrentStep),
		errStep, errKind, errMsg,
		p.StartedAt.UTC(),
		nullTime(p.FinishedAt),
	); err != nil {
		return fmt.Errorf("storage.RecordPipeline: insert run %s: %w", p.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO pipeline_steps
			(pipeline_id, position, step, status, handle, amount,
			 error_kind, error_message, submitted_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage.RecordPipeline: prepare: %w", err)
	}
	defer stmt.Close()

	for i, r := range p.Steps {
		_, kind, msg := pipelineErrorCols(r.Err)
		if _, err := stmt.ExecContext(ctx,
			p.ID, i, string(r.Step), string(r.Status), string(r.Handle), r.Amount.String(),
			kind, msg, nullTime(r.SubmittedAt), nullTime(r.ResolvedAt),
		); err != nil {
			return fmt.Errorf("storage.RecordPipeline: insert step %s: %w", r.Step, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.RecordPipeline: commit: %w", err)
	}
	return nil
}

// GetPipelines devuelve los últimos runs, más recientes primero.
func (s *SQLiteStorage) GetPipelines(ctx context.Context, limit int) ([]domain.Pipeline, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market, side, collateral, leverage, reference_price, status,
		       current_step, error_step, error_kind, error_message, started_at, finished_at
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.GetPipelines: query: %w", err)
	}
	defer rows.Close()

	var out []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.GetPipelines: scan row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.GetPipelines: rows: %w", err)
	}

	for i := range out {
		if err := s.loadSteps(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetAbandonedSteps devuelve los pasos que quedaron Pending con handle en runs
// reseteados: operaciones que pueden haber aterrizado igualmente en el ledger.
func (s *SQLiteStorage) GetAbandonedSteps(ctx context.Context) ([]domain.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.step, st.status, st.handle, st.amount, st.submitted_at
		FROM pipeline_steps st
		JOIN pipeline_runs r ON r.id = st.pipeline_id
		WHERE r.status = ? AND st.status = ? AND st.handle <> ''
		ORDER BY st.submitted_at ASC`,
		string(domain.StatusReset), string(domain.StepPending))
	if err != nil {
		return nil, fmt.Errorf("storage.GetAbandonedSteps: query: %w", err)
	}
	defer rows.Close()

	var out []domain.StepRecord
	for rows.Next() {
		var r domain.StepRecord
		var step, status, handle, amount string
		var submitted sql.NullString
		if err := rows.Scan(&step, &status, &handle, &amount, &submitted); err != nil {
			return nil, fmt.Errorf("storage.GetAbandonedSteps: scan: %w", err)
		}
		r.Step = domain.Step(step)
		r.Status = domain.StepStatus(status)
		r.Handle = domain.OperationHandle(handle)
		r.Amount = parseDecimal(amount)
		r.SubmittedAt = parseNullTime(submitted)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PipelineStats agrega el historial por estado final y tipo de error.
type PipelineStats struct {
	Total     int
	Succeeded int
	Failed    int
	Reset     int
	ByKind    map[domain.ErrorKind]int
}

// GetPipelineStats resume todo el historial guardado.
func (s *SQLiteStorage) GetPipelineStats(ctx context.Context) (PipelineStats, error) {
	stats := PipelineStats{ByKind: make(map[domain.ErrorKind]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, error_kind, COUNT(*) FROM pipeline_runs GROUP BY status, error_kind`)
	if err != nil {
		return stats, fmt.Errorf("storage.GetPipelineStats: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, kind string
		var n int
		if err := rows.Scan(&status, &kind, &n); err != nil {
			return stats, fmt.Errorf("storage.GetPipelineStats: scan: %w", err)
		}
		stats.Total += n
		switch domain.PipelineStatus(status) {
		case domain.StatusSuccess:
			stats.Succeeded += n
		case domain.StatusFailed:
			stats.Failed += n
		case domain.StatusReset:
			stats.Reset += n
		}
		if kind != "" {
			stats.ByKind[domain.ErrorKind(kind)] += n
		}
	}
	return stats, rows.Err()
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

func (s *SQLiteStorage) loadSteps(ctx context.Context, p *domain.Pipeline) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position, step, status, handle, amount, error_kind, error_message,
		       submitted_at, resolved_at
		FROM pipeline_steps
		WHERE pipeline_id = ?
		ORDER BY position ASC`, p.ID)
	if err != nil {
		return fmt.Errorf("storage.loadSteps: query %s: %w", p.ID, err)
	}
	defer rows.Close()

	p.ClearSteps()
	for rows.Next() {
		var pos int
		var step, status, handle, amount, kind, msg string
		var submitted, resolved sql.NullString
		if err := rows.Scan(&pos, &step, &status, &handle, &amount, &kind, &msg, &submitted, &resolved); err != nil {
			return fmt.Errorf("storage.loadSteps: scan %s: %w", p.ID, err)
		}
		if pos < 0 || pos >= len(p.Steps) {
			continue
		}
		r := &p.Steps[pos]
		r.Step = domain.Step(step)
		r.Status = domain.StepStatus(status)
		r.Handle = domain.OperationHandle(handle)
		r.Amount = parseDecimal(amount)
		r.SubmittedAt = parseNullTime(submitted)
		r.ResolvedAt = parseNullTime(resolved)
		if kind != "" {
			r.Err = &domain.PipelineError{Step: r.Step, Kind: domain.ErrorKind(kind), Message: msg}
		}
	}
	return rows.Err()
}

func scanPipeline(rows *sql.Rows) (domain.Pipeline, error) {
	var p domain.Pipeline
	var side, collateral, price, status, current, errStep, errKind, errMsg string
	var started string
	var finished sql.NullString

	err := rows.Scan(
		&p.ID, &p.Request.Market, &side, &collateral, &p.Request.Leverage, &price, &status,
		&current, &errStep, &errKind, &errMsg, &started, &finished,
	)
	if err != nil {
		return p, err
	}

	p.Request.Side = domain.Side(side)
	p.Request.Collateral = parseDecimal(collateral)
	p.Request.ReferencePrice = parseDecimal(price)
	p.Status = domain.PipelineStatus(status)
	p.CurrentStep = domain.Step(current)
	if t := parseTime(started); t != nil {
		p.StartedAt = *t
	}
	p.FinishedAt = parseNullTime(finished)
	if errKind != "" {
		p.Err = &domain.PipelineError{Step: domain.Step(errStep), Kind: domain.ErrorKind(errKind), Message: errMsg}
	}
	return p, nil
}

// pruneOld elimina runs antiguos para mantener la DB ligera.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retentionRuns)
	s.db.ExecContext(ctx,
		`DELETE FROM pipeline_steps WHERE pipeline_id IN (SELECT id FROM pipeline_runs WHERE started_at < ?)`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE started_at < ?`, cutoff)
}

func pipelineErrorCols(pe *domain.PipelineError) (step, kind, msg string) {
	if pe == nil {
		return "", "", ""
	}
	return string(pe.Step), string(pe.Kind), pe.Message
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	return parseTime(ns.String)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
