package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/consensusd/internal/operation"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("consensusd.history")

// candidateLimit caps the rows scored by FindSimilarOperations.
const candidateLimit = 1000

const schema = `
CREATE TABLE IF NOT EXISTS operations (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    path TEXT NOT NULL,
    extension TEXT NOT NULL DEFAULT '',
    directory TEXT NOT NULL DEFAULT '',
    repository_root TEXT NOT NULL DEFAULT '',
    operation_json TEXT NOT NULL,
    context_json TEXT NOT NULL,
    details_json TEXT NOT NULL,
    analysis_json TEXT,
    confidence REAL,
    risk REAL,
    auto_executed INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_kind ON operations(kind);
CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at);

CREATE TABLE IF NOT EXISTS outcomes (
    operation_id TEXT PRIMARY KEY,
    success INTEGER NOT NULL,
    rollback_required INTEGER NOT NULL,
    outcome_json TEXT NOT NULL,
    recorded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback (
    operation_id TEXT PRIMARY KEY,
    satisfaction REAL NOT NULL,
    helpful INTEGER NOT NULL,
    comment TEXT NOT NULL DEFAULT '',
    recorded_at INTEGER NOT NULL
);
`

const selectRecord = `
SELECT o.id, o.operation_json, o.context_json, o.details_json, o.analysis_json,
       o.auto_executed, o.created_at, o.updated_at,
       oc.outcome_json, f.satisfaction, f.helpful, f.comment, f.recorded_at
FROM operations o
LEFT JOIN outcomes oc ON oc.operation_id = o.id
LEFT JOIN feedback f ON f.operation_id = o.id`

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	Path     string        `koanf:"path" json:"path"`
	StatsTTL time.Duration `koanf:"stats_ttl" json:"stats_ttl"`
}

// SQLiteStore is a durable Store backed by SQLite. Outcomes and feedback
// live in their own tables keyed by operation id, so they can be written
// before the operation itself.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
	stats   *statsCache
	logger  *zap.Logger
	now     func() time.Time
}

// NewSQLiteStore opens (or creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrPersistence)
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("%w: creating directory: %v", ErrPersistence, err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrPersistence, err)
	}
	// One connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("sqlite pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}

	return &SQLiteStore{
		db:     db,
		stats:  newStatsCache(cfg.StatsTTL),
		logger: logger.Named("history"),
		now:    time.Now,
	}, nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, rec *Record) (string, error) {
	ctx, span := tracer.Start(ctx, "history.Record")
	defer span.End()

	if rec == nil {
		return "", fmt.Errorf("%w: nil record", ErrPersistence)
	}
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Details = operation.DetailsOf(cp.Operation)
	span.SetAttributes(attribute.String("operation.id", cp.ID))

	opJSON, err := json.Marshal(cp.Operation)
	if err != nil {
		return "", s.fail(span, "marshal operation", err)
	}
	ctxJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return "", s.fail(span, "marshal context", err)
	}
	detailsJSON, err := json.Marshal(cp.Details)
	if err != nil {
		return "", s.fail(span, "marshal details", err)
	}
	var analysisJSON sql.NullString
	var confidence, risk sql.NullFloat64
	if cp.Analysis != nil {
		b, err := json.Marshal(cp.Analysis)
		if err != nil {
			return "", s.fail(span, "marshal analysis", err)
		}
		analysisJSON = sql.NullString{String: string(b), Valid: true}
		confidence = sql.NullFloat64{Float64: cp.Analysis.Unified.Confidence, Valid: true}
		risk = sql.NullFloat64{Float64: cp.Analysis.Unified.Risk, Valid: true}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", s.fail(span, "begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO operations
  (id, kind, path, extension, directory, repository_root, operation_json, context_json,
   details_json, analysis_json, confidence, risk, auto_executed, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, string(cp.Operation.Kind), cp.Operation.Path, cp.Details.Extension, cp.Details.Directory,
		cp.Context.RepositoryRoot, string(opJSON), string(ctxJSON), string(detailsJSON), analysisJSON,
		confidence, risk, boolInt(cp.AutoExecuted), cp.CreatedAt.UnixNano(), cp.UpdatedAt.UnixNano())
	if err != nil {
		return "", s.fail(span, "insert operation", err)
	}
	if cp.Outcome != nil {
		if err := upsertOutcome(ctx, tx, cp.ID, *cp.Outcome, now); err != nil {
			return "", s.fail(span, "insert outcome", err)
		}
	}
	if cp.Feedback != nil {
		if err := upsertFeedback(ctx, tx, cp.ID, *cp.Feedback); err != nil {
			return "", s.fail(span, "insert feedback", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", s.fail(span, "commit", err)
	}

	s.stats.invalidate()
	return cp.ID, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	recs, err := s.query(ctx, selectRecord+` WHERE o.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return recs[0], nil
}

// FindSimilarOperations implements Store. Candidates share at least one
// indexed feature with op; they are then scored in process.
func (s *SQLiteStore) FindSimilarOperations(ctx context.Context, op operation.FileOperation, octx operation.Context, limit int) ([]Similar, error) {
	return s.findSimilar(ctx, op, octx, limit, false)
}

// FindSimilarOutcomes implements Store.
func (s *SQLiteStore) FindSimilarOutcomes(ctx context.Context, op operation.FileOperation, octx operation.Context, limit int) ([]Similar, error) {
	return s.findSimilar(ctx, op, octx, limit, true)
}

func (s *SQLiteStore) findSimilar(ctx context.Context, op operation.FileOperation, octx operation.Context, limit int, withOutcome bool) ([]Similar, error) {
	ctx, span := tracer.Start(ctx, "history.FindSimilar")
	defer span.End()
	span.SetAttributes(attribute.Bool("with_outcome", withOutcome))

	outcomeClause := ""
	if withOutcome {
		outcomeClause = "\n  AND oc.operation_id IS NOT NULL"
	}

	d := operation.DetailsOf(op)
	recs, err := s.query(ctx, selectRecord+`
WHERE (o.kind = ? OR (o.extension != '' AND o.extension = ?) OR o.directory = ?
   OR (o.repository_root != '' AND o.repository_root = ?))`+outcomeClause+`
ORDER BY o.created_at DESC
LIMIT ?`, string(op.Kind), d.Extension, d.Directory, octx.RepositoryRoot, candidateLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	similar := rankSimilar(op, octx, recs, limit)
	span.SetAttributes(
		attribute.Int("candidates", len(recs)),
		attribute.Int("results", len(similar)),
	)
	return similar, nil
}

// UpdateOutcome implements Store.
func (s *SQLiteStore) UpdateOutcome(ctx context.Context, id string, outcome operation.Outcome) error {
	if id == "" {
		return ErrEmptyID
	}
	now := s.now()
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = now
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertOutcome(ctx, tx, id, outcome, now); err != nil {
		return fmt.Errorf("%w: update outcome: %v", ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE operations SET updated_at = ? WHERE id = ?`, now.UnixNano(), id); err != nil {
		return fmt.Errorf("%w: touch operation: %v", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}

	s.stats.invalidate()
	return nil
}

// AddUserFeedback implements Store.
func (s *SQLiteStore) AddUserFeedback(ctx context.Context, id string, satisfaction float64, helpful bool, comment string) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := validateSatisfaction(satisfaction); err != nil {
		return err
	}
	fb := Feedback{Satisfaction: satisfaction, Helpful: helpful, Comment: comment, RecordedAt: s.now()}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := upsertFeedback(ctx, s.db, id, fb); err != nil {
		return fmt.Errorf("%w: add feedback: %v", ErrPersistence, err)
	}

	s.stats.invalidate()
	return nil
}

// GetStatistics implements Store.
func (s *SQLiteStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	cached, gen, ok := s.stats.get()
	if ok {
		return cached, nil
	}
	ctx, span := tracer.Start(ctx, "history.GetStatistics")
	defer span.End()

	stats := &Statistics{ByKind: make(map[operation.Kind]KindStats), ComputedAt: s.now()}

	var avgConf, avgRisk sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN oc.success = 1 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN oc.success = 0 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN oc.operation_id IS NULL THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(o.auto_executed), 0),
       COALESCE(SUM(CASE WHEN oc.rollback_required = 1 THEN 1 ELSE 0 END), 0),
       AVG(o.confidence), AVG(o.risk)
FROM operations o
LEFT JOIN outcomes oc ON oc.operation_id = o.id`).Scan(
		&stats.Total, &stats.Successful, &stats.Failed, &stats.Pending,
		&stats.AutoExecuted, &stats.Rollbacks, &avgConf, &avgRisk)
	if err != nil {
		return nil, s.fail(span, "aggregate", err)
	}
	stats.AverageConfidence = avgConf.Float64
	stats.AverageRisk = avgRisk.Float64

	rows, err := s.db.QueryContext(ctx, `
SELECT o.kind, COUNT(*),
       COALESCE(SUM(CASE WHEN oc.success = 1 THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN oc.success = 0 THEN 1 ELSE 0 END), 0)
FROM operations o
LEFT JOIN outcomes oc ON oc.operation_id = o.id
GROUP BY o.kind`)
	if err != nil {
		return nil, s.fail(span, "aggregate by kind", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var ks KindStats
		if err := rows.Scan(&kind, &ks.Total, &ks.Successful, &ks.Failed); err != nil {
			return nil, s.fail(span, "scan kind", err)
		}
		stats.ByKind[operation.Kind(kind)] = ks
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail(span, "iterate kinds", err)
	}
	// Release the only connection before the next query.
	rows.Close()

	var avgSat sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(f.helpful), 0), AVG(f.satisfaction)
FROM feedback f JOIN operations o ON o.id = f.operation_id`).Scan(
		&stats.FeedbackCount, &stats.HelpfulCount, &avgSat)
	if err != nil {
		return nil, s.fail(span, "aggregate feedback", err)
	}
	stats.AverageSatisfaction = avgSat.Float64

	s.stats.set(stats, gen)
	return stats, nil
}

// SearchOperations implements Store. Kind, success, score and time
// filters run in SQL; the path pattern is applied afterwards.
func (s *SQLiteStore) SearchOperations(ctx context.Context, f Filters) ([]*Record, error) {
	var where []string
	var args []any
	if f.Kind != "" {
		where = append(where, "o.kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Success != nil {
		where = append(where, "oc.success = ?")
		args = append(args, boolInt(*f.Success))
	}
	if f.MinConfidence != nil {
		where = append(where, "o.confidence >= ?")
		args = append(args, *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		where = append(where, "o.confidence <= ?")
		args = append(args, *f.MaxConfidence)
	}
	if f.MinRisk != nil {
		where = append(where, "o.risk >= ?")
		args = append(args, *f.MinRisk)
	}
	if f.MaxRisk != nil {
		where = append(where, "o.risk <= ?")
		args = append(args, *f.MaxRisk)
	}
	if f.After != nil {
		where = append(where, "o.created_at > ?")
		args = append(args, f.After.UnixNano())
	}
	if f.Before != nil {
		where = append(where, "o.created_at < ?")
		args = append(args, f.Before.UnixNano())
	}

	q := selectRecord
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY o.created_at DESC"
	if f.Limit > 0 && f.PathPattern == "" {
		q += "\nLIMIT ?"
		args = append(args, f.Limit)
	}

	recs, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	if f.PathPattern == "" {
		return recs, nil
	}
	out := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		if !matchPath(f.PathPattern, rec.Operation.Path) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrPersistence, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %v", ErrPersistence, err)
	}
	return out, nil
}

func (s *SQLiteStore) fail(span trace.Span, what string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, what)
	s.logger.Warn("history store failure", zap.String("op", what), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrPersistence, what, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec                          Record
		opJSON, ctxJSON, detailsJSON string
		analysisJSON, outcomeJSON    sql.NullString
		autoExec                     int
		created, updated             int64
		satisfaction                 sql.NullFloat64
		helpful, fbRecorded          sql.NullInt64
		comment                      sql.NullString
	)
	if err := sc.Scan(&rec.ID, &opJSON, &ctxJSON, &detailsJSON, &analysisJSON,
		&autoExec, &created, &updated,
		&outcomeJSON, &satisfaction, &helpful, &comment, &fbRecorded); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(opJSON), &rec.Operation); err != nil {
		return nil, fmt.Errorf("operation: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &rec.Context); err != nil {
		return nil, fmt.Errorf("context: %w", err)
	}
	if err := json.Unmarshal([]byte(detailsJSON), &rec.Details); err != nil {
		return nil, fmt.Errorf("details: %w", err)
	}
	if analysisJSON.Valid {
		rec.Analysis = &operation.Analysis{}
		if err := json.Unmarshal([]byte(analysisJSON.String), rec.Analysis); err != nil {
			return nil, fmt.Errorf("analysis: %w", err)
		}
	}
	if outcomeJSON.Valid {
		rec.Outcome = &operation.Outcome{}
		if err := json.Unmarshal([]byte(outcomeJSON.String), rec.Outcome); err != nil {
			return nil, fmt.Errorf("outcome: %w", err)
		}
	}
	if satisfaction.Valid {
		rec.Feedback = &Feedback{
			Satisfaction: satisfaction.Float64,
			Helpful:      helpful.Int64 == 1,
			Comment:      comment.String,
			RecordedAt:   time.Unix(0, fbRecorded.Int64),
		}
	}
	rec.AutoExecuted = autoExec == 1
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertOutcome(ctx context.Context, db execer, id string, o operation.Outcome, now time.Time) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT OR REPLACE INTO outcomes (operation_id, success, rollback_required, outcome_json, recorded_at)
VALUES (?, ?, ?, ?, ?)`, id, boolInt(o.Success), boolInt(o.RollbackRequired), string(b), now.UnixNano())
	return err
}

func upsertFeedback(ctx context.Context, db execer, id string, fb Feedback) error {
	_, err := db.ExecContext(ctx, `
INSERT OR REPLACE INTO feedback (operation_id, satisfaction, helpful, comment, recorded_at)
VALUES (?, ?, ?, ?, ?)`, id, fb.Satisfaction, boolInt(fb.Helpful), fb.Comment, fb.RecordedAt.UnixNano())
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
