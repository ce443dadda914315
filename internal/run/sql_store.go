package run

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "enclaverun/internal/errors"
	"enclaverun/internal/storage/mysql"
	"enclaverun/internal/storage/sqlite"
	"enclaverun/pkg/starlarkrun"
)

// SQLStore 使用关系型数据库记录运行状态。语句只使用 ? 占位符，
// 同时适用于 MySQL 与 SQLite。
type SQLStore struct {
	db          *sql.DB
	isDuplicate func(error) bool
}

// NewSQLStore 包装已完成迁移的连接池。isDuplicate 用于识别主键冲突。
func NewSQLStore(db *sql.DB, isDuplicate func(error) bool) *SQLStore {
	if isDuplicate == nil {
		isDuplicate = func(error) bool { return false }
	}
	return &SQLStore{db: db, isDuplicate: isDuplicate}
}

// NewMySQLStore 连接 MySQL 并执行迁移。
func NewMySQLStore(ctx context.Context, cfg mysql.Config) (*SQLStore, error) {
	db, err := mysql.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 运行存储失败")
	}
	return NewSQLStore(db, mysql.IsDuplicateKey), nil
}

// NewSQLiteStore 打开 SQLite 数据库并执行迁移。
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 SQLite 运行存储失败")
	}
	return NewSQLStore(db, sqlite.IsDuplicateKey), nil
}

const runColumns = `id, enclave, kind, request, dry_run, status, phase, attempts, max_retries,
        last_error, error_code, output, line_count, created_at, updated_at`

// Create 插入新的运行记录。
func (s *SQLStore) Create(ctx context.Context, run *Run) error {
	if err := validateNewRun(run); err != nil {
		return err
	}

	now := time.Now().Unix()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Phase == "" {
		run.Phase = starlarkrun.PhasePending
	}

	const stmt = `INSERT INTO runs
        (id, enclave, kind, request, dry_run, status, phase, attempts, max_retries, last_error, error_code, line_count, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		run.ID,
		run.Enclave,
		string(run.Kind),
		run.Request,
		run.DryRun,
		string(run.Status),
		string(run.Phase),
		run.Attempts,
		run.MaxRetries,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		if s.isDuplicate(err) {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行记录失败")
	}
	return nil
}

// Get 查询指定运行。
func (s *SQLStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	return run, nil
}

// Claim 将运行标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Run, error) {
	const updateStmt = `UPDATE runs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		time.Now().Unix(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	run, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return run, nil
	}
	switch run.Status {
	case StatusSucceeded, StatusFailed:
		return run, ErrRunCompleted
	case StatusRunning:
		return run, ErrRunConflict
	default:
		if run.Attempts >= run.MaxRetries {
			return run, ErrRunExhausted
		}
		return run, ErrRunConflict
	}
}

// MarkSucceeded 将运行标记为成功。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	const stmt = `UPDATE runs SET status = ?, phase = ?, output = ?, line_count = ?, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ?`

	var output sql.NullString
	if result.Output != nil {
		output = sql.NullString{String: *result.Output, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusSucceeded),
		string(result.Phase),
		output,
		result.LineCount,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MarkFailed 将运行标记为失败；非终态失败使运行回到 pending。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, failure Failure) error {
	const stmt = `UPDATE runs SET status = ?, phase = COALESCE(NULLIF(?, ''), phase), last_error = ?, error_code = ?, line_count = ?, updated_at = ?
        WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(failureStatus(failure)),
		string(failure.Phase),
		failure.Message,
		string(failure.Code),
		failure.LineCount,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// List 返回符合过滤条件的运行。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Run, error) {
	opts.applyDefaults()

	query := `SELECT ` + runColumns + ` FROM runs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	runs := make([]*Run, 0, opts.Limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return runs, nil
}

// Stats 返回符合过滤条件的运行聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM runs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	return stats, nil
}

// AppendLine 追加一行响应。
func (s *SQLStore) AppendLine(ctx context.Context, runID string, seq int, line starlarkrun.ResponseLine) error {
	payload, err := starlarkrun.MarshalJSONLine(line)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码响应行失败")
	}
	const stmt = `INSERT INTO run_lines (run_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, runID, seq, string(line.Kind()), string(payload), time.Now().Unix()); err != nil {
		if s.isDuplicate(err) {
			return xerrors.Wrap(CodeRunConflict, err, fmt.Sprintf("响应行 %d 已存在", seq))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入响应行失败")
	}
	return nil
}

// Lines 按顺序返回运行的响应行。
func (s *SQLStore) Lines(ctx context.Context, runID string) ([]starlarkrun.ResponseLine, error) {
	if _, err := s.Get(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM run_lines WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询响应行失败")
	}
	defer rows.Close()

	var lines []starlarkrun.ResponseLine
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取响应行失败")
		}
		line, err := starlarkrun.UnmarshalJSONLine([]byte(payload))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析响应行失败")
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历响应行失败")
	}
	return lines, nil
}

// ResetLines 删除运行已有的响应行。
func (s *SQLStore) ResetLines(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_lines WHERE run_id = ?`, runID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理响应行失败")
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		kind      string
		status    string
		phase     string
		lastError sql.NullString
		output    sql.NullString
	)
	if err := row.Scan(
		&run.ID,
		&run.Enclave,
		&kind,
		&run.Request,
		&run.DryRun,
		&status,
		&phase,
		&run.Attempts,
		&run.MaxRetries,
		&lastError,
		&run.ErrorCode,
		&output,
		&run.LineCount,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.Kind = Kind(kind)
	run.Status = Status(status)
	run.Phase = starlarkrun.Phase(phase)
	run.LastError = lastError.String
	if output.Valid {
		out := output.String
		run.Output = &out
	}
	return &run, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Enclave != "" {
		conditions = append(conditions, "enclave = ?")
		args = append(args, opts.Enclave)
	}
	if opts.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasOutput != nil {
		if *opts.HasOutput {
			conditions = append(conditions, "output IS NOT NULL")
		} else {
			conditions = append(conditions, "output IS NULL")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR enclave LIKE ? OR last_error LIKE ? OR error_code LIKE ? OR output LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*SQLStore)(nil)
