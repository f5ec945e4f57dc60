package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"MCP-Flow/internal/workflow"
)

// RunStore 使用 MySQL 持久化工作流运行与步骤记录。
type RunStore struct {
	db *sql.DB
}

// NewRunStore 建立连接池并执行未应用的迁移。
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &RunStore{db: db}, nil
}

// Create 实现 workflow.Store。
func (s *RunStore) Create(ctx context.Context, run *workflow.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("运行记录不完整")
	}
	status := run.Status
	if status == "" {
		status = workflow.RunPending
	}
	const stmt = `INSERT INTO workflow_runs
        (id, user_id, goal, status, final_result, halt_reason, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, '', '', '', UNIX_TIMESTAMP(), UNIX_TIMESTAMP())`
	if _, err := s.db.ExecContext(ctx, stmt, run.ID, run.UserID, run.Goal, string(status)); err != nil {
		if isDuplicateEntry(err) {
			return workflow.ErrRunConflict
		}
		return fmt.Errorf("写入运行记录失败: %w", err)
	}
	return nil
}

// Get 实现 workflow.Store。
func (s *RunStore) Get(ctx context.Context, id string) (*workflow.Run, error) {
	const query = `SELECT id, user_id, goal, status, final_result, halt_reason, last_error, created_at, updated_at
        FROM workflow_runs WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	var run workflow.Run
	var status string
	if err := row.Scan(&run.ID, &run.UserID, &run.Goal, &status, &run.FinalResult, &run.HaltReason, &run.LastError, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrRunNotFound
		}
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	run.Status = workflow.RunStatus(status)

	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return &run, nil
}

func (s *RunStore) loadSteps(ctx context.Context, runID string) ([]workflow.StepRecord, error) {
	const query = `SELECT step_index, tool, action, status, attempts, raw, formatted, last_error, updated_at
        FROM workflow_steps WHERE run_id = ? ORDER BY step_index`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("查询步骤记录失败: %w", err)
	}
	defer rows.Close()

	var steps []workflow.StepRecord
	for rows.Next() {
		var record workflow.StepRecord
		var status string
		var raw []byte
		if err := rows.Scan(&record.Index, &record.Tool, &record.Action, &status, &record.Attempts, &raw, &record.Formatted, &record.LastError, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("解析步骤记录失败: %w", err)
		}
		record.Status = workflow.Status(status)
		if len(raw) > 0 {
			record.Raw = json.RawMessage(raw)
		}
		steps = append(steps, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历步骤记录失败: %w", err)
	}
	return steps, nil
}

// MarkRunning 实现 workflow.Store。
func (s *RunStore) MarkRunning(ctx context.Context, id string) error {
	const stmt = `UPDATE workflow_runs SET status = ?, updated_at = UNIX_TIMESTAMP()
        WHERE id = ? AND status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, string(workflow.RunRunning), id,
		string(workflow.RunPending), string(workflow.RunRunning))
	if err != nil {
		return fmt.Errorf("更新运行状态失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取更新结果失败: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return workflow.ErrRunConflict
	}
	return nil
}

// UpsertStep 实现 workflow.Store。
func (s *RunStore) UpsertStep(ctx context.Context, id string, record workflow.StepRecord) error {
	const stmt = `INSERT INTO workflow_steps
        (run_id, step_index, tool, action, status, attempts, raw, formatted, last_error, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, UNIX_TIMESTAMP())
        ON DUPLICATE KEY UPDATE
        status = VALUES(status), attempts = VALUES(attempts),
        raw = VALUES(raw), formatted = VALUES(formatted),
        last_error = VALUES(last_error), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt,
		id, record.Index, record.Tool, record.Action,
		string(record.Status), record.Attempts, string(record.Raw), record.Formatted, record.LastError,
	); err != nil {
		return fmt.Errorf("写入步骤记录失败: %w", err)
	}
	const touch = `UPDATE workflow_runs SET updated_at = UNIX_TIMESTAMP() WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, touch, id); err != nil {
		return fmt.Errorf("更新运行时间失败: %w", err)
	}
	return nil
}

// Finalize 实现 workflow.Store。
func (s *RunStore) Finalize(ctx context.Context, id string, status workflow.RunStatus, finalResult, haltReason, lastError string) error {
	if !status.Terminal() {
		return fmt.Errorf("终态状态非法: %s", status)
	}
	const stmt = `UPDATE workflow_runs
        SET status = ?, final_result = ?, halt_reason = ?, last_error = ?, updated_at = UNIX_TIMESTAMP()
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), finalResult, haltReason, lastError, id)
	if err != nil {
		return fmt.Errorf("写入终态失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取更新结果失败: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// List 实现 workflow.Store。
func (s *RunStore) List(ctx context.Context, opts workflow.ListOptions) ([]*workflow.Run, error) {
	query, args := buildListQuery(opts, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询运行列表失败: %w", err)
	}
	defer rows.Close()

	var runs []*workflow.Run
	for rows.Next() {
		var run workflow.Run
		var status string
		if err := rows.Scan(&run.ID, &run.UserID, &run.Goal, &status, &run.FinalResult, &run.HaltReason, &run.LastError, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("解析运行记录失败: %w", err)
		}
		run.Status = workflow.RunStatus(status)
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历运行记录失败: %w", err)
	}
	return runs, nil
}

// Stats 实现 workflow.Store。
func (s *RunStore) Stats(ctx context.Context, opts workflow.ListOptions) (workflow.RunStats, error) {
	query, args := buildListQuery(opts, true)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return workflow.RunStats{}, fmt.Errorf("统计运行记录失败: %w", err)
	}
	defer rows.Close()

	stats := workflow.RunStats{}
	for rows.Next() {
		var status string
		var count int
		var oldest, newest sql.NullInt64
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return workflow.RunStats{}, fmt.Errorf("解析统计结果失败: %w", err)
		}
		stats.Total += count
		switch workflow.RunStatus(status) {
		case workflow.RunPending:
			stats.Pending = count
		case workflow.RunRunning:
			stats.Running = count
		case workflow.RunSucceeded:
			stats.Succeeded = count
		case workflow.RunFailed:
			stats.Failed = count
		case workflow.RunHalted:
			stats.Halted = count
		}
		if newest.Valid && newest.Int64 > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest.Int64
		}
		if oldest.Valid && (stats.OldestUpdatedAt == 0 || oldest.Int64 < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return workflow.RunStats{}, fmt.Errorf("遍历统计结果失败: %w", err)
	}
	return stats, nil
}

func buildListQuery(opts workflow.ListOptions, stats bool) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		conditions = append(conditions, "(goal LIKE ? OR final_result LIKE ?)")
		needle := "%" + opts.Query + "%"
		args = append(args, needle, needle)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	if stats {
		return `SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM workflow_runs` +
			where + ` GROUP BY status`, args
	}

	order := "updated_at DESC, id DESC"
	if opts.Order == workflow.SortByUpdatedAsc {
		order = "updated_at ASC, id ASC"
	}
	query := `SELECT id, user_id, goal, status, final_result, halt_reason, last_error, created_at, updated_at
        FROM workflow_runs` + where + ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)
	return query, args
}

// Close 关闭底层数据库连接。
func (s *RunStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isDuplicateEntry(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Error 1062")
}

var _ workflow.Store = (*RunStore)(nil)
