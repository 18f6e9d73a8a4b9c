package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/z-wentao/livecaption/pkg/models"
)

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS livecaption_snapshots (
    job_id     TEXT PRIMARY KEY,
    filename   TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    progress   DOUBLE PRECISION NOT NULL DEFAULT 0,
    snapshot   JSONB NOT NULL,
    saved_at   TIMESTAMPTZ NOT NULL
)`

// PostgresStore PostgreSQL 快照存储
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 连接数据库并确保表存在
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(createSnapshotsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建快照表失败: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Save UPSERT 快照
func (s *PostgresStore) Save(ctx context.Context, snap models.Snapshot) error {
	if err := validate(snap); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}

	query := `
    INSERT INTO livecaption_snapshots (job_id, filename, status, progress, snapshot, saved_at)
    VALUES ($1, $2, $3, $4, $5, $6)
    ON CONFLICT (job_id)
    DO UPDATE SET
    filename = EXCLUDED.filename,
    status = EXCLUDED.status,
    progress = EXCLUDED.progress,
    snapshot = EXCLUDED.snapshot,
    saved_at = EXCLUDED.saved_at
    `
	_, err = s.db.ExecContext(ctx, query,
		snap.Job.ID,
		snap.Job.Filename,
		string(snap.Job.Status),
		snap.Job.Progress,
		data,
		snap.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("保存到数据库失败: %w", err)
	}
	return nil
}

// Get 读取快照
func (s *PostgresStore) Get(ctx context.Context, jobID string) (models.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM livecaption_snapshots WHERE job_id = $1`, jobID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("查询数据库失败: %w", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("反序列化快照失败: %w", err)
	}
	return snap, nil
}

// List 最近保存的 100 个快照
func (s *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
    SELECT job_id, filename, status, progress, saved_at
    FROM livecaption_snapshots
    ORDER BY saved_at DESC
    LIMIT 100`)
	if err != nil {
		return nil, fmt.Errorf("查询数据库失败: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0)
	for rows.Next() {
		var (
			sum    Summary
			status string
		)
		if err := rows.Scan(&sum.JobID, &sum.Filename, &status, &sum.Progress, &sum.SavedAt); err != nil {
			return nil, fmt.Errorf("读取快照列表失败: %w", err)
		}
		sum.Status = models.JobStatus(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete 删除快照
func (s *PostgresStore) Delete(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM livecaption_snapshots WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("删除快照失败: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取删除结果失败: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
