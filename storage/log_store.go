package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"copymesh/utils"
)

// LogStore 应用日志落盘存储。独立于业务库，使用原生 SQLite
// WAL 模式；写入走异步批量通道，绝不阻塞业务路径。
type LogStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logCh  chan *logEntry
	closed bool
	done   chan struct{}

	retentionDays int
}

// logEntry 日志条目
type logEntry struct {
	level     string
	message   string
	timestamp time.Time
}

// LogQueryParams 日志查询参数
type LogQueryParams struct {
	StartTime time.Time
	EndTime   time.Time
	Level     string
	Keyword   string
	Limit     int
	Offset    int
}

// LogRecord 日志记录
type LogRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// NewLogStore 创建日志存储
func NewLogStore(path string, retentionDays int) (*LogStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
	}

	// WAL 模式提高并发性能
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}

	// SQLite 单写者
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ls := &LogStore{
		db:            db,
		logCh:         make(chan *logEntry, 500),
		done:          make(chan struct{}),
		retentionDays: retentionDays,
	}

	if err := ls.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建日志表失败: %w", err)
	}

	go ls.processLogs()
	go ls.retentionLoop()

	return ls, nil
}

func (ls *LogStore) createTable() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
	`
	_, err := ls.db.Exec(ddl)
	return err
}

// WriteLog 写入日志（异步，不阻塞）。队列满时丢弃。
func (ls *LogStore) WriteLog(level, message string) {
	ls.mu.RLock()
	closed := ls.closed
	ls.mu.RUnlock()
	if closed {
		return
	}

	entry := &logEntry{
		level:     level,
		message:   message,
		timestamp: utils.NowUTC(),
	}

	select {
	case ls.logCh <- entry:
	default:
	}
}

// processLogs 异步批量写入
func (ls *LogStore) processLogs() {
	buffer := make([]*logEntry, 0, 100)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		// 写入失败静默处理，日志落盘不影响主程序
		_ = ls.batchInsert(buffer)
		buffer = buffer[:0]
	}

	for {
		select {
		case entry, ok := <-ls.logCh:
			if !ok {
				flush()
				close(ls.done)
				return
			}
			buffer = append(buffer, entry)
			if len(buffer) >= 100 {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

func (ls *LogStore) batchInsert(entries []*logEntry) error {
	tx, err := ls.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO logs (timestamp, level, message) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range entries {
		if _, err := stmt.Exec(entry.timestamp, entry.level, entry.message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// retentionLoop 每天清理一次过期日志
func (ls *LogStore) retentionLoop() {
	if ls.retentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	ls.cleanup()
	for {
		select {
		case <-ls.done:
			return
		case <-ticker.C:
			ls.cleanup()
		}
	}
}

func (ls *LogStore) cleanup() {
	cutoff := utils.NowUTC().AddDate(0, 0, -ls.retentionDays)
	if _, err := ls.db.Exec(`DELETE FROM logs WHERE timestamp < ?`, cutoff); err == nil {
		// WAL 下回收空间
		_, _ = ls.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	}
}

// GetLogs 查询日志，返回记录与符合条件的总数
func (ls *LogStore) GetLogs(params LogQueryParams) ([]*LogRecord, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}

	if !params.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, params.StartTime)
	}
	if !params.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, params.EndTime)
	}
	if params.Level != "" {
		where = append(where, "level = ?")
		args = append(args, params.Level)
	}
	if params.Keyword != "" {
		where = append(where, "message LIKE ?")
		args = append(args, "%"+params.Keyword+"%")
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM logs WHERE " + whereClause
	if err := ls.db.QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("统计日志失败: %w", err)
	}

	limit := params.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := "SELECT id, timestamp, level, message FROM logs WHERE " + whereClause +
		" ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, params.Offset)

	rows, err := ls.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	var records []*LogRecord
	for rows.Next() {
		rec := &LogRecord{}
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Level, &rec.Message); err != nil {
			return nil, 0, fmt.Errorf("读取日志行失败: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// Close 停止写入并关闭数据库
func (ls *LogStore) Close() error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil
	}
	ls.closed = true
	ls.mu.Unlock()

	close(ls.logCh)
	<-ls.done
	return ls.db.Close()
}
