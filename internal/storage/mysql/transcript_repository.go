package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"GigaCrew-Agent/internal/negotiation"

	"github.com/oklog/ulid/v2"
)

// maxCachedTranscripts 限制内存仓库保留的记录条数。
const maxCachedTranscripts = 512

// TranscriptRecord 是一条落库的协商记录。
type TranscriptRecord struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"session_id"`
	Role         string              `json:"role"`
	Direction    string              `json:"direction"`
	Counterparty string              `json:"counterparty"`
	Trail        string              `json:"trail"`
	Message      negotiation.Message `json:"message"`
	RecordedAt   int64               `json:"recorded_at"`
}

// TranscriptRepository 保存协商过程并支持按会话回放。
type TranscriptRepository interface {
	negotiation.Transcript
	ListSession(ctx context.Context, sessionID string) ([]TranscriptRecord, error)
	ListLatest(ctx context.Context, limit int) ([]TranscriptRecord, error)
	Close() error
}

func newTranscriptRecord(entry negotiation.TranscriptEntry) TranscriptRecord {
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	return TranscriptRecord{
		ID:           ulid.Make().String(),
		SessionID:    entry.SessionID,
		Role:         string(entry.Role),
		Direction:    string(entry.Direction),
		Counterparty: entry.Counterparty,
		Trail:        entry.NewTrail,
		Message:      entry.Message,
		RecordedAt:   recordedAt.UnixMilli(),
	}
}

// MemoryTranscriptRepository 以追加写的 JSON 行文件保存协商记录，方便单机调试。
type MemoryTranscriptRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []TranscriptRecord
}

var _ TranscriptRepository = (*MemoryTranscriptRepository)(nil)

// NewMemoryTranscriptRepository 创建文件型协商记录仓库。
func NewMemoryTranscriptRepository(dataDir string) (*MemoryTranscriptRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryTranscriptRepository{dataFile: filepath.Join(dataDir, "transcripts.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Record 实现 negotiation.Transcript。
func (m *MemoryTranscriptRepository) Record(_ context.Context, entry negotiation.TranscriptEntry) error {
	record := newTranscriptRecord(entry)

	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开协商记录文件失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化协商记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入协商记录失败: %w", err)
	}

	m.records = append(m.records, record)
	if len(m.records) > maxCachedTranscripts {
		m.records = m.records[len(m.records)-maxCachedTranscripts:]
	}
	return nil
}

// ListSession 按写入顺序返回某个会话的记录。
func (m *MemoryTranscriptRepository) ListSession(_ context.Context, sessionID string) ([]TranscriptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []TranscriptRecord{}
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListLatest 返回最近的记录，按时间倒序排列。
func (m *MemoryTranscriptRepository) ListLatest(_ context.Context, limit int) ([]TranscriptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]TranscriptRecord, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

// Close 实现 TranscriptRepository。
func (m *MemoryTranscriptRepository) Close() error { return nil }

func (m *MemoryTranscriptRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取协商记录文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var restored []TranscriptRecord
	for scanner.Scan() {
		var record TranscriptRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append(restored, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析协商记录文件失败: %w", err)
	}
	if len(restored) > maxCachedTranscripts {
		restored = restored[len(restored)-maxCachedTranscripts:]
	}
	m.records = restored
	return nil
}

// SQLTranscriptRepository 将协商记录写入 MySQL。
type SQLTranscriptRepository struct {
	db *sql.DB
}

var _ TranscriptRepository = (*SQLTranscriptRepository)(nil)

// NewSQLTranscriptRepository 复用已有连接池。
func NewSQLTranscriptRepository(db *sql.DB) *SQLTranscriptRepository {
	return &SQLTranscriptRepository{db: db}
}

// Record 实现 negotiation.Transcript。
func (s *SQLTranscriptRepository) Record(ctx context.Context, entry negotiation.TranscriptEntry) error {
	record := newTranscriptRecord(entry)
	payload, err := json.Marshal(record.Message)
	if err != nil {
		return fmt.Errorf("序列化协商消息失败: %w", err)
	}
	const stmt = `INSERT INTO negotiation_transcripts
        (id, session_id, role, direction, counterparty, trail, payload, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.SessionID,
		record.Role,
		record.Direction,
		record.Counterparty,
		record.Trail,
		string(payload),
		record.RecordedAt,
	); err != nil {
		return fmt.Errorf("写入协商记录失败: %w", err)
	}
	return nil
}

const transcriptColumns = `id, session_id, role, direction, counterparty, trail, payload, recorded_at`

// ListSession 按时间顺序返回某个会话的记录。
func (s *SQLTranscriptRepository) ListSession(ctx context.Context, sessionID string) ([]TranscriptRecord, error) {
	return s.query(ctx, `SELECT `+transcriptColumns+` FROM negotiation_transcripts
        WHERE session_id = ? ORDER BY recorded_at, id`, sessionID)
}

// ListLatest 返回最近的记录。
func (s *SQLTranscriptRepository) ListLatest(ctx context.Context, limit int) ([]TranscriptRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `SELECT `+transcriptColumns+` FROM negotiation_transcripts
        ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
}

func (s *SQLTranscriptRepository) query(ctx context.Context, query string, args ...any) ([]TranscriptRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询协商记录失败: %w", err)
	}
	defer rows.Close()

	records := []TranscriptRecord{}
	for rows.Next() {
		var (
			record  TranscriptRecord
			payload string
		)
		if err := rows.Scan(&record.ID, &record.SessionID, &record.Role, &record.Direction,
			&record.Counterparty, &record.Trail, &payload, &record.RecordedAt); err != nil {
			return nil, fmt.Errorf("解析协商记录失败: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &record.Message); err != nil {
			return nil, fmt.Errorf("解析协商消息失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历协商记录失败: %w", err)
	}
	return records, nil
}

// Close 不关闭连接池，连接池与订单仓库共用并由其关闭。
func (s *SQLTranscriptRepository) Close() error { return nil }
