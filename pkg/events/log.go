package events

import (
	"encoding/json"
	"time"
)

// DefaultLogCap 审计日志默认容量
const DefaultLogCap = 400

// Record 审计日志中的一条记录
type Record struct {
	Seq        int64           `json:"seq"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"` // 本地接收时间
	Applied    bool            `json:"applied"`
	Note       string          `json:"note,omitempty"` // 未应用的原因
}

// Log 有界审计日志，超出容量时淘汰最旧的记录
// 不加锁，由所属 store 保护
type Log struct {
	cap     int
	nextSeq int64
	records []Record
	now     func() time.Time
}

// NewLog 创建审计日志，capacity <= 0 时使用默认容量
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCap
	}
	return &Log{
		cap:     capacity,
		records: make([]Record, 0, capacity),
		now:     time.Now,
	}
}

// Append 追加一条记录并分配序号和接收时间
func (l *Log) Append(r Record) Record {
	l.nextSeq++
	r.Seq = l.nextSeq
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = l.now()
	}

	l.records = append(l.records, r)
	if len(l.records) > l.cap {
		trim := len(l.records) - l.cap
		l.records = append(l.records[:0:0], l.records[trim:]...)
	}
	return r
}

// Records 按接收顺序返回副本
func (l *Log) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Since 返回序号大于 seq 的记录
func (l *Log) Since(seq int64) []Record {
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if r.Seq > seq {
			out = append(out, r)
		}
	}
	return out
}

// Len 当前记录数
func (l *Log) Len() int {
	return len(l.records)
}

// Cap 容量
func (l *Log) Cap() int {
	return l.cap
}

// Reset 清空记录，序号继续递增
func (l *Log) Reset() {
	l.records = l.records[:0:0]
}
