// Package replay 回放录制好的任务：模拟任务后端的 REST / SSE 接口，或把事件发布到队列
package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/z-wentao/livecaption/pkg/models"
)

// Fixture 一个录制好的任务
type Fixture struct {
	Job      models.Job       `yaml:"job"`
	Segments []models.Segment `yaml:"segments"`
	Chunks   []models.Chunk   `yaml:"chunks"`
	Captions []models.Caption `yaml:"captions"`
	Events   []Event          `yaml:"events"`

	// StreamDropAfter 每个事件流连接发送这么多事件后断开，0 表示不断开
	StreamDropAfter int `yaml:"stream_drop_after"`
}

// Event 一条待回放的事件
type Event struct {
	Delay   time.Duration  `yaml:"delay"` // 相对上一条事件的间隔
	Payload map[string]any `yaml:"payload"`
}

// LoadFixture 读取 YAML（或 JSON）回放文件
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取回放文件失败: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture 解析回放内容
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析回放文件失败: %w", err)
	}
	if f.Job.ID == "" {
		return nil, fmt.Errorf("回放文件缺少 job.id")
	}
	if f.Job.Status == "" {
		f.Job.Status = models.JobQueued
	}
	for i, ev := range f.Events {
		if _, ok := ev.Payload["type"]; !ok {
			return nil, fmt.Errorf("第 %d 条事件缺少 type", i+1)
		}
	}
	return &f, nil
}

// payloads 事件编码为 JSON，缺少 job_id 时补上回放任务的 id
func (f *Fixture) payloads() ([][]byte, error) {
	out := make([][]byte, len(f.Events))
	for i, ev := range f.Events {
		p := make(map[string]any, len(ev.Payload)+1)
		for k, v := range ev.Payload {
			p[k] = v
		}
		if _, ok := p["job_id"]; !ok {
			p["job_id"] = f.Job.ID
		}
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("编码第 %d 条事件失败: %w", i+1, err)
		}
		out[i] = data
	}
	return out, nil
}

func (f *Fixture) snapshot() models.Snapshot {
	return models.Snapshot{
		Job:      f.Job,
		Segments: f.Segments,
		Chunks:   f.Chunks,
		Captions: f.Captions,
	}
}
