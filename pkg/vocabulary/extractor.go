// Package vocabulary 从字幕时间轴中提取值得学习的词汇
package vocabulary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/z-wentao/livecaption/pkg/timeline"
)

// ErrEmptyTranscript 时间轴里没有任何原文
var ErrEmptyTranscript = errors.New("字幕原文为空")

// 单次请求的原文上限（字符）
const maxPromptRunes = 5000

// Extractor AI 单词提取器
type Extractor struct {
	client *openai.Client
	model  string
}

// Option 提取器选项
type Option func(*openai.ClientConfig, *Extractor)

// WithBaseURL 指定 OpenAI 兼容接口地址
func WithBaseURL(url string) Option {
	return func(c *openai.ClientConfig, _ *Extractor) {
		c.BaseURL = url
	}
}

// WithModel 指定模型，默认 gpt-4o-mini
func WithModel(model string) Option {
	return func(_ *openai.ClientConfig, e *Extractor) {
		e.model = model
	}
}

// NewExtractor 创建单词提取器
func NewExtractor(apiKey string, opts ...Option) *Extractor {
	cfg := openai.DefaultConfig(apiKey)
	e := &Extractor{model: openai.GPT4oMini}
	for _, opt := range opts {
		opt(&cfg, e)
	}
	e.client = openai.NewClientWithConfig(cfg)
	return e
}

// Word 单词信息
type Word struct {
	Word       string  `json:"word"`
	Definition string  `json:"definition"`
	Example    string  `json:"example"`
	Start      float64 `json:"start"` // 例句所在字幕的开始时间（秒），找不到为 -1
}

// ExtractResult 提取结果
type ExtractResult struct {
	Words   []string `json:"words"`
	Details []Word   `json:"details"`
}

// ExtractFromEntries 拼接时间轴原文后提取，并把每个单词定位到第一次出现的字幕
func (e *Extractor) ExtractFromEntries(ctx context.Context, entries []timeline.Entry) (*ExtractResult, error) {
	text := Transcript(entries)
	if text == "" {
		return nil, ErrEmptyTranscript
	}

	result, err := e.Extract(ctx, text)
	if err != nil {
		return nil, err
	}
	for i := range result.Details {
		result.Details[i].Start = locate(entries, result.Details[i].Word)
	}
	return result, nil
}

// Extract 从文本中提取关键英文单词
func (e *Extractor) Extract(ctx context.Context, text string) (*ExtractResult, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "你是一个专业的英语词汇分析助手。你的任务是从给定的字幕中提取重点英文单词，并提供简洁的释义和例句。只返回 JSON 格式的数据，不要有任何其他文字。",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(text),
			},
		},
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("调用 OpenAI API 失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI API 未返回结果")
	}

	content := resp.Choices[0].Message.Content
	var parsed struct {
		Words []Word `json:"words"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("解析 AI 响应失败: %w, 原始响应: %s", err, content)
	}

	details := make([]Word, 0, len(parsed.Words))
	seen := make(map[string]bool, len(parsed.Words))
	for _, w := range parsed.Words {
		w.Word = strings.ToLower(strings.TrimSpace(w.Word))
		if w.Word == "" || seen[w.Word] {
			continue
		}
		seen[w.Word] = true
		w.Start = -1
		details = append(details, w)
	}

	words := make([]string, len(details))
	for i, w := range details {
		words[i] = w.Word
	}
	return &ExtractResult{Words: words, Details: details}, nil
}

// Transcript 按时间顺序拼接原文，每条一行
func Transcript(entries []timeline.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		line := strings.TrimSpace(e.Transcript)
		if line == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
	}
	return sb.String()
}

func locate(entries []timeline.Entry, word string) float64 {
	if word == "" {
		return -1
	}
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Transcript), word) {
			return e.Start
		}
	}
	return -1
}

func buildPrompt(text string) string {
	if r := []rune(text); len(r) > maxPromptRunes {
		text = string(r[:maxPromptRunes]) + "..."
	}

	return fmt.Sprintf(`请从以下字幕中提取重点英文单词（包括短语）。要求：

1. 提取标准：
   - 选择重要的、值得学习的英文单词和短语
   - 优先选择学术词汇、专业术语、高级词汇
   - 忽略 a, the, is, are 等基础词汇
   - 每个单词只出现一次
   - 最多提取 30 个单词

2. 输出格式（严格遵循 JSON 格式）：
{
  "words": [
    {
      "word": "单词或短语（小写）",
      "definition": "中文释义（简洁，不超过20字）",
      "example": "英文例句（优先取自字幕，不超过50字）"
    }
  ]
}

字幕内容：
%s

请严格按照 JSON 格式输出，不要包含任何其他说明文字。`, text)
}
