// Package subtitle 把字幕时间轴导出为 SRT / WebVTT
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/z-wentao/livecaption/pkg/timeline"
)

// Format 字幕文件格式
type Format string

const (
	FormatSRT Format = "srt"
	FormatVTT Format = "vtt"
)

// ParseFormat 解析格式名（不区分大小写）
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimPrefix(s, "."))) {
	case FormatSRT:
		return FormatSRT, nil
	case FormatVTT:
		return FormatVTT, nil
	}
	return "", fmt.Errorf("不支持的字幕格式: %q", s)
}

// ContentType HTTP Content-Type
func (f Format) ContentType() string {
	if f == FormatVTT {
		return "text/vtt; charset=utf-8"
	}
	return "application/x-subrip; charset=utf-8"
}

// Text 字幕文本选择
type Text string

const (
	TextTranscript  Text = "transcript"  // 只有原文
	TextTranslation Text = "translation" // 只有译文，缺失时用原文
	TextBilingual   Text = "bilingual"   // 原文一行、译文一行
)

// Options 导出参数
type Options struct {
	Format Format
	Text   Text
}

// Write 把条目写成字幕文件，没有文本的条目跳过，序号从 1 开始连续
func Write(w io.Writer, entries []timeline.Entry, opts Options) error {
	if opts.Format == "" {
		opts.Format = FormatSRT
	}
	if opts.Text == "" {
		opts.Text = TextTranscript
	}

	bw := bufio.NewWriter(w)
	if opts.Format == FormatVTT {
		// VTT 文件必须以 "WEBVTT" 开头
		bw.WriteString("WEBVTT\n\n")
	}

	index := 1
	for _, e := range entries {
		text := cueText(e, opts.Text)
		if text == "" {
			continue
		}
		// 1
		// 00:00:00,000 --> 00:00:05,200
		// 字幕文本
		fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			index,
			formatTime(e.Start, opts.Format),
			formatTime(e.End, opts.Format),
			text,
		)
		index++
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("写入 %s 字幕失败: %w", opts.Format, err)
	}
	return nil
}

// WriteFile 写入文件，自动创建目录
func WriteFile(path string, entries []timeline.Entry, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建字幕文件失败: %w", err)
	}
	if err := Write(f, entries, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func cueText(e timeline.Entry, mode Text) string {
	transcript := strings.TrimSpace(e.Transcript)
	translation := strings.TrimSpace(e.Translation)

	switch mode {
	case TextTranslation:
		if translation != "" {
			return translation
		}
		return transcript
	case TextBilingual:
		switch {
		case transcript == "":
			return translation
		case translation == "":
			return transcript
		default:
			return transcript + "\n" + translation
		}
	default:
		return transcript
	}
}

// formatTime 秒数转字幕时间戳
// 例如: 65.5 -> 00:01:05,500 (SRT) / 00:01:05.500 (VTT)
func formatTime(seconds float64, f Format) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(math.Round(seconds * 1000))
	millis := total % 1000
	secs := (total / 1000) % 60
	minutes := (total / 60000) % 60
	hours := total / 3600000

	sep := ","
	if f == FormatVTT {
		sep = "."
	}
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", hours, minutes, secs, sep, millis)
}
