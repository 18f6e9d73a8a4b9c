package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"

	"github.com/z-wentao/livecaption/pkg/jobapi"
	"github.com/z-wentao/livecaption/pkg/retry"
	"github.com/z-wentao/livecaption/pkg/session"
	"github.com/z-wentao/livecaption/pkg/subtitle"
	"github.com/z-wentao/livecaption/pkg/watch"
)

func main() {
	_ = godotenv.Load()

	backendURL := flag.String("backend", os.Getenv("LIVECAPTION_BACKEND_URL"), "任务后端地址")
	token := flag.String("token", os.Getenv("LIVECAPTION_TOKEN"), "后端 Bearer token")
	jobID := flag.String("job", "", "要跟踪的任务 id")
	upload := flag.String("upload", "", "先上传该视频创建任务，再跟踪")
	targetLang := flag.String("lang", "zh", "上传时的翻译语言")
	export := flag.String("export", "", "退出时把字幕导出到该路径（.srt 或 .vtt）")
	bilingual := flag.Bool("bilingual", false, "导出双语字幕")
	poll := flag.Duration("poll", 2*time.Second, "断流后的轮询间隔")
	logFile := flag.String("log", "", "日志文件（默认丢弃）")
	flag.Parse()

	if *backendURL == "" {
		fmt.Fprintln(os.Stderr, "请通过 -backend 或 LIVECAPTION_BACKEND_URL 指定任务后端")
		os.Exit(2)
	}

	// 界面运行期间日志不能写到终端
	if *logFile != "" {
		f, err := tea.LogToFile(*logFile, "watch")
		if err != nil {
			fmt.Fprintf(os.Stderr, "打开日志文件失败: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	} else {
		log.SetOutput(io.Discard)
	}

	client := jobapi.New(jobapi.Config{
		BaseURL: *backendURL,
		Token:   *token,
		Retry:   retry.DefaultConfig(),
	})
	ctx := context.Background()

	if *upload != "" {
		job, err := client.CreateJob(ctx, jobapi.CreateJobRequest{FilePath: *upload, TargetLang: *targetLang})
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			os.Exit(1)
		}
		*jobID = job.ID
		fmt.Printf("✓ 已创建任务 %s\n", job.ID)
	}
	if *jobID == "" {
		fmt.Fprintln(os.Stderr, "请通过 -job 指定任务，或用 -upload 上传文件")
		os.Exit(2)
	}

	f := session.New(*jobID, client, session.Options{
		Open:         session.SSEOpener(client),
		PollInterval: *poll,
	})
	if err := f.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	if _, err := tea.NewProgram(watch.NewModel(f)).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ 界面异常退出: %v\n", err)
	}

	if *export != "" {
		if err := exportSubtitles(f, *export, *bilingual); err != nil {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		} else {
			fmt.Printf("✓ 字幕已导出: %s\n", *export)
		}
	}
	f.Stop()
}

func exportSubtitles(f *session.Follower, path string, bilingual bool) error {
	format := subtitle.FormatSRT
	if ext := filepath.Ext(path); ext != "" {
		parsed, err := subtitle.ParseFormat(ext)
		if err != nil {
			return err
		}
		format = parsed
	}
	text := subtitle.TextTranscript
	if bilingual {
		text = subtitle.TextBilingual
	}
	return subtitle.WriteFile(path, f.Jobs().SubtitleEntries(), subtitle.Options{Format: format, Text: text})
}
