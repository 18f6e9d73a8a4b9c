package jobapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/z-wentao/livecaption/pkg/fingerprint"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/retry"
	"github.com/z-wentao/livecaption/pkg/stream"
)

// CreateJobRequest 上传参数
type CreateJobRequest struct {
	FilePath       string
	TargetLang     string
	SegmentSeconds float64
	ChunkSeconds   float64
}

// PlaybackStatus 片段播放文件 / 任务源视频的准备状态
type PlaybackStatus struct {
	Status      models.PlaybackStatus `json:"status"`
	PlaybackURL string                `json:"playback_url,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// HealthCheck 后端健康检查
func (c *Client) HealthCheck(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/api/health", nil, &out); err != nil {
		return nil, fmt.Errorf("健康检查失败: %w", err)
	}
	return out, nil
}

// Diagnostics 后端诊断信息
func (c *Client) Diagnostics(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, "/api/diagnostics", nil, &out); err != nil {
		return nil, fmt.Errorf("获取诊断信息失败: %w", err)
	}
	return out, nil
}

// CreateJob 上传视频创建任务，表单中附带文件的 SHA-256（file_hash）
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (models.Job, error) {
	fp, err := fingerprint.File(req.FilePath)
	if err != nil {
		return models.Job{}, err
	}

	upload := func() (io.Reader, string, error) {
		f, err := os.Open(req.FilePath)
		if err != nil {
			return nil, "", retry.Permanent(fmt.Errorf("打开上传文件失败: %w", err))
		}

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer f.Close()
			err := writeUploadForm(mw, f, req, fp)
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()
		return pr, mw.FormDataContentType(), nil
	}

	var job models.Job
	if err := c.do(ctx, c.stream, http.MethodPost, c.endpoint("/api/jobs", nil), upload, &job); err != nil {
		return models.Job{}, fmt.Errorf("创建任务失败: %w", err)
	}
	return job, nil
}

func writeUploadForm(mw *multipart.Writer, f io.Reader, req CreateJobRequest, fp fingerprint.Fingerprint) error {
	part, err := mw.CreateFormFile("file", filepath.Base(req.FilePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}

	fields := map[string]string{"file_hash": fp.Hash}
	if req.TargetLang != "" {
		fields["target_lang"] = req.TargetLang
	}
	if req.SegmentSeconds > 0 {
		fields["segment_seconds"] = strconv.FormatFloat(req.SegmentSeconds, 'f', -1, 64)
	}
	if req.ChunkSeconds > 0 {
		fields["chunk_seconds"] = strconv.FormatFloat(req.ChunkSeconds, 'f', -1, 64)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	return nil
}

// GetJob 查询任务
// 返回 patch，响应中缺少的字段不会覆盖本地状态
func (c *Client) GetJob(ctx context.Context, jobID string) (models.JobPatch, error) {
	var job models.JobPatch
	if err := c.getJSON(ctx, jobPath(jobID, ""), nil, &job); err != nil {
		return models.JobPatch{}, fmt.Errorf("获取任务失败: %w", err)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return job, nil
}

// GetSegments 任务的全部片段
func (c *Client) GetSegments(ctx context.Context, jobID string) ([]models.SegmentPatch, error) {
	return getList[models.SegmentPatch](ctx, c, jobPath(jobID, "/segments"), nil, "segments")
}

// GetSegmentsLive 实时片段列表；后端没有该接口时退回 GetSegments
func (c *Client) GetSegmentsLive(ctx context.Context, jobID string) ([]models.SegmentPatch, error) {
	list, err := getList[models.SegmentPatch](ctx, c, jobPath(jobID, "/segments-live"), nil, "segments")
	if IsNotFound(err) {
		return c.GetSegments(ctx, jobID)
	}
	return list, err
}

// GetChunks 任务的全部分块
func (c *Client) GetChunks(ctx context.Context, jobID string) ([]models.ChunkPatch, error) {
	return getList[models.ChunkPatch](ctx, c, jobPath(jobID, "/chunks"), nil, "chunks")
}

// GetCaptions 任务的全部字幕（时间为任务全局秒数）
func (c *Client) GetCaptions(ctx context.Context, jobID string) ([]models.CaptionPatch, error) {
	return getList[models.CaptionPatch](ctx, c, jobPath(jobID, "/captions"), nil, "captions")
}

// GetSegmentCaptions 单个片段的字幕，relative 为 true 时时间相对片段起点
func (c *Client) GetSegmentCaptions(ctx context.Context, segmentID string, relative bool) ([]models.CaptionPatch, error) {
	flag := "0"
	if relative {
		flag = "1"
	}
	return getList[models.CaptionPatch](ctx, c, segmentPath(segmentID, "/captions"), url.Values{"relative": {flag}}, "captions")
}

// GetSyncReport 字幕对齐报告
func (c *Client) GetSyncReport(ctx context.Context, jobID string) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, jobPath(jobID, "/sync-report"), nil, &out); err != nil {
		return nil, fmt.Errorf("获取对齐报告失败: %w", err)
	}
	return out, nil
}

// TriggerRealign 请求后端重新对齐字幕
func (c *Client) TriggerRealign(ctx context.Context, jobID string) (map[string]any, error) {
	var out map[string]any
	target := c.endpoint(jobPath(jobID, "/realign"), nil)
	if err := c.do(ctx, c.http, http.MethodPost, target, nil, &out); err != nil {
		return nil, fmt.Errorf("触发重新对齐失败: %w", err)
	}
	return out, nil
}

// GetSegmentPlaybackStatus 片段播放文件状态
func (c *Client) GetSegmentPlaybackStatus(ctx context.Context, segmentID string) (PlaybackStatus, error) {
	var out PlaybackStatus
	if err := c.getJSON(ctx, segmentPath(segmentID, "/playback/status"), nil, &out); err != nil {
		return PlaybackStatus{}, fmt.Errorf("获取播放状态失败: %w", err)
	}
	return out, nil
}

// GetJobVideoStatus 任务源视频状态
func (c *Client) GetJobVideoStatus(ctx context.Context, jobID string) (PlaybackStatus, error) {
	var out PlaybackStatus
	if err := c.getJSON(ctx, jobPath(jobID, "/source/status"), nil, &out); err != nil {
		return PlaybackStatus{}, fmt.Errorf("获取源视频状态失败: %w", err)
	}
	return out, nil
}

// DownloadJobVideo 把任务源视频写入 w（不重试）
func (c *Client) DownloadJobVideo(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.JobVideoURL(jobID), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("下载源视频失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &APIError{StatusCode: resp.StatusCode, Body: data}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("下载源视频失败: %w", err)
	}
	return n, nil
}

// StreamJob 打开任务事件流；lastEventID 非空时用于断线续传
func (c *Client) StreamJob(ctx context.Context, jobID, lastEventID string) (*stream.EventSource, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(jobPath(jobID, "/stream"), nil), nil)
	if err != nil {
		return nil, err
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	return stream.Open(ctx, c.stream, req)
}

// SegmentVideoURL 片段原始视频地址（只构造，不请求）
func (c *Client) SegmentVideoURL(segmentID string) string {
	return c.baseURL + segmentPath(segmentID, "/video")
}

// SegmentPlaybackURL 片段播放地址
func (c *Client) SegmentPlaybackURL(segmentID string) string {
	return c.baseURL + segmentPath(segmentID, "/playback")
}

// JobVideoURL 任务源视频地址
func (c *Client) JobVideoURL(jobID string) string {
	return c.baseURL + jobPath(jobID, "/source")
}

func getList[T any](ctx context.Context, c *Client, path string, query url.Values, key string) ([]T, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, path, query, &raw); err != nil {
		return nil, fmt.Errorf("获取 %s 失败: %w", key, err)
	}
	return decodeList[T](raw, key)
}

func jobPath(jobID, suffix string) string {
	return "/api/jobs/" + url.PathEscape(jobID) + suffix
}

func segmentPath(segmentID, suffix string) string {
	return "/api/segments/" + url.PathEscape(segmentID) + suffix
}
