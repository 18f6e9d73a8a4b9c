// Package httpapi 把订阅中的任务状态以 JSON 暴露给前端
package httpapi

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/z-wentao/livecaption/pkg/jobapi"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/session"
	"github.com/z-wentao/livecaption/pkg/storage"
	"github.com/z-wentao/livecaption/pkg/subtitle"
	"github.com/z-wentao/livecaption/pkg/timeline"
	"github.com/z-wentao/livecaption/pkg/vocabulary"
)

// 当前请求的 Follower 在 gin.Context 中的 key
const followerKey = "follower"

// Deps 依赖（除 Registry 外都可为空）
type Deps struct {
	Registry  *session.Registry
	Backend   *jobapi.Client
	Snapshots storage.SnapshotStore
	Extractor *vocabulary.Extractor
}

// Server HTTP 接口
type Server struct {
	deps Deps
}

// New 创建 Server
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router 设置路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/subscriptions", s.handleListSubscriptions)
		api.POST("/subscriptions", s.handleSubscribe)
		api.GET("/snapshots", s.handleListSnapshots)
		api.GET("/backend/diagnostics", s.requireBackend, s.handleDiagnostics)

		jobs := api.Group("/jobs/:job_id", s.requireFollower)
		jobs.GET("", s.handleGetJob)
		jobs.DELETE("", s.handleReset)
		jobs.GET("/segments", s.handleSegments)
		jobs.GET("/chunks", s.handleChunks)
		jobs.GET("/timeline", s.handleTimeline)
		jobs.GET("/timeline/at", s.handleTimelineAt)
		jobs.GET("/events", s.handleEvents)
		jobs.GET("/subtitles/:format", s.handleSubtitles)
		jobs.GET("/study", s.handleStudy)
		jobs.PUT("/study/active-player", s.handleSetActivePlayer)
		jobs.POST("/realign", s.handleRealign)
		jobs.POST("/extract-vocabulary", s.handleExtractVocabulary)

		// 以下接口直接转发到任务后端，结果合并进分段学习 store
		backend := jobs.Group("", s.requireBackend)
		backend.GET("/sync-report", s.handleSyncReport)
		backend.GET("/source/status", s.handleSourceStatus)
		backend.GET("/source", s.handleSourceVideo)
		backend.GET("/study/segments/:segment_id/captions", s.handleSegmentCaptions)
		backend.GET("/study/segments/:segment_id/playback", s.handleSegmentPlayback)
	}
	return r
}

func (s *Server) requireFollower(c *gin.Context) {
	f, ok := s.deps.Registry.Get(c.Param("job_id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "任务未订阅"})
		return
	}
	c.Set(followerKey, f)
	c.Next()
}

func follower(c *gin.Context) *session.Follower {
	return c.MustGet(followerKey).(*session.Follower)
}

// handlePing 健康检查
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"version": "1.0.0",
	})
}

// SubscribeRequest 订阅请求
type SubscribeRequest struct {
	JobID string `json:"job_id" binding:"required"`
}

// handleSubscribe 订阅任务：首次加载失败时返回 502
func (s *Server) handleSubscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
		return
	}

	f, created, err := s.deps.Registry.Follow(c.Request.Context(), req.JobID)
	if err != nil {
		log.Printf("❌ 订阅任务 %s 失败: %v", req.JobID, err)
		status := http.StatusBadGateway
		if jobapi.IsNotFound(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": fmt.Sprintf("订阅失败: %v", err)})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		log.Printf("✓ 已订阅任务 %s（订阅 %s）", f.JobID(), f.ID())
	}
	c.JSON(status, gin.H{
		"id":      f.ID(),
		"job_id":  f.JobID(),
		"created": created,
	})
}

func (s *Server) handleListSubscriptions(c *gin.Context) {
	ids := s.deps.Registry.JobIDs()
	c.JSON(http.StatusOK, gin.H{"jobs": ids, "total": len(ids)})
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	if s.deps.Snapshots == nil {
		c.JSON(http.StatusOK, gin.H{"snapshots": []storage.Summary{}, "total": 0})
		return
	}
	list, err := s.deps.Snapshots.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": list, "total": len(list)})
}

// handleGetJob 任务状态和连接状态
func (s *Server) handleGetJob(c *gin.Context) {
	store := follower(c).Jobs()
	job, _ := store.Job()
	c.JSON(http.StatusOK, gin.H{
		"job":       job,
		"loading":   store.Loading(),
		"error":     store.Error(),
		"connected": store.Connected(),
		"polling":   store.Polling(),
		"version":   store.Version(),
	})
}

// handleReset 取消订阅并清空状态
func (s *Server) handleReset(c *gin.Context) {
	jobID := c.Param("job_id")
	s.deps.Registry.Unfollow(jobID)
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "message": "已取消订阅"})
}

func (s *Server) handleSegments(c *gin.Context) {
	store := follower(c).Jobs()
	c.JSON(http.StatusOK, gin.H{
		"segments": store.OrderedSegments(),
		"offsets":  store.SegmentOffsets(),
	})
}

func (s *Server) handleChunks(c *gin.Context) {
	store := follower(c).Jobs()
	c.JSON(http.StatusOK, gin.H{
		"chunks":     store.Chunks(),
		"by_segment": store.ChunksBySegment(),
		"completed":  len(store.CompletedChunks()),
	})
}

func (s *Server) handleTimeline(c *gin.Context) {
	entries := follower(c).Jobs().SubtitleEntries()
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// handleTimelineAt 播放时间 t（秒）所在的字幕
func (s *Server) handleTimelineAt(c *gin.Context) {
	t, err := strconv.ParseFloat(c.Query("t"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数 t 必须是秒数"})
		return
	}
	entry, ok := timeline.EntryAt(follower(c).Jobs().SubtitleEntries(), t)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "该时间没有字幕"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// handleEvents 审计日志，since 为上次拿到的最大 seq
func (s *Server) handleEvents(c *gin.Context) {
	store := follower(c).Jobs()
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数 since 错误"})
		return
	}
	records := store.EventsSince(since)
	c.JSON(http.StatusOK, gin.H{"events": records, "total": len(records)})
}

// handleSubtitles 导出 srt / vtt，?text=transcript|translation|bilingual
func (s *Server) handleSubtitles(c *gin.Context) {
	format, err := subtitle.ParseFormat(c.Param("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text := subtitle.Text(c.DefaultQuery("text", string(subtitle.TextTranscript)))
	switch text {
	case subtitle.TextTranscript, subtitle.TextTranslation, subtitle.TextBilingual:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "参数 text 错误: " + string(text)})
		return
	}

	f := follower(c)
	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, f.JobID(), format))
	c.Status(http.StatusOK)
	if err := subtitle.Write(c.Writer, f.Jobs().SubtitleEntries(), subtitle.Options{Format: format, Text: text}); err != nil {
		log.Printf("❌ 导出字幕失败: %v", err)
	}
}

func (s *Server) handleStudy(c *gin.Context) {
	study := follower(c).Study()
	c.JSON(http.StatusOK, gin.H{
		"segments":         study.OrderedSegments(),
		"caption_segments": study.CaptionSegments(),
		"active_player":    study.ActivePlayer(),
		"loading":          study.Loading(),
		"error":            study.Error(),
	})
}

// ActivePlayerRequest 设置当前播放片段，空字符串表示停止
type ActivePlayerRequest struct {
	SegmentID string `json:"segment_id"`
}

func (s *Server) handleSetActivePlayer(c *gin.Context) {
	var req ActivePlayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: " + err.Error()})
		return
	}
	study := follower(c).Study()
	if req.SegmentID != "" {
		if _, ok := study.Segment(req.SegmentID); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "片段不存在"})
			return
		}
	}
	study.SetActivePlayer(req.SegmentID)
	c.JSON(http.StatusOK, gin.H{"active_player": req.SegmentID})
}

func (s *Server) requireBackend(c *gin.Context) {
	if s.deps.Backend == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "未配置任务后端"})
		return
	}
	c.Next()
}

// backendError 后端 404 原样返回，其他错误为 502
func backendError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	if jobapi.IsNotFound(err) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleRealign 转发到任务后端
func (s *Server) handleRealign(c *gin.Context) {
	if s.deps.Backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未配置任务后端"})
		return
	}
	out, err := s.deps.Backend.TriggerRealign(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// handleExtractVocabulary 从当前字幕中提取单词
func (s *Server) handleExtractVocabulary(c *gin.Context) {
	if s.deps.Extractor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未配置 OpenAI API Key，无法提取单词"})
		return
	}

	f := follower(c)
	log.Printf("开始提取单词，任务 ID: %s", f.JobID())
	result, err := s.deps.Extractor.ExtractFromEntries(c.Request.Context(), f.Jobs().SubtitleEntries())
	if errors.Is(err, vocabulary.ErrEmptyTranscript) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "字幕为空，无法提取单词"})
		return
	}
	if err != nil {
		log.Printf("❌ 提取单词失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("提取单词失败: %v", err)})
		return
	}

	log.Printf("✓ 成功提取 %d 个单词", len(result.Words))
	c.JSON(http.StatusOK, gin.H{
		"job_id":       f.JobID(),
		"vocabulary":   result.Words,
		"vocab_detail": result.Details,
		"count":        len(result.Words),
	})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	out, err := s.deps.Backend.Diagnostics(c.Request.Context())
	if err != nil {
		backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSyncReport(c *gin.Context) {
	out, err := s.deps.Backend.GetSyncReport(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleSourceStatus(c *gin.Context) {
	jobID := c.Param("job_id")
	status, err := s.deps.Backend.GetJobVideoStatus(c.Request.Context(), jobID)
	if err != nil {
		backendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       status.Status,
		"playback_url": status.PlaybackURL,
		"error":        status.Error,
		"video_url":    s.deps.Backend.JobVideoURL(jobID),
	})
}

// handleSourceVideo 转发源视频下载
func (s *Server) handleSourceVideo(c *gin.Context) {
	jobID := c.Param("job_id")
	c.Header("Content-Type", "video/mp4")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".mp4"))
	n, err := s.deps.Backend.DownloadJobVideo(c.Request.Context(), jobID, c.Writer)
	if err != nil && n == 0 {
		c.Header("Content-Disposition", "")
		backendError(c, err)
		return
	}
	if err != nil {
		log.Printf("❌ 转发任务 %s 源视频中断: %v", jobID, err)
	}
}

// handleSegmentCaptions 拉取单个片段的字幕并合并进分段学习 store
// relative=1 时时间相对片段起点
func (s *Server) handleSegmentCaptions(c *gin.Context) {
	segmentID := c.Param("segment_id")
	relative := c.Query("relative") == "1" || c.Query("relative") == "true"

	captions, err := s.deps.Backend.GetSegmentCaptions(c.Request.Context(), segmentID, relative)
	if err != nil {
		backendError(c, err)
		return
	}
	study := follower(c).Study()
	study.UpsertSegmentCaptions(segmentID, captions)
	c.JSON(http.StatusOK, gin.H{
		"segment_id": segmentID,
		"relative":   relative,
		"captions":   study.SegmentCaptions(segmentID),
	})
}

// handleSegmentPlayback 查询片段播放文件状态并更新分段学习 store
func (s *Server) handleSegmentPlayback(c *gin.Context) {
	segmentID := c.Param("segment_id")
	status, err := s.deps.Backend.GetSegmentPlaybackStatus(c.Request.Context(), segmentID)
	if err != nil {
		backendError(c, err)
		return
	}

	playbackURL := status.PlaybackURL
	if playbackURL == "" && status.Status == models.PlaybackReady {
		playbackURL = s.deps.Backend.SegmentPlaybackURL(segmentID)
	}
	patch := models.SegmentPatch{ID: segmentID, PlaybackError: models.Ptr(status.Error)}
	if status.Status != "" {
		patch.PlaybackStatus = models.Ptr(status.Status)
	}
	if playbackURL != "" {
		patch.PlaybackURL = models.Ptr(playbackURL)
	}
	study := follower(c).Study()
	study.UpsertSegment(patch)

	seg, _ := study.Segment(segmentID)
	c.JSON(http.StatusOK, gin.H{
		"segment":   seg,
		"video_url": s.deps.Backend.SegmentVideoURL(segmentID),
	})
}
