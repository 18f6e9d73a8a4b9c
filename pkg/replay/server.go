package replay

import (
	"context"
	"log"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/z-wentao/livecaption/pkg/fingerprint"
	"github.com/z-wentao/livecaption/pkg/jobapi"
	"github.com/z-wentao/livecaption/pkg/jobstore"
	"github.com/z-wentao/livecaption/pkg/models"
	"github.com/z-wentao/livecaption/pkg/queue"
	"github.com/z-wentao/livecaption/pkg/reconcile"
)

// Server 假的任务后端：状态随回放推进，事件通过 SSE 推给订阅者
type Server struct {
	fixture   *Fixture
	payloads  [][]byte
	publisher queue.Publisher
	state     *jobstore.Store

	mu       sync.Mutex
	history  [][]byte
	finished bool
	version  reconcile.Version
}

// NewServer 创建回放服务，publisher 可为空
func NewServer(fixture *Fixture, publisher queue.Publisher) (*Server, error) {
	payloads, err := fixture.payloads()
	if err != nil {
		return nil, err
	}
	state := jobstore.New(jobstore.Options{AuditCap: len(payloads) + 1})
	state.Restore(fixture.snapshot())

	return &Server{
		fixture:   fixture,
		payloads:  payloads,
		publisher: publisher,
		state:     state,
	}, nil
}

// JobID 回放任务 id
func (s *Server) JobID() string {
	return s.fixture.Job.ID
}

// Play 按间隔回放全部事件，speed 大于 1 时加速
func (s *Server) Play(ctx context.Context, speed float64) error {
	if speed <= 0 {
		speed = 1
	}
	for i, payload := range s.payloads {
		if d := time.Duration(float64(s.fixture.Events[i].Delay) / speed); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}

		s.state.ApplyPayload(payload)
		s.mu.Lock()
		s.history = append(s.history, payload)
		s.version.Bump()
		s.mu.Unlock()

		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, s.JobID(), payload); err != nil {
				log.Printf("❌ 发布第 %d 条事件失败: %v", i+1, err)
				return err
			}
		}
	}

	s.mu.Lock()
	s.finished = true
	s.version.Bump()
	s.mu.Unlock()
	log.Printf("✓ 任务 %s 回放完成，共 %d 条事件", s.JobID(), len(s.payloads))
	return nil
}

// Played 已回放的事件数
func (s *Server) Played() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Router 任务后端的路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/diagnostics", s.handleDiagnostics)
		api.POST("/jobs", s.handleCreateJob)

		jobs := api.Group("/jobs/:job_id", s.requireJob)
		jobs.GET("", s.handleGetJob)
		jobs.GET("/segments", s.handleSegments)
		jobs.GET("/segments-live", s.handleSegments)
		jobs.GET("/chunks", s.handleChunks)
		jobs.GET("/captions", s.handleCaptions)
		jobs.GET("/sync-report", s.handleSyncReport)
		jobs.POST("/realign", s.handleRealign)
		jobs.GET("/stream", s.handleStream)
		jobs.GET("/source/status", s.handleSourceStatus)

		api.GET("/segments/:segment_id/captions", s.handleSegmentCaptions)
		api.GET("/segments/:segment_id/playback/status", s.handlePlaybackStatus)
	}
	return r
}

func (s *Server) requireJob(c *gin.Context) {
	if c.Param("job_id") != s.JobID() {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": "replay"})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"job_id":   s.JobID(),
		"events":   len(s.payloads),
		"played":   s.Played(),
		"segments": len(s.state.Segments()),
	})
}

// handleCreateJob 接受上传，返回回放任务
func (s *Server) handleCreateJob(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请上传文件"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取上传文件失败"})
		return
	}
	defer f.Close()

	fp, err := fingerprint.Reader(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if hash := c.PostForm("file_hash"); hash != "" && hash != fp.Hash {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_hash 与文件内容不一致"})
		return
	}

	s.state.UpdateJob(models.JobPatch{ID: s.JobID(), Filename: models.Ptr(file.Filename)})
	job, _ := s.state.Job()
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, _ := s.state.Job()
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleSegments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"segments": s.state.OrderedSegments()})
}

func (s *Server) handleChunks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"chunks": s.state.Chunks()})
}

// handleCaptions 直接返回数组
func (s *Server) handleCaptions(c *gin.Context) {
	c.JSON(http.StatusOK, s.state.Captions())
}

func (s *Server) handleSegmentCaptions(c *gin.Context) {
	segmentID := c.Param("segment_id")
	relative := c.Query("relative") == "1"
	offset := s.state.SegmentOffsets()[segmentID]

	list := make([]models.Caption, 0)
	for _, caption := range s.state.Captions() {
		if caption.SegmentID != segmentID {
			continue
		}
		if relative {
			caption.StartSeconds -= offset
			caption.EndSeconds -= offset
		}
		list = append(list, caption)
	}
	c.JSON(http.StatusOK, gin.H{"captions": list})
}

func (s *Server) handleSyncReport(c *gin.Context) {
	completed := len(s.state.CompletedChunks())
	c.JSON(http.StatusOK, gin.H{
		"job_id":           s.JobID(),
		"chunks":           len(s.state.Chunks()),
		"completed_chunks": completed,
		"captions":         len(s.state.Captions()),
	})
}

func (s *Server) handleRealign(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"job_id": s.JobID(), "status": "queued"})
}

func (s *Server) handleSourceStatus(c *gin.Context) {
	c.JSON(http.StatusOK, jobapi.PlaybackStatus{Status: models.PlaybackReady, PlaybackURL: "/api/jobs/" + s.JobID() + "/source"})
}

func (s *Server) handlePlaybackStatus(c *gin.Context) {
	for _, seg := range s.state.Segments() {
		if seg.ID == c.Param("segment_id") {
			c.JSON(http.StatusOK, jobapi.PlaybackStatus{
				Status:      seg.PlaybackStatus,
				PlaybackURL: seg.PlaybackURL,
				Error:       seg.PlaybackError,
			})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "片段不存在"})
}

// handleStream 先补发 Last-Event-ID 之后的历史事件，再推送新事件
// 回放结束后关闭连接
func (s *Server) handleStream(c *gin.Context) {
	last, _ := strconv.Atoi(c.GetHeader("Last-Event-ID"))
	if last < 0 {
		last = 0
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	sent := 0
	for {
		s.mu.Lock()
		changed := s.version.Changes()
		var backlog [][]byte
		if last < len(s.history) {
			backlog = slices.Clone(s.history[last:])
		}
		finished := s.finished
		s.mu.Unlock()

		for _, payload := range backlog {
			last++
			c.Render(-1, sse.Event{
				Id:    strconv.Itoa(last),
				Event: "message",
				Data:  string(payload),
			})
			c.Writer.Flush()

			sent++
			if drop := s.fixture.StreamDropAfter; drop > 0 && sent >= drop {
				return
			}
		}
		if finished {
			return
		}

		select {
		case <-changed:
		case <-c.Request.Context().Done():
			return
		}
	}
}
