// Package jobapi 任务后端的 HTTP 客户端
package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/z-wentao/livecaption/pkg/retry"
)

// Config 客户端配置
type Config struct {
	BaseURL   string
	Token     string // Bearer token，可为空
	Timeout   time.Duration
	Retry     retry.Config
	UserAgent string
}

// Client 任务后端客户端
type Client struct {
	baseURL   string
	token     string
	userAgent string
	retry     retry.Config

	http   *http.Client // 普通请求，带超时
	stream *http.Client // 事件流和上传，不设整体超时，由 ctx 控制
}

// New 创建客户端
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "livecaption/1.0"
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		retry:     cfg.Retry,
		http:      &http.Client{Timeout: cfg.Timeout},
		stream:    &http.Client{},
	}
}

// BaseURL 后端地址（去掉末尾的 /）
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError 后端返回非 2xx
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("任务接口返回状态码 %d", e.StatusCode)
	}
	return fmt.Sprintf("任务接口返回状态码 %d: %s", e.StatusCode, body)
}

// IsNotFound err 是否为 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// retryable 5xx、429 和网络错误可以重试，其余 4xx 不重试
func retryable(err error) bool {
	if !retry.IsRetryable(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// body 每次重试都重新构造请求体
type body func() (r io.Reader, contentType string, err error)

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) newRequest(ctx context.Context, method, target string, b body) (*http.Request, error) {
	var (
		r           io.Reader
		contentType string
	)
	if b != nil {
		var err error
		if r, contentType, err = b(); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		// 请求体没人读取，关闭后写入方（上传 goroutine）才能退出
		if rc, ok := r.(io.Closer); ok {
			rc.Close()
		}
		return nil, fmt.Errorf("创建请求失败: %w", retry.Permanent(err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do 发送请求并把 JSON 响应解析到 out（out 为 nil 时丢弃响应体）
func (c *Client) do(ctx context.Context, hc *http.Client, method, target string, b body, out any) error {
	var payload []byte

	err := retry.Do(ctx, c.retry, retryable, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, method, target, b)
		if err != nil {
			return err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return fmt.Errorf("请求 %s %s 失败: %w", method, req.URL.Path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("读取响应失败: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Body: data}
		}
		payload = data
		return nil
	})
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, c.http, http.MethodGet, c.endpoint(path, query), nil, out)
}

// decodeList 列表接口既可能直接返回数组，也可能包在 {"<key>": [...]} 里
func decodeList[T any](raw json.RawMessage, key string) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var list []T
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("解析 %s 列表失败: %w", key, err)
		}
		return list, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("解析 %s 列表失败: %w", key, err)
	}
	for _, k := range []string{key, "items", "data"} {
		if inner, ok := wrapped[k]; ok {
			return decodeList[T](inner, key)
		}
	}
	return nil, nil
}
