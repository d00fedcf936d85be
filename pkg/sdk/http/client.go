package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/quantsignal/pkg/ratelimit"
)

// Options 客户端选项
type Options struct {
	Timeout    time.Duration
	RetryCount int
	Proxy      string                // 为空时 resty 从 HTTPS_PROXY 等环境变量读取
	Limiter    ratelimit.RateLimiter // 可选；每次请求前等待
	UserAgent  string
}

type Client struct {
	client  *resty.Client
	limiter ratelimit.RateLimiter
	ua      string
}

func NewClient(host string, opts Options) *Client {
	host = strings.TrimSuffix(host, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "quantsignal/1.0"
	}

	client := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return resp != nil && (resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500)
		}).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时使用 Retry-After 头
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if s, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil && s > 0 {
					return time.Duration(s) * time.Second, nil
				}
				return 2 * time.Second, nil
			}
			return 0, nil
		})
	if opts.Proxy != "" {
		client.SetProxy(opts.Proxy)
	}
	return &Client{client: client, limiter: opts.Limiter, ua: opts.UserAgent}
}

type RequestOptions struct {
	Headers map[string]string
	Data    any
	Params  map[string]any
}

// 仅设置本次请求的默认 Header（不要再改 client 级 Header）
func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	r.SetHeader("User-Agent", c.ua)
	return r
}

// Do 发送请求；out 非空时解析 JSON 响应。非 2xx 返回 *StatusError。
func (c *Client) Do(ctx context.Context, method, endpoint string, opt *RequestOptions, out any) (*resty.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "等待限流令牌")
		}
	}
	rc := c.newRequest(ctx)
	if opt != nil {
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if opt.Params != nil {
			rc.SetQueryParamsFromValues(toValues(opt.Params))
		}
		if opt.Data != nil {
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}
	if out != nil {
		// 部分接口返回 text/plain，统一按 JSON 解析
		rc.ForceContentType("application/json")
		rc.SetResult(out)
	}

	var (
		resp *resty.Response
		err  error
	)
	switch strings.ToUpper(method) {
	case http.MethodGet:
		resp, err = rc.Get(endpoint)
	case http.MethodPost:
		resp, err = rc.Post(endpoint)
	case http.MethodDelete:
		resp, err = rc.Delete(endpoint)
	case http.MethodPut:
		resp, err = rc.Put(endpoint)
	default:
		return nil, errors.Errorf("unsupported method: %s", method)
	}
	if err != nil {
		return resp, errors.Wrapf(err, "%s %s", method, endpoint)
	}
	if !resp.IsSuccess() {
		return resp, &StatusError{Code: resp.StatusCode(), Endpoint: endpoint, Body: truncate(string(resp.Body()), 300)}
	}
	return resp, nil
}

// GetJSON GET 并解析 JSON
func (c *Client) GetJSON(ctx context.Context, endpoint string, params map[string]any, out any) error {
	_, err := c.Do(ctx, http.MethodGet, endpoint, &RequestOptions{Params: params}, out)
	return err
}

// PostJSON POST JSON body
func (c *Client) PostJSON(ctx context.Context, endpoint string, headers map[string]string, body any, out any) error {
	_, err := c.Do(ctx, http.MethodPost, endpoint, &RequestOptions{Headers: headers, Data: body}, out)
	return err
}

// StatusError 非 2xx 响应
type StatusError struct {
	Code     int
	Endpoint string
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d %s: %s", e.Code, e.Endpoint, e.Body)
}

// IsStatus 判断错误是否为指定状态码
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case []string:
			v[k] = t
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
