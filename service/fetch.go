package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/houzhh15/sdc-agent/auth"
	"github.com/houzhh15/sdc-agent/logging"
	"github.com/houzhh15/sdc-agent/policy"
	"github.com/houzhh15/sdc-agent/protocol"
)

// 抓取请求中的控制头
const (
	HeaderHTTPMethod  = "x-sdc-http-method"
	HeaderAgentCookie = "x-sdc-agent-cookie"
)

// StrategyDefault 默认抓取策略（直接 HTTP 请求）
const StrategyDefault = "default"

// MaxFetchBodySize 响应体上限，为应答头部与 CBOR 字段预留 64 KiB，保证应答能放进单个帧
const MaxFetchBodySize = protocol.MaxFrameSize - 64<<10

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// FetchHandler 处理 FETCH_REQUEST：校验、按策略引擎准入、异步执行 HTTP 请求并回送 FETCH_REPLY
type FetchHandler struct {
	engine      *policy.Engine
	sender      auth.FrameSender
	client      *http.Client
	maxBodySize int64
	logger      logging.Logger

	sem     chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	once    sync.Once
}

// FetchConfig 抓取配置
type FetchConfig struct {
	Engine        *policy.Engine
	Sender        auth.FrameSender
	Client        *http.Client // 为空时使用 30s 超时的默认客户端
	MaxConcurrent int          // 默认 64
	MaxBodySize   int64        // 响应体上限，默认且最大为 MaxFetchBodySize
	Logger        logging.Logger
}

// NewFetchHandler 创建抓取处理器
func NewFetchHandler(config *FetchConfig) (*FetchHandler, error) {
	if config == nil || config.Engine == nil || config.Sender == nil {
		return nil, errors.New("fetch handler requires a policy engine and a frame sender")
	}
	if config.Client == nil {
		config.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 64
	}
	if config.MaxBodySize <= 0 || config.MaxBodySize > MaxFetchBodySize {
		config.MaxBodySize = MaxFetchBodySize
	}
	if config.Logger == nil {
		config.Logger = &noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &FetchHandler{
		engine:      config.Engine,
		sender:      config.Sender,
		client:      config.Client,
		maxBodySize: config.MaxBodySize,
		logger:      config.Logger,
		sem:         make(chan struct{}, config.MaxConcurrent),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Dispatch 处理一个 FETCH_REQUEST 帧
// 负载无法解析返回帧错误；请求本身的问题以 BAD_REQUEST 回复，不影响会话
func (h *FetchHandler) Dispatch(f *protocol.Frame) error {
	var req protocol.FetchRequest
	if err := protocol.Unmarshal(f.Payload, &req); err != nil {
		return err
	}

	method, err := h.validate(&req)
	if err != nil {
		h.logger.Warn("Rejecting fetch request", "id", req.ID, "resource", req.Resource, "error", err)
		h.reply(&protocol.FetchReply{ID: req.ID, Status: protocol.FetchStatusBadRequest, Contents: []byte(err.Error())})
		return nil
	}
	if !isDefaultStrategy(req.Strategy) {
		h.reply(&protocol.FetchReply{
			ID:       req.ID,
			Status:   protocol.FetchStatusStrategyException,
			Contents: []byte("unsupported strategy " + req.Strategy),
		})
		return nil
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		select {
		case h.sem <- struct{}{}:
			defer func() { <-h.sem }()
		case <-h.ctx.Done():
			return
		}
		h.reply(h.fetch(&req, method))
	}()
	return nil
}

// validate 检查 id、URL 与方法，并要求某条规则放行该 URL
func (h *FetchHandler) validate(req *protocol.FetchRequest) (string, error) {
	if req.ID == "" {
		return "", errors.New("missing request id")
	}
	if req.Resource == "" {
		return "", errors.New("missing resource")
	}
	u, err := url.Parse(req.Resource)
	if err != nil {
		return "", fmt.Errorf("invalid resource url: %w", err)
	}
	if (u.Scheme != policy.SchemeHTTP && u.Scheme != policy.SchemeHTTPS) || u.Host == "" {
		return "", fmt.Errorf("resource %q is not an http(s) url", req.Resource)
	}

	method := http.MethodGet
	for _, hdr := range req.Headers {
		if strings.EqualFold(hdr.Key, HeaderHTTPMethod) {
			method = strings.ToUpper(strings.TrimSpace(hdr.Value))
		}
	}
	if !allowedMethods[method] {
		return "", fmt.Errorf("unsupported method %q", method)
	}

	if _, ok := h.engine.Match(req.Resource); !ok {
		return "", fmt.Errorf("resource %q is not allowed", req.Resource)
	}
	return method, nil
}

func isDefaultStrategy(s string) bool {
	return s == "" || strings.EqualFold(s, StrategyDefault)
}

// fetch 执行 HTTP 请求并构造应答
func (h *FetchHandler) fetch(req *protocol.FetchRequest, method string) (reply *protocol.FetchReply) {
	start := time.Now()
	reply = &protocol.FetchReply{ID: req.ID}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Fetch panicked", "id", req.ID, "panic", r)
			reply = &protocol.FetchReply{ID: req.ID, Status: protocol.FetchStatusAgentError}
		}
		reply.Latency = time.Since(start).Milliseconds()
	}()

	var body io.Reader
	if len(req.Contents) > 0 {
		body = bytes.NewReader(req.Contents)
	}
	httpReq, err := http.NewRequestWithContext(h.ctx, method, req.Resource, body)
	if err != nil {
		reply.Status = protocol.FetchStatusAgentError
		reply.Contents = []byte(err.Error())
		return reply
	}
	for _, hdr := range req.Headers {
		if strings.EqualFold(hdr.Key, HeaderHTTPMethod) || strings.EqualFold(hdr.Key, HeaderAgentCookie) {
			continue
		}
		httpReq.Header.Add(hdr.Key, hdr.Value)
	}
	httpReq.Header.Set("Connection", "close")
	httpReq.Close = true

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.logger.Debug("Fetch failed", "id", req.ID, "resource", req.Resource, "error", err)
		reply.Status = protocol.FetchStatusIOException
		reply.Contents = []byte(err.Error())
		return reply
	}
	defer resp.Body.Close()

	contents, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBodySize+1))
	if err != nil {
		reply.Status = protocol.FetchStatusIOException
		reply.Contents = []byte(err.Error())
		return reply
	}
	if int64(len(contents)) > h.maxBodySize {
		reply.Status = protocol.FetchStatusIOException
		reply.Contents = []byte(fmt.Sprintf("response body exceeds %d bytes", h.maxBodySize))
		return reply
	}

	reply.Status = protocol.FetchStatusOK
	reply.HTTPStatus = resp.StatusCode
	reply.Contents = contents
	for key, values := range resp.Header {
		for _, v := range values {
			reply.Headers = append(reply.Headers, protocol.MessageHeader{Key: key, Value: v})
		}
	}
	h.logger.Debug("Fetch completed", "id", req.ID, "status", resp.StatusCode, "bytes", len(contents))
	return reply
}

// reply 回送应答；应答无法成帧时改为 IO_EXCEPTION 应答
func (h *FetchHandler) reply(r *protocol.FetchReply) {
	f, err := protocol.NewFrame(protocol.FrameTypeFetchReply, r)
	if err == nil {
		err = protocol.CheckFrameSize(f)
	}
	if err != nil {
		h.logger.Error("Fetch reply not framed", "id", r.ID, "bytes", len(r.Contents), "error", err)
		f, err = protocol.NewFrame(protocol.FrameTypeFetchReply, &protocol.FetchReply{
			ID:       r.ID,
			Status:   protocol.FetchStatusIOException,
			Latency:  r.Latency,
			Contents: []byte("reply exceeds max frame size"),
		})
		if err != nil {
			h.logger.Error("Encode fetch reply failed", "id", r.ID, "error", err)
			return
		}
	}
	if err := h.sender.SendFrame(f); err != nil {
		h.logger.Debug("Fetch reply not sent", "id", r.ID, "error", err)
	}
}

// Stop 取消进行中的请求并等待退出，可重复调用
func (h *FetchHandler) Stop() error {
	h.once.Do(func() {
		h.mu.Lock()
		h.stopped = true
		h.mu.Unlock()

		h.cancel()
		h.wg.Wait()
	})
	return nil
}
