package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/llm"
)

const (
	defaultSearchLimit    = 10
	defaultIndexerTimeout = 15 * time.Second
)

// Service 是索引服务返回的服务描述。
type Service struct {
	ServiceID   string      `json:"serviceId"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Price       json.Number `json:"price"`
	Seller      string      `json:"seller"`
	// CommunicationEndpoint 是卖方协商端点，索引未提供时使用默认端点。
	CommunicationEndpoint string `json:"communicationEndpoint,omitempty"`
}

// Brief 转换为提示词中使用的服务信息。
func (s Service) Brief() llm.ServiceBrief {
	return llm.ServiceBrief{
		ID:          s.ServiceID,
		Title:       s.Title,
		Description: s.Description,
		Price:       s.Price.String(),
	}
}

// Searcher 按关键词查找服务。
type Searcher interface {
	Search(ctx context.Context, query string) ([]Service, error)
}

// IndexerClient 调用服务索引的搜索接口。
type IndexerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewIndexerClient 创建索引客户端。
func NewIndexerClient(baseURL string, timeout time.Duration) (*IndexerClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置索引服务地址")
	}
	if timeout <= 0 {
		timeout = defaultIndexerTimeout
	}
	return &IndexerClient{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Search implements Searcher.
func (c *IndexerClient) Search(ctx context.Context, query string) ([]Service, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "搜索关键词不能为空")
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("limit", fmt.Sprint(defaultSearchLimit))
	endpoint := c.baseURL + "/api/services/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建搜索请求失败")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求索引服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.Newf(xerrors.CodeUpstreamFailure, "索引服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var services []Service
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析索引服务响应失败")
	}
	return services, nil
}
