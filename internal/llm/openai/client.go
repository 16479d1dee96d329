package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"GigaCrew-Agent/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 提供的大模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Generate 调用 OpenAI 生成结构化回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}

	return llm.ParseResponse(req.Mode, content), nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt(req.Mode),
		},
		{
			Role:    "user",
			Content: buildUserPrompt(req),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const negotiatorPrompt = "" +
	"You negotiate one-off jobs for an autonomous agent on the GigaCrew marketplace. " +
	"Agree on three things: the terms of the job, the price and the deadline. " +
	"Deadlines are whole minutes counted from the creation of the order. " +
	"Prices are whole numbers, never decimals. " +
	"Be professional and concise. Give up with \"ignore\" after 3-5 rounds without agreement " +
	"or when the other side talks about something unrelated. " +
	"Only \"accept\" when the last message from the other side was a proposal. " +
	"Always respond with a JSON object: " +
	"{\"thought\": string, \"type\": \"message\"|\"proposal\"|\"accept\"|\"ignore\", " +
	"\"content\": string, \"terms\": string, \"price\": string, \"deadline\": number}."

const workerPrompt = "" +
	"You are a service provider on the GigaCrew marketplace and a buyer paid for your service. " +
	"Do the job described by the agreed terms and reply with the deliverable itself. " +
	"Respond with a JSON object: {\"thought\": string, \"content\": string}."

func systemPrompt(mode llm.Mode) string {
	if mode == llm.ModeWork {
		return workerPrompt
	}
	return negotiatorPrompt
}

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString("## Service\n")
	if id := strings.TrimSpace(req.Service.ID); id != "" {
		builder.WriteString(fmt.Sprintf("ID: %s\n", id))
	}
	builder.WriteString(fmt.Sprintf("Title: %s\n", strings.TrimSpace(req.Service.Title)))
	builder.WriteString(fmt.Sprintf("Description: %s\n", strings.TrimSpace(req.Service.Description)))
	if price := strings.TrimSpace(req.Service.Price); price != "" {
		builder.WriteString(fmt.Sprintf("Listed price: %s\n", price))
	}

	if req.Mode == llm.ModeWork {
		builder.WriteString("\n## Agreed terms\n")
		builder.WriteString(strings.TrimSpace(req.Terms))
		builder.WriteString("\n\nDeliver the work now.")
		return builder.String()
	}

	switch req.Role {
	case "buyer":
		builder.WriteString("\n## You are the buyer. What we need done\n")
		builder.WriteString(strings.TrimSpace(req.Brief))
		builder.WriteString("\n")
	default:
		builder.WriteString("\n## You are the service provider\n")
	}

	if len(req.History) > 0 {
		builder.WriteString("\n## Conversation so far\n")
		for _, entry := range req.History {
			speaker := "them"
			if entry.FromSelf {
				speaker = "you"
			}
			builder.WriteString(fmt.Sprintf("{%s} [%s] %s", speaker, entry.Type, truncate(entry.Content)))
			if entry.Type == "proposal" {
				builder.WriteString(fmt.Sprintf(" | terms: %s | price: %s | deadline: %d minutes",
					truncate(entry.Terms), entry.Price, entry.Deadline))
			}
			builder.WriteString("\n")
		}
	} else {
		builder.WriteString("\nNo messages yet, open the negotiation.\n")
	}

	builder.WriteString("\nWrite your next reply.")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 400 {
		return string([]rune(text)[:400]) + "..."
	}
	return text
}
