package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Mode 区分协商回复与交付物生成两类任务。
type Mode string

const (
	ModeNegotiate Mode = "negotiate"
	ModeWork      Mode = "work"
)

// Request 描述发送给大模型的任务上下文。
type Request struct {
	Mode Mode
	// Role 是本方在协商中的角色，buyer 或 seller。
	Role string
	// Service 描述被协商或被执行的服务。
	Service ServiceBrief
	// Brief 是买方希望完成的工作，卖方协商时为空。
	Brief string
	// Terms 是已成交的条款，仅在 ModeWork 下使用。
	Terms   string
	History []HistoryEntry
}

// ServiceBrief 是服务的简要信息。
type ServiceBrief struct {
	ID          string
	Title       string
	Description string
	Price       string
}

// HistoryEntry 是协商中的一轮消息。
type HistoryEntry struct {
	FromSelf bool
	Type     string
	Content  string
	Price    string
	Deadline int64
	Terms    string
}

// Response 是大模型推理得到的结构化输出。协商模式下 Type 为
// message、proposal、accept 或 ignore；交付模式下只使用 Content。
type Response struct {
	Thought  string `json:"thought"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Price    string `json:"price"`
	Deadline int64  `json:"deadline"`
	Terms    string `json:"terms"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ParseResponse 解析模型输出。无法解析为 JSON 时整段文本作为 Content，
// 协商模式下视为普通消息。
func ParseResponse(mode Mode, content string) *Response {
	content = strings.TrimSpace(content)
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(content, "```json"), "```"), "```")
	var structured struct {
		Thought  string          `json:"thought"`
		Type     string          `json:"type"`
		Content  string          `json:"content"`
		Price    json.RawMessage `json:"price"`
		Deadline json.Number     `json:"deadline"`
		Terms    string          `json:"terms"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &structured); err != nil {
		resp := &Response{Content: content}
		if mode == ModeNegotiate {
			resp.Type = "message"
		}
		return resp
	}
	resp := &Response{
		Thought: structured.Thought,
		Type:    strings.ToLower(strings.TrimSpace(structured.Type)),
		Content: structured.Content,
		Price:   strings.Trim(strings.TrimSpace(string(structured.Price)), `"`),
		Terms:   structured.Terms,
	}
	if deadline, err := structured.Deadline.Int64(); err == nil {
		resp.Deadline = deadline
	}
	if resp.Price == "null" {
		resp.Price = ""
	}
	if mode == ModeNegotiate && (resp.Type == "" || resp.Type == "msg") {
		resp.Type = "message"
	}
	if mode == ModeWork && resp.Content == "" {
		resp.Content = content
	}
	return resp
}
