package agent

import (
	"context"
	"strings"

	"GigaCrew-Agent/internal/llm"
	"GigaCrew-Agent/internal/negotiation"
)

// NegotiatorDecider 用大模型为协商会话生成每一轮回复。
type NegotiatorDecider struct {
	agent   *Agent
	service llm.ServiceBrief
	brief   string
}

var _ negotiation.Decider = (*NegotiatorDecider)(nil)

// Negotiator 返回针对某个服务的决策器。brief 是买方要完成的工作，
// 卖方传空字符串。
func (a *Agent) Negotiator(service llm.ServiceBrief, brief string) *NegotiatorDecider {
	return &NegotiatorDecider{agent: a, service: service, brief: brief}
}

// Decide implements negotiation.Decider.
func (d *NegotiatorDecider) Decide(ctx context.Context, turn negotiation.Turn) (negotiation.Decision, error) {
	resp, err := d.agent.generate(ctx, llm.Request{
		Mode:    llm.ModeNegotiate,
		Role:    string(turn.Role),
		Service: d.service,
		Brief:   d.brief,
		History: d.history(turn),
	})
	if err != nil {
		return negotiation.Decision{}, err
	}
	return toDecision(resp, turn.Inbound), nil
}

// history 还原每条消息的发送方。会话严格一问一答，买方先发言。
func (d *NegotiatorDecider) history(turn negotiation.Turn) []llm.HistoryEntry {
	entries := make([]llm.HistoryEntry, 0, len(turn.History))
	for i, msg := range turn.History {
		entries = append(entries, llm.HistoryEntry{
			FromSelf: (i%2 == 0) == (turn.Role == negotiation.RoleBuyer),
			Type:     string(msg.Type),
			Content:  msg.Content,
			Price:    msg.Price,
			Deadline: msg.Deadline,
			Terms:    msg.Terms,
		})
	}
	if depth := d.agent.memoryDepth; len(entries) > depth {
		entries = entries[len(entries)-depth:]
	}
	return entries
}

func toDecision(resp *llm.Response, inbound *negotiation.Message) negotiation.Decision {
	decision := negotiation.Decision{
		Type:    negotiation.DecisionType(resp.Type),
		Content: strings.TrimSpace(resp.Content),
	}
	switch decision.Type {
	case negotiation.DecisionIgnore:
	case negotiation.DecisionAccept:
		// 对方上一条不是报价时无法接受，退化为普通消息。
		if inbound == nil || !inbound.IsProposal() {
			decision.Type = negotiation.DecisionMessage
		}
	case negotiation.DecisionProposal:
		decision.Price = normalizePrice(resp.Price)
		decision.Deadline = resp.Deadline
		decision.Terms = strings.TrimSpace(resp.Terms)
		if !negotiation.ValidPrice(decision.Price) || decision.Deadline <= 0 || decision.Terms == "" {
			decision = negotiation.Decision{Type: negotiation.DecisionMessage, Content: decision.Content}
		}
	default:
		decision.Type = negotiation.DecisionMessage
	}
	if decision.Content == "" && decision.Type != negotiation.DecisionIgnore {
		decision.Content = "..."
	}
	return decision
}

func normalizePrice(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "$")
	raw = strings.ReplaceAll(raw, ",", "")
	return strings.TrimSpace(raw)
}
