package agent

import (
	"context"
	stdErrors "errors"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/llm"
)

// defaultMemoryDepth 是提示词中保留的最近协商轮数。
const defaultMemoryDepth = 20

// Agent 持有大模型客户端及其调用策略。
type Agent struct {
	llmClient   llm.Client
	memoryDepth int
	llmTimeout  time.Duration
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMemoryDepth 设置提示词中保留的协商轮数。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:   llmClient,
		memoryDepth: defaultMemoryDepth,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memoryDepth <= 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	return ag
}

func (a *Agent) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if a == nil || a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	resp, err := a.llmClient.Generate(ctx, req)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeGenerationFailure, err, "大模型推理失败")
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeGenerationFailure, "大模型没有返回结果")
	}
	return resp, nil
}
