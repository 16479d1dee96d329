package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"GigaCrew-Agent/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	history := make([]map[string]any, 0, len(req.History))
	for _, entry := range req.History {
		history = append(history, map[string]any{
			"from_self": entry.FromSelf,
			"type":      entry.Type,
			"content":   entry.Content,
			"price":     entry.Price,
			"deadline":  entry.Deadline,
			"terms":     entry.Terms,
		})
	}
	payload := map[string]any{
		"mode": req.Mode,
		"role": req.Role,
		"service": map[string]any{
			"id":          req.Service.ID,
			"title":       req.Service.Title,
			"description": req.Service.Description,
			"price":       req.Service.Price,
		},
		"brief":     req.Brief,
		"terms":     req.Terms,
		"history":   history,
		"timestamp": time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	if strings.TrimSpace(stdout.String()) == "" {
		return nil, fmt.Errorf("Python 脚本没有输出, stderr=%s", strings.TrimSpace(stderr.String()))
	}
	return llm.ParseResponse(req.Mode, stdout.String()), nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
