package errors

import "sync"

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 协商与结算相关的错误码。
const (
	// CodeProtocolViolation 覆盖格式错误、trail 不一致、并发消息等情况，会话立即终止。
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"
	// CodeMessageExpired 表示消息时间戳超出新鲜度窗口。
	CodeMessageExpired Code = "MESSAGE_EXPIRED"
	// CodeAuthenticationFailure 表示传输签名或报价签名校验失败。
	CodeAuthenticationFailure Code = "AUTHENTICATION_FAILURE"
	// CodeLedgerTransient 表示链上返回了可解析的“尚未到期”错误。
	CodeLedgerTransient Code = "LEDGER_TRANSIENT"
	// CodeLedgerFailure 表示其余链上交易或调用失败。
	CodeLedgerFailure Code = "LEDGER_FAILURE"
	// CodeGenerationFailure 表示大模型或外部脚本没有给出可用的结果。
	CodeGenerationFailure Code = "GENERATION_FAILURE"
	// CodeUpstreamFailure 表示索引服务等外部 HTTP 依赖异常。
	CodeUpstreamFailure Code = "UPSTREAM_FAILURE"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
		CodeProtocolViolation:     {Message: "negotiation protocol violation", Severity: SeverityWarning},
		CodeMessageExpired:        {Message: "negotiation message expired", Severity: SeverityInfo},
		CodeAuthenticationFailure: {Message: "signature verification failed", Severity: SeverityWarning, Alert: true},
		CodeLedgerTransient:       {Message: "ledger action not yet eligible", Severity: SeverityInfo, Retryable: true},
		CodeLedgerFailure:         {Message: "ledger transaction failed", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeGenerationFailure:     {Message: "content generation failed", Severity: SeverityWarning, Retryable: true},
		CodeUpstreamFailure:       {Message: "upstream service failed", Severity: SeverityWarning, Retryable: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
