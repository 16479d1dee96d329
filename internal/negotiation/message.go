package negotiation

import (
	"encoding/json"
	"regexp"
	"strings"

	xerrors "GigaCrew-Agent/internal/errors"
)

// MessageType distinguishes chat turns from binding proposals.
type MessageType string

const (
	TypeMessage  MessageType = "message"
	TypeProposal MessageType = "proposal"
)

// DefaultMinDeadline is the smallest deadline, in minutes, a proposal may carry.
const DefaultMinDeadline int64 = 2

var pricePattern = regexp.MustCompile(`^\d+$`)

// Message is one frame of the negotiation wire protocol.
type Message struct {
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp int64       `json:"timestamp"`
	Trail     string      `json:"trail"`
	Signature string      `json:"signature"`

	// Proposal fields. Deadline is expressed in minutes and ProposalExpiry in
	// epoch seconds.
	Price             string `json:"price,omitempty"`
	Deadline          int64  `json:"deadline,omitempty"`
	Terms             string `json:"terms,omitempty"`
	ProposalExpiry    int64  `json:"proposalExpiry,omitempty"`
	ProposalSignature string `json:"proposalSignature,omitempty"`
}

// IsProposal reports whether the message commits to commercial terms.
func (m Message) IsProposal() bool {
	return m.Type == TypeProposal
}

// DeadlineSeconds converts the proposal deadline from minutes to seconds.
func (m Message) DeadlineSeconds() int64 {
	return m.Deadline * 60
}

// wireMessage keeps optional fields as pointers so that presence can be
// checked exactly.
type wireMessage struct {
	Type              *string `json:"type"`
	Content           *string `json:"content"`
	Timestamp         *int64  `json:"timestamp"`
	Trail             *string `json:"trail"`
	Signature         *string `json:"signature"`
	Price             *string `json:"price"`
	Deadline          *int64  `json:"deadline"`
	Terms             *string `json:"terms"`
	ProposalExpiry    *int64  `json:"proposalExpiry"`
	ProposalSignature *string `json:"proposalSignature"`
}

// DecodeMessage parses a frame and checks its schema. minDeadline is in
// minutes; zero selects DefaultMinDeadline.
func DecodeMessage(data []byte, minDeadline int64) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeProtocolViolation, err, "消息不是合法的 JSON")
	}
	if wire.Type == nil || wire.Content == nil || wire.Timestamp == nil || wire.Trail == nil || wire.Signature == nil {
		return Message{}, xerrors.New(xerrors.CodeProtocolViolation, "消息缺少必填字段")
	}

	msg := Message{
		Type:      MessageType(*wire.Type),
		Content:   *wire.Content,
		Timestamp: *wire.Timestamp,
		Trail:     strings.TrimSpace(*wire.Trail),
		Signature: strings.TrimSpace(*wire.Signature),
	}

	switch msg.Type {
	case TypeMessage:
		if wire.Price != nil || wire.Deadline != nil || wire.Terms != nil || wire.ProposalExpiry != nil || wire.ProposalSignature != nil {
			return Message{}, xerrors.New(xerrors.CodeProtocolViolation, "普通消息不能携带报价字段")
		}
	case TypeProposal:
		if wire.Price == nil || wire.Deadline == nil || wire.Terms == nil || wire.ProposalExpiry == nil || wire.ProposalSignature == nil {
			return Message{}, xerrors.New(xerrors.CodeProtocolViolation, "报价消息缺少必填字段")
		}
		msg.Price = *wire.Price
		msg.Deadline = *wire.Deadline
		msg.Terms = *wire.Terms
		msg.ProposalExpiry = *wire.ProposalExpiry
		msg.ProposalSignature = strings.TrimSpace(*wire.ProposalSignature)
	default:
		return Message{}, xerrors.Newf(xerrors.CodeProtocolViolation, "未知的消息类型 %q", msg.Type)
	}

	if err := msg.Validate(minDeadline); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the field-level invariants of a message.
func (m Message) Validate(minDeadline int64) error {
	if minDeadline <= 0 {
		minDeadline = DefaultMinDeadline
	}
	if m.Timestamp <= 0 {
		return xerrors.New(xerrors.CodeProtocolViolation, "timestamp 必须为正数")
	}
	if m.Trail == "" || m.Signature == "" {
		return xerrors.New(xerrors.CodeProtocolViolation, "trail 与 signature 不能为空")
	}
	if !m.IsProposal() {
		return nil
	}
	if !ValidPrice(m.Price) {
		return xerrors.Newf(xerrors.CodeProtocolViolation, "price %q 必须为整数", m.Price)
	}
	if m.Deadline < minDeadline {
		return xerrors.Newf(xerrors.CodeProtocolViolation, "deadline %d 小于最小值 %d 分钟", m.Deadline, minDeadline)
	}
	if strings.TrimSpace(m.Terms) == "" {
		return xerrors.New(xerrors.CodeProtocolViolation, "terms 不能为空")
	}
	if m.ProposalExpiry <= 0 || m.ProposalSignature == "" {
		return xerrors.New(xerrors.CodeProtocolViolation, "报价缺少有效期或签名")
	}
	return nil
}

// ValidPrice reports whether price is a whole number without sign or decimals.
func ValidPrice(price string) bool {
	return pricePattern.MatchString(price)
}

// Encode serialises the message as a single JSON frame.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
