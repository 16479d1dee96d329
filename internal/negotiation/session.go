package negotiation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/observability/metrics"
	"GigaCrew-Agent/internal/order"
	"GigaCrew-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// State is the position of a session in its lifecycle.
type State int

const (
	StateOpening State = iota
	StateEstablished
	StateNegotiating
	StateAccepted
	StateIgnored
	StateExpired
	StateFailed
)

var stateNames = [...]string{"opening", "established", "negotiating", "accepted", "ignored", "expired", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateAccepted
}

// DefaultTTL is the freshness window for inbound messages.
const DefaultTTL = 5 * time.Second

// Conn is a message-oriented bidirectional channel. ReadMessage returns
// io.EOF when the peer closes normally.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// ProposalStore persists issued proposals so that an escrow created for
// them can later be materialised into an order.
type ProposalStore interface {
	InsertProposal(ctx context.Context, p order.Proposal) error
}

// Direction tells transcript consumers who produced a turn.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TranscriptEntry is one persisted turn of a session.
type TranscriptEntry struct {
	SessionID    string
	Role         Role
	Direction    Direction
	Counterparty string
	Message      Message
	NewTrail     string
	RecordedAt   time.Time
}

// Transcript stores a copy of every validated turn.
type Transcript interface {
	Record(ctx context.Context, entry TranscriptEntry) error
}

// Result is the outcome of an accepted negotiation.
type Result struct {
	SessionID         string         `json:"session_id"`
	Counterparty      common.Address `json:"counterparty"`
	OrderID           string         `json:"order_id"`
	ServiceID         string         `json:"service_id,omitempty"`
	Terms             string         `json:"terms"`
	Price             string         `json:"price"`
	Deadline          int64          `json:"deadline"`
	ProposalExpiry    int64          `json:"proposal_expiry"`
	ProposalSignature string         `json:"proposal_signature"`
}

// Option customises a Session.
type Option func(*Session)

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) Option {
	return func(s *Session) {
		if strings.TrimSpace(id) != "" {
			s.id = id
		}
	}
}

// WithServiceID tags issued proposals with the negotiated service.
func WithServiceID(serviceID string) Option {
	return func(s *Session) { s.serviceID = serviceID }
}

// WithExpectedCounterparty pins the counterparty address up front.
func WithExpectedCounterparty(addr common.Address) Option {
	return func(s *Session) { s.expectedPeer = addr }
}

// WithTTL sets the inbound freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Session) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMinDeadline sets the minimum proposal deadline in minutes.
func WithMinDeadline(minutes int64) Option {
	return func(s *Session) {
		if minutes > 0 {
			s.minDeadline = minutes
		}
	}
}

// WithProposalTTL sets how long outgoing proposals stay valid.
func WithProposalTTL(ttl time.Duration) Option {
	return func(s *Session) {
		if ttl >= time.Second {
			s.proposalTTL = ttl
		}
	}
}

// WithProposalStore records every outgoing proposal.
func WithProposalStore(store ProposalStore) Option {
	return func(s *Session) { s.proposals = store }
}

// WithTranscript persists every turn.
func WithTranscript(t Transcript) Option {
	return func(s *Session) { s.transcript = t }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session drives one connection from opening to a terminal state. It is not
// safe to call Run more than once.
type Session struct {
	id           string
	role         Role
	conn         Conn
	signer       *Signer
	decider      Decider
	proposals    ProposalStore
	transcript   Transcript
	serviceID    string
	expectedPeer common.Address
	ttl          time.Duration
	proposalTTL  time.Duration
	minDeadline  int64
	now          func() time.Time
	logger       *slog.Logger

	busy atomic.Bool

	mu        sync.Mutex
	state     State
	err       error
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Owned by the goroutine running Run.
	trail        string
	counterparty common.Address
	lastInbound  *Message
	history      []Message
}

// NewSession builds a session for role over conn.
func NewSession(role Role, conn Conn, signer *Signer, decider Decider, opts ...Option) *Session {
	s := &Session{
		id:          uuid.NewString(),
		role:        role,
		conn:        conn,
		signer:      signer,
		decider:     decider,
		ttl:         DefaultTTL,
		proposalTTL: time.Duration(ProposalTTLSeconds) * time.Second,
		minDeadline: DefaultMinDeadline,
		now:         time.Now,
		trail:       GenesisTrail,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("negotiation")
	}
	s.logger = s.logger.With(slog.String("session_id", s.id), slog.String("role", string(role)))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run exchanges messages until the session reaches a terminal state. A
// non-nil Result is returned only for StateAccepted. The buyer side opens
// the conversation; the seller side waits for the first message.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	if s.conn == nil || s.signer == nil || s.decider == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话缺少连接、签名器或决策器")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	defer s.closeConn()

	metrics.SessionStarted(string(s.role))
	defer func() { metrics.SessionFinished(string(s.role), s.State().String()) }()

	go func() {
		<-ctx.Done()
		s.closeConn()
	}()

	inbox := make(chan []byte, 1)
	if s.role == RoleBuyer {
		s.busy.Store(true)
	}
	go s.readLoop(ctx, inbox)

	if s.role == RoleBuyer {
		decision, err := s.decide(ctx, nil)
		if err != nil {
			return nil, s.terminate(StateFailed, err)
		}
		if res, done, err := s.respond(ctx, decision); done {
			return res, err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, s.terminate(StateFailed, ctx.Err())
		case raw := <-inbox:
			if res, done, err := s.handle(ctx, raw); done {
				return res, err
			}
		}
	}
}

// readLoop forwards frames one at a time. A frame that arrives while the
// previous one is still being processed fails the session.
func (s *Session) readLoop(ctx context.Context, inbox chan<- []byte) {
	for {
		raw, err := s.conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				s.terminate(StateIgnored, nil)
				return
			}
			s.terminate(StateFailed, xerrors.Wrap(xerrors.CodeProtocolViolation, err, "读取消息失败"))
			return
		}
		if !s.busy.CompareAndSwap(false, true) {
			s.terminate(StateFailed, xerrors.New(xerrors.CodeProtocolViolation, "上一条消息尚未处理完成时收到新消息"))
			return
		}
		select {
		case inbox <- raw:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, raw []byte) (*Result, bool, error) {
	msg, err := DecodeMessage(raw, s.minDeadline)
	if err != nil {
		return nil, true, s.terminate(StateFailed, err)
	}

	now := s.now()
	if age := now.UnixMilli() - msg.Timestamp; age > s.ttl.Milliseconds() {
		return nil, true, s.terminate(StateExpired, xerrors.Newf(xerrors.CodeMessageExpired, "消息已过期 %d ms", age))
	}
	if msg.Trail != s.trail {
		return nil, true, s.terminate(StateFailed, xerrors.Newf(xerrors.CodeProtocolViolation, "trail 不一致: 期望 %s, 收到 %s", s.trail, msg.Trail))
	}

	newTrail := ComputeTrail(msg.Trail, msg)
	sender, err := RecoverTrailSigner(newTrail, msg.Signature)
	if err != nil {
		return nil, true, s.terminate(StateFailed, err)
	}
	if err := s.bindCounterparty(sender); err != nil {
		return nil, true, s.terminate(StateFailed, err)
	}
	if msg.IsProposal() {
		if !VerifyProposal(newTrail, msg.ProposalExpiry, msg.Price, msg.DeadlineSeconds(), msg.ProposalSignature, s.counterparty) {
			return nil, true, s.terminate(StateFailed, xerrors.New(xerrors.CodeAuthenticationFailure, "报价签名校验失败"))
		}
		if msg.ProposalExpiry <= now.Unix() {
			return nil, true, s.terminate(StateFailed, xerrors.New(xerrors.CodeProtocolViolation, "报价已过期"))
		}
	}

	s.trail = newTrail
	s.lastInbound = &msg
	s.history = append(s.history, msg)
	s.record(ctx, DirectionInbound, msg, newTrail)

	decision, err := s.decide(ctx, &msg)
	if err != nil {
		return nil, true, s.terminate(StateFailed, err)
	}
	return s.respond(ctx, decision)
}

func (s *Session) bindCounterparty(sender common.Address) error {
	if s.counterparty == (common.Address{}) {
		if s.expectedPeer != (common.Address{}) && sender != s.expectedPeer {
			return xerrors.Newf(xerrors.CodeAuthenticationFailure, "对端地址 %s 与预期 %s 不符", sender.Hex(), s.expectedPeer.Hex())
		}
		s.counterparty = sender
		s.setState(StateEstablished)
		s.logger.Info("协商对端已确认", slog.String("counterparty", sender.Hex()))
		return nil
	}
	if sender != s.counterparty {
		return xerrors.Newf(xerrors.CodeAuthenticationFailure, "消息签名者 %s 不是对端 %s", sender.Hex(), s.counterparty.Hex())
	}
	return nil
}

func (s *Session) decide(ctx context.Context, inbound *Message) (Decision, error) {
	history := make([]Message, len(s.history))
	copy(history, s.history)
	decision, err := s.decider.Decide(ctx, Turn{
		SessionID:    s.id,
		Role:         s.role,
		ServiceID:    s.serviceID,
		Counterparty: s.counterparty,
		Inbound:      inbound,
		History:      history,
	})
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeUnknown, err, "生成协商回复失败")
	}
	return decision, nil
}

func (s *Session) respond(ctx context.Context, decision Decision) (*Result, bool, error) {
	switch decision.Type {
	case DecisionAccept:
		p := s.lastInbound
		if p == nil || !p.IsProposal() {
			return nil, true, s.terminate(StateFailed, xerrors.New(xerrors.CodeProtocolViolation, "只能接受对方刚发出的报价"))
		}
		res := &Result{
			SessionID:         s.id,
			Counterparty:      s.counterparty,
			OrderID:           s.trail,
			ServiceID:         s.serviceID,
			Terms:             p.Terms,
			Price:             p.Price,
			Deadline:          p.DeadlineSeconds(),
			ProposalExpiry:    p.ProposalExpiry,
			ProposalSignature: p.ProposalSignature,
		}
		if err := s.terminate(StateAccepted, nil); err != nil {
			return nil, true, err
		}
		logger.Audit().Info("negotiation_accepted",
			slog.String("session_id", s.id),
			slog.String("order_id", res.OrderID),
			slog.String("counterparty", res.Counterparty.Hex()),
			slog.String("price", res.Price),
			slog.Int64("deadline", res.Deadline),
		)
		return res, true, nil
	case DecisionIgnore:
		return nil, true, s.terminate(StateIgnored, nil)
	case DecisionMessage, DecisionProposal:
		if err := s.send(ctx, decision); err != nil {
			return nil, true, s.terminate(StateFailed, err)
		}
		return nil, false, nil
	default:
		return nil, true, s.terminate(StateFailed, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的决策类型 %q", decision.Type))
	}
}

func (s *Session) send(ctx context.Context, decision Decision) error {
	msg, newTrail, err := s.compose(ctx, decision)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "序列化消息失败")
	}

	s.trail = newTrail
	s.history = append(s.history, msg)
	s.setState(StateNegotiating)
	s.record(ctx, DirectionOutbound, msg, newTrail)

	s.busy.Store(false)
	return s.conn.WriteMessage(ctx, data)
}

// compose builds and seals an outgoing message chained on the current trail.
func (s *Session) compose(ctx context.Context, decision Decision) (Message, string, error) {
	now := s.now()
	msg := Message{
		Type:      MessageType(decision.Type),
		Content:   decision.Content,
		Timestamp: now.UnixMilli(),
		Trail:     s.trail,
	}
	if msg.IsProposal() {
		if !ValidPrice(decision.Price) {
			return Message{}, "", xerrors.Newf(xerrors.CodeInvalidArgument, "报价价格 %q 必须为整数", decision.Price)
		}
		if strings.TrimSpace(decision.Terms) == "" {
			return Message{}, "", xerrors.New(xerrors.CodeInvalidArgument, "报价条款不能为空")
		}
		msg.Price = decision.Price
		msg.Terms = decision.Terms
		msg.Deadline = max(decision.Deadline, s.minDeadline)
		msg.ProposalExpiry = now.Add(s.proposalTTL).Unix()
	}

	newTrail := ComputeTrail(msg.Trail, msg)
	sig, err := s.signer.SignTrail(newTrail)
	if err != nil {
		return Message{}, "", err
	}
	msg.Signature = sig

	if msg.IsProposal() {
		psig, err := s.signer.SignProposal(newTrail, msg.ProposalExpiry, msg.Price, msg.DeadlineSeconds())
		if err != nil {
			return Message{}, "", err
		}
		msg.ProposalSignature = psig
		if s.proposals != nil {
			if err := s.proposals.InsertProposal(ctx, order.Proposal{
				ID:        newTrail,
				ServiceID: s.serviceID,
				Terms:     msg.Terms,
				Expiry:    time.Unix(msg.ProposalExpiry, 0),
			}); err != nil {
				return Message{}, "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存报价记录失败")
			}
		}
	}
	return msg, newTrail, nil
}

func (s *Session) record(ctx context.Context, dir Direction, msg Message, newTrail string) {
	if s.transcript == nil {
		return
	}
	entry := TranscriptEntry{
		SessionID:  s.id,
		Role:       s.role,
		Direction:  dir,
		Message:    msg,
		NewTrail:   newTrail,
		RecordedAt: s.now(),
	}
	if s.counterparty != (common.Address{}) {
		entry.Counterparty = s.counterparty.Hex()
	}
	if err := s.transcript.Record(ctx, entry); err != nil {
		s.logger.Warn("保存协商记录失败", slog.Any("error", err))
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = state
	}
}

// terminate moves the session into a terminal state once, closes the
// channel, and returns the error that ended the session.
func (s *Session) terminate(state State, cause error) error {
	s.mu.Lock()
	if s.state.Terminal() {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.state = state
	s.err = cause
	cancel := s.cancel
	s.mu.Unlock()

	attrs := []any{slog.String("state", state.String())}
	switch {
	case cause == nil:
		s.logger.Info("协商结束", attrs...)
	case xerrors.HasCode(cause, xerrors.CodeAuthenticationFailure):
		s.logger.Error("协商签名校验失败", append(attrs, slog.Any("error", cause))...)
	default:
		s.logger.Warn("协商异常终止", append(attrs, slog.Any("error", cause))...)
	}

	if cancel != nil {
		cancel()
	}
	s.closeConn()
	return cause
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}
