package agent

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "GigaCrew-Agent/internal/errors"
	"GigaCrew-Agent/internal/llm"
	"GigaCrew-Agent/internal/negotiation"
	"GigaCrew-Agent/internal/order"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// scriptedLLM 卖方报价，买方在收到报价后接受。
type scriptedLLM struct{}

func (scriptedLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	if req.Role == string(negotiation.RoleSeller) {
		return &llm.Response{Type: "proposal", Content: "I can do it", Price: "150", Deadline: 120, Terms: "a haiku about the sea"}, nil
	}
	if n := len(req.History); n > 0 && req.History[n-1].Type == "proposal" && !req.History[n-1].FromSelf {
		return &llm.Response{Type: "accept", Content: "deal"}, nil
	}
	return &llm.Response{Type: "message", Content: "I need a haiku"}, nil
}

type staticSearcher []Service

func (s staticSearcher) Search(context.Context, string) ([]Service, error) { return s, nil }

type recordingBuyer struct {
	mu     sync.Mutex
	result *negotiation.Result
	cb     string
}

func (b *recordingBuyer) CreateEscrow(_ context.Context, res *negotiation.Result, callbackData string) (*order.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result, b.cb = res, callbackData
	return &order.Order{ID: order.NormalizeID(res.OrderID), ServiceID: res.ServiceID, Terms: res.Terms, Price: res.Price}, nil
}

func (b *recordingBuyer) WaitForWork(context.Context, string, time.Duration) (string, error) {
	return "waves fold into foam", nil
}

func newSigner(t *testing.T) *negotiation.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return negotiation.NewSigner(key)
}

func TestHireNegotiatesAndCreatesEscrow(t *testing.T) {
	ag := New(scriptedLLM{})
	sellerSigner := newSigner(t)
	buyerSigner := newSigner(t)
	proposals := order.NewMemoryStore()

	server := negotiation.NewServer(negotiation.ServerConfig{}, func(conn negotiation.Conn) *negotiation.Session {
		return negotiation.NewSession(negotiation.RoleSeller, conn, sellerSigner,
			ag.Negotiator(llm.ServiceBrief{ID: "7", Title: "Poems"}, ""),
			negotiation.WithServiceID("7"), negotiation.WithProposalStore(proposals))
	}, nil)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	buyer := &recordingBuyer{}
	hirer := NewHirer(ag, staticSearcher{{
		ServiceID:             "7",
		Title:                 "Poems",
		Seller:                sellerSigner.Address().Hex(),
		CommunicationEndpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}}, buyer, buyerSigner)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := hirer.Hire(ctx, HireRequest{Query: "poem", Brief: "a haiku about the sea", CallbackData: "chat:1", WaitTimeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, "waves fold into foam", result.Work)
	require.Equal(t, "7", result.Service.ServiceID)

	buyer.mu.Lock()
	defer buyer.mu.Unlock()
	require.NotNil(t, buyer.result)
	require.Equal(t, "chat:1", buyer.cb)
	require.Equal(t, "150", buyer.result.Price)
	require.Equal(t, int64(7200), buyer.result.Deadline)
	require.Equal(t, sellerSigner.Address(), buyer.result.Counterparty)
	require.True(t, negotiation.VerifyProposal(buyer.result.OrderID, buyer.result.ProposalExpiry, buyer.result.Price,
		buyer.result.Deadline, buyer.result.ProposalSignature, sellerSigner.Address()))

	stored, err := proposals.GetProposal(context.Background(), buyer.result.OrderID)
	require.NoError(t, err)
	require.Equal(t, "a haiku about the sea", stored.Terms)
}

func TestHireValidation(t *testing.T) {
	ag := New(scriptedLLM{})
	buyer := &recordingBuyer{}
	signer := newSigner(t)

	_, err := NewHirer(ag, staticSearcher{}, buyer, signer).Hire(context.Background(), HireRequest{Query: "x"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = NewHirer(ag, staticSearcher{}, buyer, signer).Hire(context.Background(), HireRequest{Query: "x", Brief: "y"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))

	_, err = NewHirer(ag, staticSearcher{{ServiceID: "7"}}, buyer, signer).Hire(context.Background(), HireRequest{Brief: "y"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = NewHirer(ag, staticSearcher{{ServiceID: "7"}}, buyer, signer).Hire(context.Background(), HireRequest{Brief: "y", ServiceID: "8"})
	require.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}
