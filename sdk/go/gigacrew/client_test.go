package gigacrew

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"GigaCrew-Agent/internal/api"
	"GigaCrew-Agent/internal/auth"
	"GigaCrew-Agent/internal/order"
)

func newDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	store := order.NewMemoryStore()
	err := store.InsertOrder(context.Background(), order.Order{
		ID:        "0xabc",
		ServiceID: "7",
		Buyer:     "0x00000000000000000000000000000000000000b1",
		Seller:    "0x00000000000000000000000000000000000000a1",
		Terms:     "one poem",
		Price:     "150",
		Deadline:  time.Unix(1_800_000_000, 0),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	svc, err := auth.NewService([]auth.Token{{Name: "sdk", Secret: "tok"}})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(api.Options{
		Orders:       store,
		Auth:         svc,
		BuyerAddress: "0x00000000000000000000000000000000000000b1",
	}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientAgainstDaemon(t *testing.T) {
	srv := newDaemon(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	if _, err := client.ListOrders(ctx, ListOrdersOptions{}); err == nil {
		t.Fatal("expected unauthorized error without token")
	} else if apiErr, ok := err.(*APIError); !ok || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected error: %v", err)
	}

	client.SetAccessToken("tok")
	orders, err := client.ListOrders(ctx, ListOrdersOptions{Role: "buyer", Statuses: []string{"pending"}, Limit: 5})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "abc" || orders[0].Price != "150" {
		t.Fatalf("unexpected orders: %+v", orders)
	}

	got, err := client.GetOrder(ctx, "abc")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Terms != "one poem" || !got.CanBuyerWithdraw {
		t.Fatalf("unexpected order: %+v", got)
	}

	_, err = client.GetOrder(ctx, "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if apiErr := err.(*APIError); apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", apiErr.Code)
	}

	// 未启用买方时争议接口不可用
	if _, err := client.Dispute(ctx, "abc"); err == nil {
		t.Fatal("expected dispute to fail without buyer")
	} else if apiErr, ok := err.(*APIError); !ok || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHireAndWaitEncodeRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/hire":
			var req HireRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Brief != "write" || req.WaitSeconds != 30 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(HireResult{Order: &Order{OrderID: "ab"}, Work: "poem"})
		case "/api/v1/orders/ab/work":
			if r.URL.Query().Get("timeout") != "12" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"order_id": "ab", "work": "poem"})
		case "/api/v1/services":
			_ = json.NewEncoder(w).Encode([]Service{{ServiceID: r.URL.Query().Get("query")}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	result, err := client.Hire(ctx, HireRequest{Brief: "write", WaitSeconds: 30})
	if err != nil {
		t.Fatalf("hire: %v", err)
	}
	if result.Order.OrderID != "ab" || result.Work != "poem" {
		t.Fatalf("unexpected result: %+v", result)
	}

	work, err := client.WaitForWork(ctx, "ab", 12*time.Second)
	if err != nil || work != "poem" {
		t.Fatalf("wait for work: %q %v", work, err)
	}

	services, err := client.SearchServices(ctx, "7")
	if err != nil || len(services) != 1 || services[0].ServiceID != "7" {
		t.Fatalf("search: %+v %v", services, err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatal("expected error")
	}
}
