package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"GigaCrew-Agent/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateNegotiationReply(t *testing.T) {
	var captured struct {
		Authorization string
		Body          struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": `{"thought":"fair","type":"proposal","content":"70 in 2 days","price":"70","deadline":2880,"terms":"logo"}`,
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Mode:    llm.ModeNegotiate,
		Role:    "seller",
		Service: llm.ServiceBrief{ID: "7", Title: "Logo design", Description: "Vector logos"},
		History: []llm.HistoryEntry{{Type: "message", Content: "I need a logo"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Type != "proposal" || resp.Price != "70" || resp.Deadline != 2880 || resp.Terms != "logo" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body.Model == "" || len(captured.Body.Messages) != 2 {
		t.Fatalf("unexpected request body: %+v", captured.Body)
	}
	user := captured.Body.Messages[1].Content
	if !strings.Contains(user, "Logo design") || !strings.Contains(user, "{them} [message] I need a logo") {
		t.Fatalf("user prompt misses context: %s", user)
	}
}

func TestGenerateWorkFallsBackToPlainText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "x = 2 gives 55"}}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{Mode: llm.ModeWork, Terms: "compute 5x^2+10x+15 at x=2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "x = 2 gives 55" {
		t.Fatalf("unexpected work: %+v", resp)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Generate(context.Background(), llm.Request{Mode: llm.ModeWork}); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}
