package llm

import "testing"

func TestParseResponseStructured(t *testing.T) {
	resp := ParseResponse(ModeNegotiate, "```json\n{\"type\":\"proposal\",\"content\":\"deal?\",\"price\":150,\"deadline\":\"90\",\"terms\":\"A\"}\n```")
	if resp.Type != "proposal" || resp.Price != "150" || resp.Deadline != 90 || resp.Terms != "A" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestParseResponseNormalizesMessageType(t *testing.T) {
	resp := ParseResponse(ModeNegotiate, `{"type":"msg","content":"hello","price":null}`)
	if resp.Type != "message" || resp.Price != "" || resp.Content != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestParseResponsePlainText(t *testing.T) {
	if resp := ParseResponse(ModeNegotiate, "just text"); resp.Type != "message" || resp.Content != "just text" {
		t.Fatalf("unexpected negotiation fallback: %+v", resp)
	}
	if resp := ParseResponse(ModeWork, "42"); resp.Type != "" || resp.Content != "42" {
		t.Fatalf("unexpected work fallback: %+v", resp)
	}
}
