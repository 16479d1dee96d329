package negotiation

import (
	"testing"

	xerrors "GigaCrew-Agent/internal/errors"
)

func TestDecodeMessageAcceptsWellFormedFrames(t *testing.T) {
	plain := `{"type":"message","content":"hi","timestamp":1,"trail":"0x0","signature":"0xab"}`
	msg, err := DecodeMessage([]byte(plain), 0)
	if err != nil {
		t.Fatalf("decode plain message: %v", err)
	}
	if msg.IsProposal() || msg.Content != "hi" || msg.Trail != GenesisTrail {
		t.Fatalf("unexpected message: %+v", msg)
	}

	proposal := `{"type":"proposal","content":"offer","timestamp":2,"trail":"abc","signature":"0xab",
		"price":"150","deadline":3,"terms":"poem","proposalExpiry":99,"proposalSignature":"0xcd"}`
	msg, err = DecodeMessage([]byte(proposal), 0)
	if err != nil {
		t.Fatalf("decode proposal: %v", err)
	}
	if !msg.IsProposal() || msg.DeadlineSeconds() != 180 || msg.Price != "150" {
		t.Fatalf("unexpected proposal: %+v", msg)
	}
}

func TestDecodeMessageRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":            `{`,
		"missing signature":   `{"type":"message","content":"hi","timestamp":1,"trail":"0x0"}`,
		"missing content":     `{"type":"message","timestamp":1,"trail":"0x0","signature":"0xab"}`,
		"unknown type":        `{"type":"chat","content":"hi","timestamp":1,"trail":"0x0","signature":"0xab"}`,
		"zero timestamp":      `{"type":"message","content":"hi","timestamp":0,"trail":"0x0","signature":"0xab"}`,
		"message with price":  `{"type":"message","content":"hi","timestamp":1,"trail":"0x0","signature":"0xab","price":"1"}`,
		"proposal no terms":   `{"type":"proposal","content":"o","timestamp":1,"trail":"t","signature":"0xab","price":"1","deadline":3,"proposalExpiry":9,"proposalSignature":"0xcd"}`,
		"decimal price":       `{"type":"proposal","content":"o","timestamp":1,"trail":"t","signature":"0xab","price":"1.5","deadline":3,"terms":"x","proposalExpiry":9,"proposalSignature":"0xcd"}`,
		"negative price":      `{"type":"proposal","content":"o","timestamp":1,"trail":"t","signature":"0xab","price":"-1","deadline":3,"terms":"x","proposalExpiry":9,"proposalSignature":"0xcd"}`,
		"deadline too short":  `{"type":"proposal","content":"o","timestamp":1,"trail":"t","signature":"0xab","price":"1","deadline":1,"terms":"x","proposalExpiry":9,"proposalSignature":"0xcd"}`,
		"blank terms":         `{"type":"proposal","content":"o","timestamp":1,"trail":"t","signature":"0xab","price":"1","deadline":3,"terms":"  ","proposalExpiry":9,"proposalSignature":"0xcd"}`,
		"empty proposal sig":  `{"type":"proposal","content":"o","timestamp":1,"trail":"t","signature":"0xab","price":"1","deadline":3,"terms":"x","proposalExpiry":9,"proposalSignature":""}`,
		"string timestamp":    `{"type":"message","content":"hi","timestamp":"1","trail":"0x0","signature":"0xab"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(raw), 0)
			if err == nil {
				t.Fatalf("expected decode error")
			}
			if !xerrors.HasCode(err, xerrors.CodeProtocolViolation) {
				t.Fatalf("expected protocol violation, got %v", err)
			}
		})
	}
}

func TestDecodeMessageHonoursMinDeadline(t *testing.T) {
	raw := `{"type":"proposal","content":"o","timestamp":1,"trail":"t","signature":"0xab","price":"1","deadline":5,"terms":"x","proposalExpiry":9,"proposalSignature":"0xcd"}`
	if _, err := DecodeMessage([]byte(raw), 10); err == nil {
		t.Fatalf("deadline below configured minimum must be rejected")
	}
	if _, err := DecodeMessage([]byte(raw), 5); err != nil {
		t.Fatalf("deadline equal to minimum should pass: %v", err)
	}
}

func TestValidPrice(t *testing.T) {
	valid := []string{"0", "1", "150", "115792089237316195423570985008687907853269984665640564039457584007913129639935"}
	for _, p := range valid {
		if !ValidPrice(p) {
			t.Fatalf("%q should be valid", p)
		}
	}
	invalid := []string{"", " 1", "1.0", "-1", "1e3", "0x10", "abc"}
	for _, p := range invalid {
		if ValidPrice(p) {
			t.Fatalf("%q should be invalid", p)
		}
	}
}

func TestEncodeOmitsProposalFieldsForMessages(t *testing.T) {
	data, err := Message{Type: TypeMessage, Content: "hi", Timestamp: 1, Trail: "0x0", Signature: "0xab"}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeMessage(data, 0); err != nil {
		t.Fatalf("encoded message must decode cleanly: %v", err)
	}
}
