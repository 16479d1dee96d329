package negotiation

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// GenesisTrail seeds the chain before any message has been exchanged.
const GenesisTrail = "0x0"

// trailFields lists the hashed fields in canonical (lexicographic) order.
// trail, signature and proposalSignature never take part.
var trailFields = []string{
	"content",
	"deadline",
	"price",
	"proposalExpiry",
	"terms",
	"timestamp",
	"type",
}

// ComputeTrail folds the digest of every hashed field of msg into previous
// and returns the resulting trail as lowercase hex.
func ComputeTrail(previous string, msg Message) string {
	acc := previous
	for _, field := range trailFields {
		value, ok := trailValue(msg, field)
		if !ok {
			continue
		}
		acc = sha256Hex(acc + sha256Hex(value))
	}
	return acc
}

func trailValue(msg Message, field string) (string, bool) {
	switch field {
	case "content":
		return msg.Content, true
	case "timestamp":
		return strconv.FormatInt(msg.Timestamp, 10), true
	case "type":
		return string(msg.Type), true
	}
	if !msg.IsProposal() {
		return "", false
	}
	switch field {
	case "deadline":
		return strconv.FormatInt(msg.Deadline, 10), true
	case "price":
		return msg.Price, true
	case "proposalExpiry":
		return strconv.FormatInt(msg.ProposalExpiry, 10), true
	case "terms":
		return msg.Terms, true
	}
	return "", false
}

func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
