// Package agent connects the language model to the marketplace protocol.
// It provides the negotiation Decider, the settlement Worker, the indexer
// search client and the Hirer that runs a full purchase from search to
// escrow.
package agent
