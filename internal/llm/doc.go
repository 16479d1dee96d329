// Package llm contains adapters for invoking large language models. The
// agent uses them to phrase negotiation turns and to produce the work that
// a seller delivers for an order.
package llm
