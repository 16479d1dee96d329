// Package events moves escrow logs from the chain to the settlement handlers.
// A Listener polls the ledger from a persisted block cursor and publishes
// envelopes onto a Queue (in-memory, Redis or RabbitMQ); a Dispatcher
// consumes the queue and routes each event to the seller or buyer side.
package events
