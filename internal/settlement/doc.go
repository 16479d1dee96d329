// Package settlement drives escrow orders from creation to withdrawal.
//
// Seller and Buyer wrap the local party's ledger binding and the order
// store. Their cycles are scheduled by Runner at a fixed interval and only
// communicate with negotiation sessions through the store.
package settlement
