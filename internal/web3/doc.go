// Package web3 describes the escrow ledger the agent settles orders on:
// party-scoped ledger operations, decoded escrow events and the chain
// definitions loaded from configs/chain.yaml. Concrete EVM bindings live in
// the ethereum subpackage and are assembled per chain by provider.
package web3
