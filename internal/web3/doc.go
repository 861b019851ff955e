// Package web3 holds the chain side of marketplace payments: chain
// definitions loaded from YAML, the TokenClient abstraction used to move
// ERC-20 balances out of the marketplace treasury, and address helpers
// shared by the payment and executor packages.
package web3
