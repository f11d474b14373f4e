// Package pyth decodes Pyth oracle accounts and maintains a local mirror of
// the oracle's mapping, product and price accounts on a Solana node, both by
// polling and by websocket subscription.
package pyth
