// Package solana provides a JSON-RPC client for Solana nodes, covering the
// HTTP query methods and the websocket subscription surface that the price
// mirror needs. All outbound calls go through a shared per-host rate limiter.
package solana
