// Package upstream implements the connection manager for the single
// streaming JSON-RPC connection to the Solana RPC provider.
//
// The Manager:
//   - Maintains one persistent WebSocket with keepalive pings
//   - Reconnects with exponential backoff (1s base, 30s ceiling)
//   - Correlates requests and responses by monotonically increasing id
//     with a fixed per-request timeout
//   - Classifies inbound frames into responses vs notifications
//   - Emits notifications and reconnect signals on one ordered stream
package upstream
