// Package app contains the mediation domain: request admission, approval
// correlation, and background task lifecycle, independent of transport
// protocols.
//
// Responsibilities:
// - Admit or refuse dapp requests (spam filter, per-host blocks).
// - Correlate in-flight requests with popup approvals and settle them
//   exactly once, including across daemon restarts.
// - Track dapp connections and the cancellable background tasks tied to
//   the active network.
//
// Non-responsibilities:
// - JSON-RPC/HTTP protocol handling and endpoint-level mapping.
package app
