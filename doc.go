// Package payguard gates access to protected resources behind proof of a
// ledger micropayment.
//
// A caller requests a resource and receives a payment invoice (a derived
// ledger address, an amount and an expiry). Once a matching payment is
// observed on the ledger, subsequent requests for that resource are granted.
//
// The package is organized around five components:
//
//   - store.IndexAllocator: a durable, monotonically increasing counter of
//     payment-address indices, the anchor for deterministic address
//     derivation and the unit of crash recovery.
//   - InvoiceStore (store package): owns invoice records with atomic
//     find-or-create semantics per resource.
//   - LedgerClient (rpc package): a ledger node client with timeouts,
//     bounded retries and a short-TTL read cache.
//   - Verifier: reconciles ledger transactions against an invoice's
//     required amount, sender and time window.
//   - Guard: composes the above under a per-route policy to produce
//     grant, deny-with-invoice or error outcomes.
//
// Framework adapters under middleware/ translate guard decisions into
// gin and echo responses using the 402 wire contract in this package.
package payguard
