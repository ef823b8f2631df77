// Package runner drives a single meta-analysis job through its lifecycle:
// load the bundle, resolve the analysis, run the compute step and upload the
// results. Every state change is validated, logged and, when a ledger is
// configured, recorded in the store. The driver never retries; failures are
// surfaced once to the caller, which owns any retry policy.
package runner
