// Package worker owns the lifecycle of the per-address-family
// iptables-save/iptables-restore subprocesses: a one-shot load
// utility invoked to bootstrap or resynchronize the cache, and a
// long-lived restore utility whose stdin pipe is held open across
// commits so each save only has to write the delta, not a full
// kernel reload, between them.
package worker
