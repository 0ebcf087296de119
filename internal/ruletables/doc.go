// Package ruletables is the in-memory model, parser and serializer for
// iptables-save/iptables-restore rule text. It holds the authoritative
// cache of tables, chains and rules, keyed by address family, and
// knows how to reconcile that cache against a freshly loaded dump
// (reload-diffing) without disturbing entries a reload didn't touch.
package ruletables
