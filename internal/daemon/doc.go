// Package daemon owns one address family's listening socket: it
// accepts clients, hands each to its own connection.Connection, and
// fans invalidation out to every other connected client whenever one
// of them commits a change the rest can no longer trust.
package daemon
