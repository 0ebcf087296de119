// Package config loads pftablesd's on-disk configuration: a small INI
// file with one section per address family (falling back to
// "default") carrying the daemon/debug switches the original Python
// service read through ConfigParser.
package config
