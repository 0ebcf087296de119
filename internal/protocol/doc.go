// Package protocol implements the rule-broker wire format: a
// line-oriented protocol over a stream socket where every
// server-to-client line carries a three hex digit sequence prefix
// ("000 ", "001 ", ... wrapping at 0x1000) and every line, in either
// direction, is terminated by '\n'.
package protocol
