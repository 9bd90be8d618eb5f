// Package network carries SSO frames over a single TCP stream.
//
// Transport owns the socket and its read loop, Splitter turns the byte
// stream into frames, ServerSet keeps the candidate gateways and refreshes
// them from a ServerLister in the background, and Correlator pairs each
// request sequence with its response or a timeout.
package network
