// Package netio provides raw socket abstractions for single-hop BFD
// packet I/O (RFC 5881).
//
// The Linux-specific implementation uses golang.org/x/sys/unix for a UDP
// listener on port 3784, GTSM TTL validation, and SO_BINDTODEVICE
// interface binding. Receiver goroutines only do socket I/O and packet
// decoding; they forward decoded packets to the bfd engine's single
// event-loop goroutine over a channel and never touch Session state.
package netio
