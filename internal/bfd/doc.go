// Package bfd implements the core BFD protocol (RFC 5880/5881): the
// control-packet codec, the session state machine, the out/exp/rst timer
// discipline, the session registry, the reload coordinator, and the
// single-threaded engine that drives them all from one goroutine.
//
// Authentication and the Echo function are not implemented; a received
// packet with the Auth bit set is rejected at the codec layer.
package bfd
