package bfd

import (
	"errors"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// Registry — spec.md Section 4.7
// -------------------------------------------------------------------------
//
// Registry owns every configured Session and the two lookup maps the
// dispatcher needs for demultiplexing (spec.md Section 4.5): by local
// discriminator, and by neighbor address when Your Discriminator is zero.
// Grounded on the teacher's manager.go (the same two-tier lookup idea) and
// on keepalived/bfd/bfd_scheduler.c's find_bfd_by_discr/find_bfd_by_addr.
//
// Unlike the teacher's Manager, Registry carries no mutex: it is
// exclusively owned and mutated by the engine's single event-loop
// goroutine (spec.md Section 5 — no locking).

// Sentinel errors for Registry operations.
var (
	// ErrSessionNotFound indicates no session exists for the given key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateNeighbor indicates a second session configured the same
	// neighbor address as an existing one. Per spec.md Section 4.7 and
	// keepalived's bfd_nbrip_handler, this is a configuration error: the
	// new session is disabled, not rejected outright.
	ErrDuplicateNeighbor = errors.New("duplicate neighbor address")
)

// Registry holds every Session known to the engine, keyed both by name
// (for config reconciliation) and by the two demultiplexing indexes.
type Registry struct {
	byName   map[string]*Session
	byDiscr  map[uint32]*Session
	byPeer   map[netip.Addr]*Session
	discrAll *DiscriminatorAllocator
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]*Session),
		byDiscr:  make(map[uint32]*Session),
		byPeer:   make(map[netip.Addr]*Session),
		discrAll: NewDiscriminatorAllocator(),
	}
}

// Add inserts a session into all registry indexes. The session's
// LocalDiscr must already be allocated via the registry's
// DiscriminatorAllocator (see Registry.NewLocalDiscriminator).
//
// If spec already has a session at the same neighbor address, the new
// session is still added by name and discriminator (so it can be looked
// up and reported), but it is NOT indexed by peer address, and
// ErrDuplicateNeighbor is returned so the caller can mark it Disabled per
// spec.md Section 4.7 / Section 6 ("<DUP-k>" rule applies to name
// collisions; a neighbor-address collision disables the session instead).
func (r *Registry) Add(s *Session) error {
	r.byName[s.Name] = s
	r.byDiscr[s.LocalDiscr] = s

	peer := s.Neighbor.Addr()
	if _, exists := r.byPeer[peer]; exists {
		return fmt.Errorf("add session %q: neighbor %s: %w", s.Name, peer, ErrDuplicateNeighbor)
	}
	r.byPeer[peer] = s
	return nil
}

// Remove deletes a session from every index and releases its local
// discriminator back to the allocator.
func (r *Registry) Remove(s *Session) {
	delete(r.byName, s.Name)
	delete(r.byDiscr, s.LocalDiscr)
	if cur, ok := r.byPeer[s.Neighbor.Addr()]; ok && cur == s {
		delete(r.byPeer, s.Neighbor.Addr())
	}
	r.discrAll.Release(s.LocalDiscr)
}

// ByName looks up a session by its configured instance name.
func (r *Registry) ByName(name string) (*Session, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// All returns every session currently registered, in no particular order.
func (r *Registry) All() []*Session {
	out := make([]*Session, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	return out
}

// NewLocalDiscriminator allocates a fresh, unique, nonzero discriminator
// for a new or resetting session.
func (r *Registry) NewLocalDiscriminator() (uint32, error) {
	return r.discrAll.Allocate()
}

// rekeyDiscriminator updates the byDiscr index for s ahead of its
// LocalDiscr field being overwritten, releasing the old value back to
// the allocator. Used by the rst timer's reset-to-initial action
// (spec.md Section 4.4) and by reload's carry-over of a session's prior
// discriminator onto its freshly parsed replacement (spec.md Section 4.8).
func (r *Registry) rekeyDiscriminator(s *Session, newDiscr uint32) {
	delete(r.byDiscr, s.LocalDiscr)
	r.discrAll.Release(s.LocalDiscr)
	r.byDiscr[newDiscr] = s
}

// Demux finds the session a received packet belongs to (spec.md Section
// 4.5, Section 4.7; RFC 5880 Section 6.8.6 step 2).
//
// If Your Discriminator is nonzero, the lookup is by discriminator only —
// a miss means the session has gone away and the packet is dropped
// (spec.md Section 7: "session not found: drop, log, no synthesis").
// If Your Discriminator is zero, the lookup falls back to the packet's
// source address, mirroring keepalived's find_bfd_by_addr path for a
// peer's very first packet before it has learned our discriminator.
func (r *Registry) Demux(pkt *ControlPacket, srcAddr netip.Addr) (*Session, bool) {
	if pkt.YourDiscriminator != 0 {
		s, ok := r.byDiscr[pkt.YourDiscriminator]
		return s, ok
	}
	s, ok := r.byPeer[srcAddr]
	return s, ok
}
