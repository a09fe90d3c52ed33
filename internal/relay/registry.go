package relay

import (
	"context"
	"slices"
	"sync"
)

// AddressRecord describes who listens on a published address.
type AddressRecord struct {
	Shared  bool
	Members []string
}

// Registry records which relay peers listen on which address. Claims are
// the source of truth for exclusivity, so several relay instances sharing
// one redis registry cannot hand the same exclusive address out twice.
type Registry interface {
	// Claim adds owner to address. It returns false when the address is
	// held exclusively, or when an exclusive claim meets any existing member.
	Claim(ctx context.Context, address, owner string, shared bool) (bool, error)

	// Release removes owner from address.
	Release(ctx context.Context, address, owner string) error

	// Lookup returns the record for address, or false if nobody listens there.
	Lookup(ctx context.Context, address string) (AddressRecord, bool, error)
}

// Compile-time interface check.
var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu        sync.Mutex
	addresses map[string]*AddressRecord
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{addresses: make(map[string]*AddressRecord)}
}

func (r *MemoryRegistry) Claim(_ context.Context, address, owner string, shared bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.addresses[address]
	if !ok {
		r.addresses[address] = &AddressRecord{Shared: shared, Members: []string{owner}}
		return true, nil
	}
	if !shared || !record.Shared {
		return false, nil
	}
	if !slices.Contains(record.Members, owner) {
		record.Members = append(record.Members, owner)
	}
	return true, nil
}

func (r *MemoryRegistry) Release(_ context.Context, address, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.addresses[address]
	if !ok {
		return nil
	}
	record.Members = slices.DeleteFunc(record.Members, func(member string) bool {
		return member == owner
	})
	if len(record.Members) == 0 {
		delete(r.addresses, address)
	}
	return nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, address string) (AddressRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.addresses[address]
	if !ok {
		return AddressRecord{}, false, nil
	}
	return AddressRecord{Shared: record.Shared, Members: slices.Clone(record.Members)}, true, nil
}
