// Package prefix implements the delegated-prefix sub-allocator described in
// spec §4.5: carving fixed-length sub-prefixes out of a tenant's delegated
// block, one per workload, with idempotent allocate/release.
package prefix

import (
	"fmt"
	"math/big"
	"net/netip"
	"sync"

	feoserrors "feos/pkg/errors"
)

// Allocator hands out sub-prefixes of a base prefix, keyed by an opaque id
// (spec §4.5). It is safe for concurrent use.
type Allocator struct {
	base netip.Prefix

	mu        sync.Mutex
	allocated map[string]netip.Prefix
	byID      map[any]string
}

// New constructs an Allocator over base (the node's delegated prefix).
func New(base netip.Prefix) *Allocator {
	return &Allocator{
		base:      base.Masked(),
		allocated: make(map[string]netip.Prefix),
		byID:      make(map[any]string),
	}
}

// Allocate returns id's sub-prefix of length subPrefixLen, creating one if
// id has none yet (spec §4.5). Repeated calls for the same id return the
// same prefix (idempotent).
func (a *Allocator) Allocate(id any, subPrefixLen int) (netip.Prefix, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if key, ok := a.byID[id]; ok {
		if existing, ok := a.allocated[key]; ok {
			return existing, nil
		}
	}

	if subPrefixLen < a.base.Bits() || subPrefixLen > a.base.Addr().BitLen() {
		return netip.Prefix{}, feoserrors.InvalidArgumentf("sub_prefix_len %d out of range for base /%d", subPrefixLen, a.base.Bits())
	}

	count := uint64(1) << uint(subPrefixLen-a.base.Bits())

	baseAddr := a.base.Addr()

	for i := uint64(0); i < count; i++ {
		candidate, err := offsetPrefix(baseAddr, subPrefixLen, i)
		if err != nil {
			return netip.Prefix{}, feoserrors.Wrap(feoserrors.KindInternal, "computing candidate sub-prefix", err)
		}

		key := candidate.String()
		if _, taken := a.allocated[key]; taken {
			continue
		}

		a.allocated[key] = candidate
		a.byID[id] = key

		return candidate, nil
	}

	return netip.Prefix{}, feoserrors.ErrPoolExhausted
}

// Release removes id's allocation, if any (spec §4.5). Idempotent: releasing
// an id with no allocation is a no-op. After Release, a subsequent Allocate
// for the same id is a fresh allocation, not necessarily the same address.
func (a *Allocator) Release(id any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.byID[id]
	if !ok {
		return
	}

	delete(a.byID, id)
	delete(a.allocated, key)
}

// offsetPrefix computes base's i-th sub-prefix of length subLen, i.e. a
// prefix whose network address is base + i*2^(addrBits-subLen), using
// math/big so the 128-bit arithmetic can't be fumbled by hand-rolled byte
// shifting.
func offsetPrefix(base netip.Addr, subLen int, i uint64) (netip.Prefix, error) {
	addrBytes := base.As16()

	baseInt := new(big.Int).SetBytes(addrBytes[:])

	shift := base.BitLen() - subLen

	offset := new(big.Int).Lsh(new(big.Int).SetUint64(i), uint(shift))

	resultInt := new(big.Int).Add(baseInt, offset)

	var resultBytes [16]byte

	resultInt.FillBytes(resultBytes[:])

	addr := netip.AddrFrom16(resultBytes)
	if base.Is4() {
		addr = addr.Unmap()
	}

	return netip.PrefixFrom(addr, subLen), nil
}

// String renders the allocator's base prefix, useful for logging.
func (a *Allocator) String() string {
	return fmt.Sprintf("prefix.Allocator{base: %s}", a.base)
}
