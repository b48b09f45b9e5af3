package wireguard

import "errors"

// ErrGatewayDown is returned when the managed WireGuard interface cannot be
// reached. It is fatal to the caller's transition: the database must not be
// mutated once this is returned.
var ErrGatewayDown = errors.New("wireguard: gateway interface is down")

// ErrNoFreeAddresses is returned when the configured client network has no
// address left that is not claimed by an active, non-expired subscription.
var ErrNoFreeAddresses = errors.New("wireguard: no free client addresses in pool")

// ErrPeerNotFound is returned by removeManagedBlock when no managed block
// matches the given public key. RemovePeer treats it as already-removed and
// does not return it.
var ErrPeerNotFound = errors.New("wireguard: managed peer block not found")
