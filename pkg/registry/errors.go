package registry

import "fmt"

// NotFoundError reports that no manifest matches the requested id/version.
type NotFoundError struct {
	ID      string
	Version string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("service manifest %s@%s not found", e.ID, e.Version)
}

// NoExecutorForTierError reports that a manifest exists but none of its
// descriptors are compatible with the requested tier.
type NoExecutorForTierError struct {
	ID             string
	Version        string
	RequestedTier  string
	CompatibleTiers []string
}

func (e *NoExecutorForTierError) Error() string {
	return fmt.Sprintf("no-executor-for-tier: service %s@%s has no descriptor compatible with tier %s (compatible tiers: %v)",
		e.ID, e.Version, e.RequestedTier, e.CompatibleTiers)
}

// Remediation lists the tiers a caller could instead target.
func (e *NoExecutorForTierError) Remediation() string {
	return fmt.Sprintf("retarget the call to one of: %v, or add a descriptor covering %s", e.CompatibleTiers, e.RequestedTier)
}

// DuplicateError reports an attempt to register an existing (id,version)
// without allow-update.
type DuplicateError struct {
	ID      string
	Version string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("service manifest %s@%s already registered (pass allow-update to overwrite)", e.ID, e.Version)
}

// BuiltinImmutableError reports an attempt to unregister or overwrite a
// built-in manifest.
type BuiltinImmutableError struct {
	ID      string
	Version string
}

func (e *BuiltinImmutableError) Error() string {
	return fmt.Sprintf("service manifest %s@%s is a built-in and cannot be unregistered or overwritten", e.ID, e.Version)
}
