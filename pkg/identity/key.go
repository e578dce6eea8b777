// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import "fmt"

// StoreKey addresses one logical credential: the combination of tenant,
// principal, provider and the scope-set fingerprint. Two requests with the
// same identity and the same scope fingerprint map to the same key. StoreKey
// is comparable; it is the unit of both caching and singleflight.
type StoreKey struct {
	tenant      TenantID
	principal   PrincipalID
	provider    ProviderID
	fingerprint string
}

// NewStoreKey derives the store key for the given identity and scope set.
func NewStoreKey(tenant TenantID, principal PrincipalID, provider ProviderID, scope ScopeSet) StoreKey {
	return StoreKey{
		tenant:      tenant,
		principal:   principal,
		provider:    provider,
		fingerprint: scope.Fingerprint(),
	}
}

// Tenant returns the key's tenant component.
func (k StoreKey) Tenant() TenantID { return k.tenant }

// Principal returns the key's principal component.
func (k StoreKey) Principal() PrincipalID { return k.principal }

// Provider returns the key's provider component.
func (k StoreKey) Provider() ProviderID { return k.provider }

// Fingerprint returns the key's scope fingerprint component.
func (k StoreKey) Fingerprint() string { return k.fingerprint }

// String returns the joined form used as a backend storage key. Identifier
// validation excludes the separator character, so the form is unambiguous.
func (k StoreKey) String() string {
	return fmt.Sprintf("%s%c%s%c%s%c%s",
		k.tenant, keySeparator, k.principal, keySeparator, k.provider, keySeparator, k.fingerprint)
}
