// Package operation defines the values that flow through the client: the
// caller-supplied Operation, its canonical Resolved form, the Result handed
// back to callers and the CombinedError that carries transport and protocol
// failures inside a Result.
package operation

import (
	"fmt"
)

// Type is the kind of GraphQL operation.
type Type string

const (
	Query        Type = "query"
	Mutation     Type = "mutation"
	Subscription Type = "subscription"
)

// CachePolicy declares how the result cache participates in an execution.
// The zero value means "use the client default".
type CachePolicy string

const (
	CacheFirst      CachePolicy = "cache-first"
	CacheAndNetwork CachePolicy = "cache-and-network"
	NetworkOnly     CachePolicy = "network-only"
	CacheOnly       CachePolicy = "cache-only"
)

// DefaultCachePolicy is used when neither the operation nor the client sets one.
const DefaultCachePolicy = CacheFirst

// ParseCachePolicy validates a policy name.
func ParseCachePolicy(s string) (CachePolicy, error) {
	switch p := CachePolicy(s); p {
	case CacheFirst, CacheAndNetwork, NetworkOnly, CacheOnly:
		return p, nil
	default:
		return "", fmt.Errorf("operation: unknown cache policy %q", s)
	}
}

// Operation is what callers submit. It is not modified once submitted.
type Operation struct {
	Query     string
	Variables map[string]any
	// CachePolicy overrides the client default when set.
	CachePolicy CachePolicy
}

// Resolved is the canonical operation shared by every stage of one execution.
type Resolved struct {
	Operation
	Key  Key
	Type Type
}

// Resolve attaches the derived key, the type and the effective cache policy.
// Nil variables are normalized to an empty map.
func Resolve(op Operation, typ Type, defaultPolicy CachePolicy) Resolved {
	if op.Variables == nil {
		op.Variables = map[string]any{}
	}
	if op.CachePolicy == "" {
		op.CachePolicy = defaultPolicy
	}
	if op.CachePolicy == "" {
		op.CachePolicy = DefaultCachePolicy
	}
	return Resolved{
		Operation: op,
		Key:       DeriveKey(op.Query, op.Variables),
		Type:      typ,
	}
}
