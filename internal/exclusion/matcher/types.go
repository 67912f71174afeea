// Package matcher turns raw exclusion list text into typed entries and compiles
// them into lookup structures: exact-value sets for string observables and
// sorted CIDR tables for IPv4 and IPv6 addresses.
package matcher

import (
	"fmt"
	"strings"
)

// EntityType is an observable type tag shared with the ingestion pipeline.
type EntityType string

const (
	TypeIPv4       EntityType = "IPv4-Addr"
	TypeIPv6       EntityType = "IPv6-Addr"
	TypeDomainName EntityType = "Domain-Name"
	TypeHostname   EntityType = "Hostname"
	TypeURL        EntityType = "Url"
	TypeEmail      EntityType = "Email-Addr"
	TypeFile       EntityType = "StixFile"
	TypeText       EntityType = "Text"
)

var allEntityTypes = []EntityType{
	TypeIPv4,
	TypeIPv6,
	TypeDomainName,
	TypeHostname,
	TypeURL,
	TypeEmail,
	TypeFile,
	TypeText,
}

// AllEntityTypes returns the closed vocabulary in display order.
func AllEntityTypes() []EntityType {
	out := make([]EntityType, len(allEntityTypes))
	copy(out, allEntityTypes)
	return out
}

// ParseEntityType resolves a type name case-insensitively.
func ParseEntityType(raw string) (EntityType, error) {
	trimmed := strings.TrimSpace(raw)
	for _, t := range allEntityTypes {
		if strings.EqualFold(string(t), trimmed) {
			return t, nil
		}
	}
	return "", fmt.Errorf("matcher: unknown entity type %q", raw)
}

// Valid reports whether t belongs to the vocabulary.
func (t EntityType) Valid() bool {
	for _, known := range allEntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsIP reports whether values of this type are matched as addresses.
func (t EntityType) IsIP() bool {
	return t == TypeIPv4 || t == TypeIPv6
}

func (t EntityType) isDomain() bool {
	return t == TypeDomainName || t == TypeHostname
}

// Normalize is the canonical form used for exact matching, both when lists are
// compiled and when values are queried.
func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
