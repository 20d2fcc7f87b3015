package proto

import (
	"errors"
	"fmt"
	"strings"
)

// A capability is simply a packet type a device can accept (incoming) or emit
// (outgoing). Engine packets under the protocol. prefix are never part of a
// capability list: every device handles them.
const protocolPrefix = "protocol."

var errEmptyPacketType = errors.New("packet type is required")

// IsProtocolType reports whether t belongs to the connection engine rather
// than a feature plugin.
func IsProtocolType(t string) bool {
	return strings.HasPrefix(t, protocolPrefix)
}

// ValidatePacketType checks that a packet type used in a capability
// registration is a plausible dotted identifier and not a reserved engine
// type.
func ValidatePacketType(t string) error {
	if strings.TrimSpace(t) == "" {
		return errEmptyPacketType
	}

	if IsProtocolType(t) {
		return fmt.Errorf("packet type %q is reserved for the engine", t)
	}

	if strings.ContainsAny(t, " \t\n") || !strings.Contains(t, ".") {
		return fmt.Errorf("packet type %q must be a dotted identifier", t)
	}

	return nil
}

// MergeCapabilities unions capability lists, dropping duplicates while
// keeping first-seen order. Used when recomputing the advertised sets from
// enabled plugins.
func MergeCapabilities(lists ...[]string) []string {
	seen := make(map[string]struct{})
	merged := make([]string, 0)

	for _, list := range lists {
		for _, t := range list {
			if _, ok := seen[t]; ok {
				continue
			}

			seen[t] = struct{}{}

			merged = append(merged, t)
		}
	}

	return merged
}
