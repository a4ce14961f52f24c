// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/google/uuid"

// UUID identifies a node. It is a thin alias over google/uuid's type so
// every package in this module shares one comparable, wire-ready 16-byte
// identity (spec3: "an opaque 128-bit UUID").
type UUID = uuid.UUID

// NewUUID returns a new random node identity.
func NewUUID() UUID {
	return uuid.New()
}

// ParseUUID parses the canonical string form of a UUID.
func ParseUUID(s string) (UUID, error) {
	return uuid.Parse(s)
}

func cloneTargets(in map[UUID]struct{}) map[UUID]struct{} {
	out := make(map[UUID]struct{}, len(in))
	for id := range in {
		out[id] = struct{}{}
	}
	return out
}

// TargetSet builds a target set from a list of UUIDs, the shape Message.Targets
// and TransmitQueue.remoteTargets both use.
func TargetSet(ids ...UUID) map[UUID]struct{} {
	out := make(map[UUID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
