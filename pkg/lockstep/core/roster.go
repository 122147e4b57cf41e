package core

import (
	"time"

	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// joinFreshnessWindow bounds how long a recorded Join stays a candidate
// for the roster before it is considered stale (spec.md §4.3.1 step 3).
const joinFreshnessWindow = 1000 * time.Millisecond

// peerRecord is the per-peer handshake bookkeeping (spec.md §3
// "Per-peer handshake record"). It only lives during the handshake.
type peerRecord struct {
	state         types.MessageType
	lastSeen      time.Time
	reportedDelay int
}

func (p peerRecord) isFresh(now time.Time) bool {
	return now.Sub(p.lastSeen) < joinFreshnessWindow
}

// candidateRoster rebuilds the create-side roster candidate list: the
// announced host endpoint first, then every recorded peer in Join state
// that is still fresh, stopping once playersNeeded entries are collected
// (spec.md §4.3.1 step 3). Iteration order over the map is intentionally
// nondeterministic beyond "host first" — the creator's Info broadcast is
// what makes the final roster ordering authoritative for every peer.
func candidateRoster(hostEp types.Endpoint, records map[types.Endpoint]*peerRecord, playersNeeded int, now time.Time) []types.Endpoint {
	roster := make([]types.Endpoint, 0, playersNeeded)
	roster = append(roster, hostEp)
	for ep, rec := range records {
		if len(roster) >= playersNeeded {
			break
		}
		if rec.state == types.MsgJoin && rec.isFresh(now) {
			roster = append(roster, ep)
		}
	}
	return roster
}

// sideMapFrom builds the endpoint->side lookup for a roster in order.
func sideMapFrom(roster []types.Endpoint) map[types.Endpoint]types.Side {
	sides := make(map[types.Endpoint]types.Side, len(roster))
	for i, ep := range roster {
		sides[ep] = types.Side(i)
	}
	return sides
}

// withoutSelf returns roster minus the entry at selfSide, preserving order.
// This is the broadcast list (spec.md §3 "Peer roster": "local endpoint is
// excluded from the broadcast list but its side index is remembered").
func withoutSelf(roster []types.Endpoint, selfSide types.Side) []types.Endpoint {
	out := make([]types.Endpoint, 0, len(roster)-1)
	for i, ep := range roster {
		if types.Side(i) == selfSide {
			continue
		}
		out = append(out, ep)
	}
	return out
}
