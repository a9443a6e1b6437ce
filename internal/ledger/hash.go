package ledger

import (
	"strconv"
	"time"

	"attest/internal/hashing"
)

// hashTimeFormat fixes the textual form of timestamps inside the hashed
// canonical field set. Stores must persist timestamps at this precision or
// better, or recomputation would diverge from the original hash.
const hashTimeFormat = time.RFC3339Nano

// EventHash recomputes the chain hash of ev from its own fields, including
// the prev_hash it claims. A pure function of the event: VerifyChain calls it
// on persisted rows, Append on freshly built events.
func EventHash(ev *AuditEvent) (string, error) {
	fields := map[string]any{
		"id":               ev.ID.String(),
		"event_type":       string(ev.Type),
		"timestamp":        ev.Timestamp.UTC().Format(hashTimeFormat),
		"timestamp_source": ev.TimestampSource,
		"resource_type":    ev.ResourceType,
		"resource_id":      ev.ResourceID,
		"resource_name":    ev.ResourceName,
		"client_ip":        ev.ClientIP,
		"user_agent":       ev.UserAgent,
		"reason":           ev.Reason,
		"chain_id":         ev.ChainID.String(),
		"sequence":         strconv.FormatInt(ev.Sequence, 10),
		"prev_hash":        ev.PrevHash,
	}
	if !ev.ActorID.IsNil() {
		fields["actor_id"] = ev.ActorID.String()
	}
	if ev.Details != nil {
		fields["details"] = ev.Details
	}

	canon, err := hashing.Canonical(fields)
	if err != nil {
		return "", err
	}
	return hashing.SumHex(canon), nil
}
