package history

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// timestampLayout is the hash rendering of created_at. Millisecond
// precision matches what storage keeps, so a stored entry re-hashes to
// the same value.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// computeHash calculates the chain hash of e on top of prevHash:
//
//	SHA-256(prev_hash | created_at | actor_user_id | action | entity_type | payload_after)
//
// Absent fields render as the empty string. Returns "sha256:<hex>".
func computeHash(prevHash string, e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s",
		prevHash,
		formatTimestamp(e.CreatedAt),
		formatOptional(e.ActorUserID),
		e.Action,
		e.EntityType,
		e.PayloadAfter)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(timestampLayout)
}

func formatOptional(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
