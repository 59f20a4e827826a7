package history

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"
)

func testEntry() Entry {
	return Entry{
		CreatedAt:    time.Date(2026, 2, 12, 10, 0, 0, 123_000_000, time.UTC),
		ActorUserID:  ID(7),
		ProjectID:    ID(1),
		EntityType:   EntityPayment,
		EntityID:     ID(42),
		Action:       ActionCreate,
		PayloadAfter: Payload(`{"id":42}`),
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	e := testEntry()

	hash1 := computeHash("", &e)
	hash2 := computeHash("", &e)

	if hash1 != hash2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(hash1, "sha256:") {
		t.Errorf("hash should start with 'sha256:', got %q", hash1)
	}
	if len(hash1) != len("sha256:")+64 {
		t.Errorf("hash should carry 64 hex digits, got %q", hash1)
	}
}

func TestComputeHash_KnownValue(t *testing.T) {
	e := testEntry()
	sum := sha256.Sum256([]byte(`sha256:prev|2026-02-12T10:00:00.123Z|7|CREATE|payment|{"id":42}`))
	want := "sha256:" + hex.EncodeToString(sum[:])

	if got := computeHash("sha256:prev", &e); got != want {
		t.Errorf("computeHash = %q, want %q", got, want)
	}
}

func TestComputeHash_AbsentFieldsRenderEmpty(t *testing.T) {
	e := Entry{
		CreatedAt:     time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
		EntityType:    EntityPayment,
		Action:        ActionDelete,
		PayloadBefore: Payload(`{"id":1}`),
	}
	sum := sha256.Sum256([]byte(`|2026-02-12T10:00:00.000Z||DELETE|payment|`))
	want := "sha256:" + hex.EncodeToString(sum[:])

	if got := computeHash("", &e); got != want {
		t.Errorf("computeHash = %q, want %q", got, want)
	}
}

func TestComputeHash_SensitiveToCoveredFields(t *testing.T) {
	base := testEntry()
	baseHash := computeHash("sha256:abc", &base)

	tests := []struct {
		name   string
		prev   string
		modify func(e *Entry)
	}{
		{"previous_hash", "sha256:xyz", func(e *Entry) {}},
		{"created_at", "sha256:abc", func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(time.Millisecond) }},
		{"actor", "sha256:abc", func(e *Entry) { e.ActorUserID = ID(8) }},
		{"actor removed", "sha256:abc", func(e *Entry) { e.ActorUserID = nil }},
		{"action", "sha256:abc", func(e *Entry) { e.Action = ActionUpdate }},
		{"entity_type", "sha256:abc", func(e *Entry) { e.EntityType = EntityParticipant }},
		{"payload_after", "sha256:abc", func(e *Entry) { e.PayloadAfter = Payload(`{"id":43}`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			if computeHash(tt.prev, &modified) == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestComputeHash_IgnoresUncoveredFields(t *testing.T) {
	base := testEntry()
	baseHash := computeHash("", &base)

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"id", func(e *Entry) { e.ID = 99 }},
		{"correlation_id", func(e *Entry) { e.CorrelationID = "other" }},
		{"project_id", func(e *Entry) { e.ProjectID = ID(2) }},
		{"entity_id", func(e *Entry) { e.EntityID = ID(43) }},
		{"payload_before", func(e *Entry) { e.PayloadBefore = Payload(`{"id":1}`) }},
		{"reason", func(e *Entry) { e.Reason = "typo" }},
		{"undoes_history_id", func(e *Entry) { e.UndoesHistoryID = ID(5) }},
		{"sub-millisecond time", func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(500 * time.Microsecond) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			if computeHash("", &modified) != baseHash {
				t.Errorf("changing %s should not change the hash", tt.name)
			}
		})
	}
}

func TestFormatTimestamp_NormalisesToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := time.Date(2026, 2, 12, 11, 0, 0, 5_600_000, loc)

	if got, want := formatTimestamp(ts), "2026-02-12T10:00:00.005Z"; got != want {
		t.Errorf("formatTimestamp = %q, want %q", got, want)
	}
}
