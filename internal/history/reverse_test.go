package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReverserFor_CoversEveryEntityType(t *testing.T) {
	for _, et := range EntityTypes() {
		assert.NotNil(t, reverserFor(et), "no reverser for %s", et)
	}
	assert.Nil(t, reverserFor("ghost"))
}

// The unsupported combinations are decided before any storage access, so
// a nil Tx is enough to exercise them.
func TestReverse_UnsupportedCombinations(t *testing.T) {
	tests := []struct {
		entityType EntityType
		action     Action
	}{
		{EntityProjectMember, ActionCreate},
		{EntityProject, ActionCreate},
		{EntityProject, ActionDelete},
		{EntityContribution, ActionCreate},
		{EntityContribution, ActionUpdate},
		{EntityContribution, ActionDelete},
		{EntityParticipantInvite, ActionCreate},
		{EntityParticipantInvite, ActionUpdate},
		{EntityParticipantInvite, ActionDelete},
		{EntityPayment, ActionUndo},
		{"ghost", ActionCreate},
	}

	for _, tt := range tests {
		t.Run(string(tt.entityType)+"/"+string(tt.action), func(t *testing.T) {
			target := &Entry{ID: 1, EntityType: tt.entityType, EntityID: ID(1), Action: tt.action}
			err := reverse(context.Background(), nil, target)
			assert.ErrorIs(t, err, ErrUnsupportedEntityOrAction)
		})
	}
}

func TestReverse_SnapshotMustMatchEntity(t *testing.T) {
	target := &Entry{
		ID:            1,
		EntityType:    EntityParticipant,
		EntityID:      ID(5),
		Action:        ActionDelete,
		PayloadBefore: Payload(`{"id":6,"project_id":1,"name":"Ana"}`),
	}
	err := reverse(context.Background(), nil, target)
	assert.ErrorIs(t, err, ErrMalformedSnapshot)
}

func TestParseEntityType(t *testing.T) {
	got, err := ParseEntityType("project_member")
	assert.NoError(t, err)
	assert.Equal(t, EntityProjectMember, got)

	_, err = ParseEntityType("user")
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestMatchEntityTypes(t *testing.T) {
	tests := []struct {
		pattern string
		want    []EntityType
		wantErr bool
	}{
		{"", nil, false},
		{"payment", []EntityType{EntityPayment}, false},
		{"project*", []EntityType{EntityProjectMember, EntityProject}, false},
		{"*invite", []EntityType{EntityParticipantInvite}, false},
		{"participant*", []EntityType{EntityParticipant, EntityParticipantInvite}, false},
		{"user*", []EntityType{}, false},
		{"[", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := MatchEntityTypes(tt.pattern)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidQuery)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
