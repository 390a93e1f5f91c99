package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

func TestDecodePayload_KnownTopic(t *testing.T) {
	p, err := DecodePayload(TopicInvoiceReadyForApproval,
		[]byte(`{"invoice_id":"INV-7","amount":120000,"department":"OPS","confidence_score":0.93}`))
	require.NoError(t, err)

	ready, ok := p.(InvoiceReadyForApproval)
	require.True(t, ok)
	assert.Equal(t, "INV-7", ready.InvoiceID)
	assert.Equal(t, int64(120000), ready.Amount)
	require.NotNil(t, ready.ConfidenceScore)
	assert.InDelta(t, 0.93, *ready.ConfidenceScore, 1e-9)
	assert.Equal(t, EntityRef{Type: EntityTypeInvoice, ID: "INV-7"}, p.Subject())
	assert.Equal(t, ActorSystem, p.Actor())
}

func TestDecodePayload_Errors(t *testing.T) {
	_, err := DecodePayload("invoice.paid", []byte(`{}`))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	_, err = DecodePayload(TopicPRCreated, []byte(`{"amount":"lots"}`))
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestTopics_AllDecodable(t *testing.T) {
	topics := Topics()
	assert.Len(t, topics, 13)
	for _, topic := range topics {
		p, err := DecodePayload(topic, []byte(`{}`))
		require.NoError(t, err, topic)
		assert.Equal(t, topic, p.Topic())
	}
}

func TestPayloadAs(t *testing.T) {
	evt := Event{Payload: &PRCreated{PRID: "PR-1"}}
	got, ok := PayloadAs[PRCreated](evt)
	require.True(t, ok)
	assert.Equal(t, "PR-1", got.PRID)

	evt = Event{Payload: PRCreated{PRID: "PR-2"}}
	got, ok = PayloadAs[PRCreated](evt)
	require.True(t, ok)
	assert.Equal(t, "PR-2", got.PRID)

	_, ok = PayloadAs[POCreated](evt)
	assert.False(t, ok)
}

func TestSnapshotPayload(t *testing.T) {
	snap, err := SnapshotPayload(ApprovalApproved{
		InstanceID:   "i-1",
		EntityType:   EntityTypePR,
		EntityID:     "PR-1",
		DecidedLevel: 1,
		CurrentLevel: 2,
		Status:       InstanceStatusPending,
		Approver:     "fm",
	})
	require.NoError(t, err)
	assert.Equal(t, "i-1", snap["instance_id"])
	assert.Equal(t, float64(2), snap["current_level"])
	assert.Equal(t, "PENDING", snap["status"])
}

func TestMatchException_ResolveOnce(t *testing.T) {
	exc := &MatchException{ID: "e-1"}
	require.True(t, exc.IsOpen())

	at := time.Now()
	require.NoError(t, exc.Resolve(ResolutionApprovedOverride, "controller", "vendor credit note", at))
	assert.False(t, exc.IsOpen())
	assert.Equal(t, ResolutionApprovedOverride, *exc.Resolution)
	assert.Equal(t, "controller", *exc.ResolvedBy)

	err := exc.Resolve(ResolutionRejected, "someone", "", at)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidState))
	assert.Equal(t, ResolutionApprovedOverride, *exc.Resolution)
}

func TestMatchException_ResolveValidates(t *testing.T) {
	exc := &MatchException{ID: "e-2"}
	assert.True(t, errors.IsCode(exc.Resolve("MAYBE", "x", "", time.Now()), errors.ErrCodeInvalidInput))
	assert.True(t, errors.IsCode(exc.Resolve(ResolutionRejected, "", "", time.Now()), errors.ErrCodeInvalidInput))
	assert.True(t, exc.IsOpen())
}

func TestParseMatchType(t *testing.T) {
	for in, want := range map[string]MatchType{
		"":          MatchTypeThreeWay,
		"3WAY":      MatchTypeThreeWay,
		"THREE_WAY": MatchTypeThreeWay,
		"2WAY":      MatchTypeTwoWay,
		"TWO_WAY":   MatchTypeTwoWay,
	} {
		got, err := ParseMatchType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMatchType("FOUR_WAY")
	assert.Error(t, err)
}
