package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	before := time.Now().UTC()
	env := NewEnvelope("billing", "invoice", "INV-1", "invoice.created",
		map[string]any{"amount": 42})

	assert.NotEmpty(t, env.EventID)
	assert.NotEmpty(t, env.TraceID)
	assert.NotEqual(t, env.EventID, env.TraceID)
	assert.Equal(t, SchemaVersion, env.SchemaVersion)
	assert.Equal(t, "billing", env.Producer)
	assert.Equal(t, "invoice", env.ResourceType)
	assert.Equal(t, "INV-1", env.ResourceID)
	assert.Equal(t, "invoice.created", env.EventType)
	assert.WithinDuration(t, before, env.OccurredAt, time.Second)
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr error
	}{
		{"valid", func(e *Envelope) {}, nil},
		{"missing event id", func(e *Envelope) { e.EventID = "" }, ErrEnvelopeMissingEventID},
		{"missing event type", func(e *Envelope) { e.EventType = "" }, ErrEnvelopeMissingEventType},
		{"zero schema version", func(e *Envelope) { e.SchemaVersion = 0 }, ErrEnvelopeBadSchemaVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewEnvelope("billing", "invoice", "INV-1", "invoice.created", nil)
			tt.mutate(env)

			err := env.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	env := NewEnvelope("billing", "invoice", "INV-1", "invoice.created",
		map[string]any{"amount": float64(42)})

	body, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, parsed.EventID)
	assert.Equal(t, env.Payload, parsed.Payload)
}

func TestParseEnvelope_Malformed(t *testing.T) {
	_, err := ParseEnvelope([]byte("{not json"))
	assert.Error(t, err)

	// Well-formed JSON that fails validation is equally unparseable.
	_, err = ParseEnvelope([]byte(`{"event_type":"x","schema_version":1}`))
	assert.ErrorIs(t, err, ErrEnvelopeMissingEventID)
}

func TestEnvelope_MarshalRejectsInvalid(t *testing.T) {
	env := NewEnvelope("billing", "invoice", "INV-1", "", nil)
	_, err := env.Marshal()
	assert.ErrorIs(t, err, ErrEnvelopeMissingEventType)
}
