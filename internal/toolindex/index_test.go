package toolindex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterIdempotent(t *testing.T) {
	ix := New()
	input := json.RawMessage(`{"path":"main.go"}`)

	ix.Register("tu_1", "read", input)
	ix.Register("tu_1", "read", json.RawMessage(`{"path":"other.go"}`))

	e, ok := ix.Entry("tu_1")
	assert.True(t, ok)
	assert.Equal(t, "read", e.Name)
	assert.JSONEq(t, `{"path":"main.go"}`, string(e.Input))
}

func TestRegisterUpgradesEmptyInput(t *testing.T) {
	ix := New()

	ix.Register("tu_1", "bash", nil)
	assert.Empty(t, ix.Input("tu_1"))

	ix.Register("tu_1", "bash", json.RawMessage(`{"command":"ls"}`))
	assert.JSONEq(t, `{"command":"ls"}`, string(ix.Input("tu_1")))
}

func TestOrderIndependence(t *testing.T) {
	a := New()
	a.Register("A", "read", json.RawMessage(`{"a":1}`))
	a.Register("B", "grep", json.RawMessage(`{"b":2}`))

	b := New()
	b.Register("B", "grep", json.RawMessage(`{"b":2}`))
	b.Register("A", "read", json.RawMessage(`{"a":1}`))

	for _, id := range []string{"A", "B"} {
		ea, oka := a.Entry(id)
		eb, okb := b.Entry(id)
		assert.Equal(t, oka, okb)
		assert.Equal(t, ea.Name, eb.Name)
		assert.Equal(t, string(ea.Input), string(eb.Input))
	}
}

func TestUnknownIDDegrades(t *testing.T) {
	ix := New()
	assert.Equal(t, "", ix.Name("missing"))
	assert.Nil(t, ix.Input("missing"))
	_, ok := ix.Entry("missing")
	assert.False(t, ok)
}

func TestEmptyIDIgnored(t *testing.T) {
	ix := New()
	ix.Register("", "read", nil)
	_, ok := ix.Entry("")
	assert.False(t, ok)
}
