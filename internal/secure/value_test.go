package secure

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		isSet bool
	}{
		{name: "client secret", input: "dose0123456789", isSet: true},
		{name: "empty is unset", input: "", isSet: false},
		{name: "unicode", input: "pässwörd-✓", isSet: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValue(tt.input)
			defer v.Destroy()

			assert.Equal(t, tt.isSet, v.IsSet())
			got, err := v.Reveal()
			require.NoError(t, err)
			assert.Equal(t, tt.input, got)
		})
	}
}

func TestValue_RevealRepeatedly(t *testing.T) {
	v := NewValue("static-token")
	defer v.Destroy()

	for i := 0; i < 3; i++ {
		got, err := v.Reveal()
		require.NoError(t, err)
		assert.Equal(t, "static-token", got)
	}
}

func TestValue_Destroy(t *testing.T) {
	v := NewValue("secret")
	v.Destroy()
	v.Destroy()

	assert.False(t, v.IsSet())
	_, err := v.Reveal()
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestValue_NilIsUnset(t *testing.T) {
	var v *Value
	assert.False(t, v.IsSet())
	got, err := v.Reveal()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotPanics(t, v.Destroy)
}

func TestValue_NeverFormatsPlaintext(t *testing.T) {
	v := NewValue("hunter2-secret")
	defer v.Destroy()

	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", v))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", v))
}

func TestValue_ConcurrentReveal(t *testing.T) {
	v := NewValue("shared-secret")
	defer v.Destroy()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := v.Reveal()
			assert.NoError(t, err)
			assert.Equal(t, "shared-secret", got)
		}()
	}
	wg.Wait()
}
