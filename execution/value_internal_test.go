package execution

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFalsy(t *testing.T) {
	tests := []struct {
		in   any
		want bool
	}{
		{nil, true},
		{false, true},
		{float64(0), true},
		{json.Number("0"), true},
		{"", true},
		{true, false},
		{float64(-1), false},
		{"no", false},
		{map[string]any{}, false},
		{[]any{}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, falsy(tt.in), "falsy(%#v)", tt.in)
	}
}
