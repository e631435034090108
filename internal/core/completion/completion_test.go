package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":{\"b\":2}}\n```", `{"a":{"b":2}}`, true},
		{"prose around", `Sure! Here you go: {"shows":[]} hope that helps`, `{"shows":[]}`, true},
		{"no braces", "I could not find anything", "", false},
		{"reversed", "} nope {", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeJSONSoftError(t *testing.T) {
	var out struct {
		Leaf []string `json:"leafUrls"`
	}
	require.NoError(t, DecodeJSON(`result: {"leafUrls":["https://a.test/x"]}`, &out))
	assert.Equal(t, []string{"https://a.test/x"}, out.Leaf)

	err := DecodeJSON(`{"leafUrls": [unterminated}`, &out)
	assert.True(t, IsSoft(err))
}
