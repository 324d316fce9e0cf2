package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectionName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"consensus_knowledge", "consensus_knowledge"},
		{"Team Outputs!", "team_outputs"},
		{"github.com/acme/api", "github_com_acme_api"},
		{"a__b", "a_b"},
		{"", "curator_outputs"},
		{"!!!", "curator_outputs"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CollectionName(tt.in))
		})
	}
}

func TestCollectionName_Long(t *testing.T) {
	a := CollectionName(strings.Repeat("x", 100))
	b := CollectionName(strings.Repeat("x", 101))

	assert.Len(t, a, maxCollectionLen)
	assert.Len(t, b, maxCollectionLen)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^[a-z0-9_]+_[0-9a-f]{8}$`, a)
}
