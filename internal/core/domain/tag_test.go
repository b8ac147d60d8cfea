package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Snake Ladder API", "snake-ladder-api"},
		{"snake_ladder.api", "snake-ladder-api"},
		{"already-lower", "already-lower"},
		{"  padded  ", "padded"},
		{"a -- b", "a-b"},
		{"App!@#2", "app2"},
		{"", ""},
		{"!!!", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestImageTag(t *testing.T) {
	assert.Equal(t, "ladderbox/api:latest", ImageTag("ladderbox/api", ""))
	assert.Equal(t, "ladderbox/api:v2", ImageTag("ladderbox/api", "v2"))
	assert.Equal(t, DefaultRepository+":latest", ImageTag("", ""))
}
