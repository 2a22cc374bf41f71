package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFoldTags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil", nil, nil},
		{"dedup", []string{"a", "b", "a"}, []string{"a", "b"}},
		{"case folded", []string{"Dark", "dark", "MODE"}, []string{"dark", "mode"}},
		{"trimmed", []string{"  ui ", "\tui"}, []string{"ui"}},
		{"empty dropped", []string{"", "  ", "x"}, []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FoldTags(tt.in))
		})
	}
}

func TestMemoryRecord_Expired(t *testing.T) {
	now := time.Now()
	r := &MemoryRecord{}
	assert.False(t, r.Expired(now), "nil TTL never expires")

	past := now.Add(-time.Minute)
	r.ExpiresAt = &past
	assert.True(t, r.Expired(now))

	future := now.Add(time.Minute)
	r.ExpiresAt = &future
	assert.False(t, r.Expired(now))
}

func TestTimeRange_Contains(t *testing.T) {
	now := time.Now()
	var nilRange *TimeRange
	assert.True(t, nilRange.Contains(now))

	tr := &TimeRange{Start: now.Add(-time.Hour), End: now.Add(time.Hour)}
	assert.True(t, tr.Contains(now))
	assert.False(t, tr.Contains(now.Add(-2*time.Hour)))
	assert.False(t, tr.Contains(now.Add(2*time.Hour)))

	open := &TimeRange{Start: now.Add(-time.Hour)}
	assert.True(t, open.Contains(now.Add(24*time.Hour)))
}

func TestNextLower(t *testing.T) {
	assert.Equal(t, TierSmart, NextLower(TierAdvanced))
	assert.Equal(t, TierBasic, NextLower(TierSmart))
	assert.Equal(t, TierMock, NextLower(TierBasic))
	assert.Equal(t, TierLevel(""), NextLower(TierMock))
}

func TestValidKind(t *testing.T) {
	assert.True(t, ValidKind(KindPreference))
	assert.False(t, ValidKind(MemoryKind("feeling")))
}
