package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int { return &v }

func TestAssigner_DescendsFromMax(t *testing.T) {
	a := NewAssigner()
	for want := 199; want >= 190; want-- {
		assert.Equal(t, want, a.Next(nil))
	}
}

func TestAssigner_WrapsInsteadOfReachingZero(t *testing.T) {
	a := NewAssigner()
	var got []int
	for i := 0; i < 201; i++ {
		got = append(got, a.Next(nil))
	}

	assert.Equal(t, 199, got[0])
	assert.Equal(t, 1, got[198])
	assert.Equal(t, 200, got[199])
	assert.Equal(t, 199, got[200])
	for _, p := range got {
		assert.GreaterOrEqual(t, p, Min)
		assert.LessOrEqual(t, p, Max)
	}
}

func TestAssigner_CustomPriorityIsStable(t *testing.T) {
	a := NewAssigner()

	assert.Equal(t, 199, a.Next(nil))
	assert.Equal(t, 7, a.Next(intPtr(7)))
	assert.Equal(t, 7, a.Next(intPtr(7)))
	assert.Equal(t, 198, a.Next(nil), "custom priorities must not consume the counter")
}

func TestAssigner_ZeroMeansNoOverride(t *testing.T) {
	a := NewAssigner()

	assert.Equal(t, 199, a.Next(intPtr(0)))
	assert.Equal(t, 198, a.Next(intPtr(0)))
	assert.Equal(t, 197, a.Next(nil))
}
