package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionVectorDominance(t *testing.T) {
	a := VersionVector{"n1": 3, "n2": 1}
	b := VersionVector{"n1": 2}

	assert.True(t, a.Dominates(b))
	assert.False(t, b.Dominates(a))
	assert.False(t, a.Concurrent(b))
}

func TestVersionVectorConcurrent(t *testing.T) {
	a := VersionVector{"n1": 3}
	b := VersionVector{"n2": 1}

	assert.True(t, a.Concurrent(b))
	assert.True(t, b.Concurrent(a))
}

func TestVersionVectorMergeAndObserve(t *testing.T) {
	a := VersionVector{"n1": 3}
	a.Observe("n1", 2) // never moves backwards
	assert.Equal(t, uint64(3), a.Get("n1"))

	a.Merge(VersionVector{"n1": 5, "n2": 7})
	assert.Equal(t, uint64(5), a.Get("n1"))
	assert.Equal(t, uint64(7), a.Get("n2"))

	c := a.Clone()
	c.Observe("n3", 1)
	assert.Zero(t, a.Get("n3"), "clone must not alias the original")
}

func TestVersionVectorEmptyDominatedByAll(t *testing.T) {
	empty := VersionVector{}
	some := VersionVector{"n1": 1}
	assert.True(t, some.Dominates(empty))
	assert.False(t, empty.Dominates(some))
}
