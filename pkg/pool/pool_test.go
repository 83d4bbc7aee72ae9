package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmost/mostd/pkg/engine"
)

func newList(name string, ds ...engine.Descriptor) *engine.JobList {
	return &engine.JobList{Name: name, Resources: ds}
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0, 4)
	assert.Error(t, err)
	_, err = New(4, 0)
	assert.Error(t, err)
}

func TestJobReturnsSameSlotForSameList(t *testing.T) {
	p, err := New(2, 4)
	require.NoError(t, err)

	list := newList("a", &engine.MostSocket{})
	j1, err := p.Job(list)
	require.NoError(t, err)
	j2, err := p.Job(list)
	require.NoError(t, err)

	assert.Same(t, j1, j2)
	assert.Same(t, j1, p.Find(list))
	assert.Equal(t, 1, p.Stats().JobsUsed)
}

func TestJobExhaustion(t *testing.T) {
	p, err := New(4, 16)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := p.Job(newList("l", &engine.MostSocket{}))
		require.NoError(t, err)
	}

	_, err = p.Job(newList("fifth", &engine.MostSocket{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrNoFreeJob))
	assert.True(t, engine.IsRejected(err))
}

func TestReleaseJobFreesSlotAndEntries(t *testing.T) {
	p, err := New(1, 4)
	require.NoError(t, err)

	d := &engine.MostSocket{}
	list := newList("a", d)
	j, err := p.Job(list)
	require.NoError(t, err)
	j.Valid = true
	j.Label = 0x0C
	require.True(t, p.Store(0x0D01, j, d))

	p.ReleaseJob(j)

	assert.Nil(t, p.Find(list))
	assert.False(t, j.Valid)
	assert.Zero(t, j.Label)
	assert.Equal(t, Stats{JobsCap: 1, HandlesCap: 4}, p.Stats())

	other, err := p.Job(newList("b", d))
	require.NoError(t, err)
	assert.Same(t, j, other)
}

func TestStoreFullTable(t *testing.T) {
	p, err := New(1, 2)
	require.NoError(t, err)

	j, err := p.Job(newList("a"))
	require.NoError(t, err)

	a, b, c := &engine.MostSocket{}, &engine.MlbPort{}, &engine.UsbPort{}
	assert.True(t, p.Store(1, j, a))
	assert.True(t, p.Store(2, j, b))
	assert.False(t, p.Store(3, j, c))

	// Updating an existing entry needs no free slot.
	assert.True(t, p.Store(5, j, a))
	h, ok := p.Lookup(j, a, nil)
	require.True(t, ok)
	assert.Equal(t, uint16(5), h)
}

func TestWildcardLookupWithFilter(t *testing.T) {
	p, err := New(3, 8)
	require.NoError(t, err)

	shared := &engine.MlbPort{Index: 0}
	j1, _ := p.Job(newList("j1", shared))
	j2, _ := p.Job(newList("j2", shared))
	j1.Node, j2.Node = 0x200, 0x210

	require.True(t, p.Store(0x0A00, j1, shared))

	h, ok := p.Lookup(nil, shared, nil)
	require.True(t, ok)
	assert.Equal(t, uint16(0x0A00), h)

	_, ok = p.Lookup(nil, shared, func(j *Job) bool { return j.Node == 0x210 })
	assert.False(t, ok)

	_, ok = p.Lookup(j2, shared, nil)
	assert.False(t, ok)
}

func TestRefsCountsOnlyOtherValidJobs(t *testing.T) {
	p, err := New(3, 8)
	require.NoError(t, err)

	shared := &engine.MlbPort{}
	owner, _ := p.Job(newList("owner", shared))
	other, _ := p.Job(newList("other", shared))
	pending, _ := p.Job(newList("pending", shared))

	require.True(t, p.Store(0x0A00, owner, shared))
	require.True(t, p.Store(0x0A00, other, shared))
	require.True(t, p.Store(0x0A00, pending, shared))
	owner.Valid = true
	other.Valid = true

	assert.Equal(t, 1, p.Refs(owner, shared, nil))
	assert.Equal(t, 0, p.Refs(owner, shared, func(j *Job) bool { return j != other }))

	other.Valid = false
	assert.Equal(t, 0, p.Refs(owner, shared, nil))
}

func TestScanAndRelease(t *testing.T) {
	p, err := New(1, 4)
	require.NoError(t, err)

	a, b := &engine.MostSocket{}, &engine.MlbPort{}
	j, _ := p.Job(newList("a", a, b))
	p.Store(1, j, a)
	p.Store(2, j, b)

	var seen []uint16
	p.Scan(func(e *Entry) bool {
		seen = append(seen, e.Handle)
		return false
	})
	assert.ElementsMatch(t, []uint16{1, 2}, seen)

	p.Release(j, a)
	_, ok := p.Lookup(j, a, nil)
	assert.False(t, ok)
	assert.Equal(t, 1, p.Stats().HandlesUsed)

	p.ReleaseEntries(j)
	assert.Equal(t, 0, p.Stats().HandlesUsed)
	assert.Same(t, j, p.Find(j.List()))
}

func TestEachJobStops(t *testing.T) {
	p, err := New(3, 1)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _ = p.Job(newList("l"))
	}

	visits := 0
	p.EachJob(func(*Job) bool {
		visits++
		return visits == 2
	})
	assert.Equal(t, 2, visits)
}
