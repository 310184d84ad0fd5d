package conntable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id string
}

func (f *fakeHandle) ID() string            { return f.id }
func (f *fakeHandle) Send(data []byte) error { return nil }
func (f *fakeHandle) Close() error          { return nil }

func TestClassifyExactlyOnce(t *testing.T) {
	tbl := New()
	tbl.Register("c1", &fakeHandle{id: "c1"})

	require.NoError(t, tbl.Classify("c1", RoleObserver))
	assert.Equal(t, RoleObserver, tbl.Role("c1"))

	// Second attempt fails and does not change the role.
	err := tbl.Classify("c1", RoleSender)
	assert.ErrorIs(t, err, ErrAlreadyClassified)
	assert.Equal(t, RoleObserver, tbl.Role("c1"))

	// Re-asserting the same role is still a classification attempt.
	err = tbl.Classify("c1", RoleObserver)
	assert.ErrorIs(t, err, ErrAlreadyClassified)
}

func TestClassifyUnknownIDIsNoop(t *testing.T) {
	tbl := New()
	assert.NoError(t, tbl.Classify("ghost", RoleSender))
	assert.Equal(t, RoleUnclassified, tbl.Role("ghost"))
	assert.Equal(t, 0, tbl.Len())
}

func TestObserversSnapshot(t *testing.T) {
	tbl := New()
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("c%d", i)
		tbl.Register(id, &fakeHandle{id: id})
	}
	for i := 0; i < 10; i += 2 {
		require.NoError(t, tbl.Classify(fmt.Sprintf("c%d", i), RoleObserver))
	}
	for i := 1; i < 10; i += 2 {
		require.NoError(t, tbl.Classify(fmt.Sprintf("c%d", i), RoleSender))
	}

	obs := tbl.Observers()
	assert.Len(t, obs, 5)

	seen := map[string]bool{}
	for _, h := range obs {
		assert.False(t, seen[h.ID()], "handle %s returned twice", h.ID())
		seen[h.ID()] = true
	}
}

func TestRemoveIdempotentAndReportsObserver(t *testing.T) {
	tbl := New()
	tbl.Register("obs", &fakeHandle{id: "obs"})
	tbl.Register("snd", &fakeHandle{id: "snd"})
	require.NoError(t, tbl.Classify("obs", RoleObserver))
	require.NoError(t, tbl.Classify("snd", RoleSender))

	role, existed := tbl.Remove("obs")
	assert.True(t, existed)
	assert.Equal(t, RoleObserver, role)

	_, existed = tbl.Remove("obs") // second remove is a no-op
	assert.False(t, existed)

	role, existed = tbl.Remove("snd")
	assert.True(t, existed)
	assert.Equal(t, RoleSender, role)
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, tbl.Observers())
}

// Concurrent churn on one half of the id space must not corrupt snapshots of
// the other half, and a handle removed before the snapshot starts must not
// appear in it.
func TestConcurrentChurnAndLookup(t *testing.T) {
	tbl := New()

	// Stable observers that must appear in every snapshot.
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("stable%d", i)
		tbl.Register(id, &fakeHandle{id: id})
		require.NoError(t, tbl.Classify(id, RoleObserver))
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Churners register and remove short-lived observers.
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := fmt.Sprintf("churn%d-%d", g, i)
				tbl.Register(id, &fakeHandle{id: id})
				_ = tbl.Classify(id, RoleObserver)
				tbl.Remove(id)
			}
		}(g)
	}

	for i := 0; i < 200; i++ {
		obs := tbl.Observers()
		seen := map[string]bool{}
		stable := 0
		for _, h := range obs {
			if seen[h.ID()] {
				t.Fatalf("handle %s returned twice in one snapshot", h.ID())
			}
			seen[h.ID()] = true
			if len(h.ID()) >= 6 && h.ID()[:6] == "stable" {
				stable++
			}
		}
		assert.Equal(t, 20, stable, "stable observers missing from snapshot")
	}

	close(stop)
	wg.Wait()
}
