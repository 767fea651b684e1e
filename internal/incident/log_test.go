package incident

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbered(n int) Incident {
	return New(AudioDetected).WithMessage(fmt.Sprintf("#%d", n))
}

func TestLogKeepsMostRecentInDetectionOrder(t *testing.T) {
	for _, n := range []int{0, 1, 99, 100, 101, 250} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			log := NewLog(DefaultCapacity)
			for i := 0; i < n; i++ {
				snap := log.Append(numbered(i))
				require.LessOrEqual(t, len(snap), DefaultCapacity)
			}

			snap := log.Snapshot()
			want := n
			if want > DefaultCapacity {
				want = DefaultCapacity
			}
			require.Len(t, snap, want)

			first := n - want
			for i, inc := range snap {
				assert.Equal(t, fmt.Sprintf("#%d", first+i), inc.Message)
			}
			assert.Equal(t, int64(n), log.Total())
		})
	}
}

func TestLogAppendReturnsDetachedSnapshot(t *testing.T) {
	log := NewLog(3)
	snap := log.Append(numbered(1))
	snap[0].Message = "tampered"

	assert.Equal(t, "#1", log.Snapshot()[0].Message)
}

func TestLogKeepsDuplicates(t *testing.T) {
	log := NewLog(10)
	inc := New(RightClickAttempt)
	log.Append(inc)
	log.Append(inc)

	assert.Equal(t, 2, log.Len())
}

func TestLogResolveAttachesEvidence(t *testing.T) {
	log := NewLog(2)
	a := numbered(1)
	b := numbered(2)
	log.Append(a)
	log.Append(b)

	require.True(t, log.Resolve(a.ID, "file:///a.jpg"))
	snap := log.Snapshot()
	require.NotNil(t, snap[0].EvidenceRef)
	assert.Equal(t, "file:///a.jpg", *snap[0].EvidenceRef)
	assert.Nil(t, a.EvidenceRef, "original value must not change")

	log.Append(numbered(3))
	assert.False(t, log.Resolve(a.ID, "late"), "evicted entries cannot resolve")
}

func TestLogClear(t *testing.T) {
	log := NewLog(2)
	for i := 0; i < 5; i++ {
		log.Append(numbered(i))
	}
	log.Clear()

	assert.Empty(t, log.Snapshot())
	assert.Zero(t, log.Total())

	log.Append(numbered(9))
	assert.Equal(t, "#9", log.Snapshot()[0].Message)
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("copy_paste").Valid())
}
