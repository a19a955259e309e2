package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)
	var dropped int
	for i := 0; i < 10; i++ {
		if rc.Send(i) {
			dropped++
		}
	}

	assert.Equal(t, 7, dropped, "Send MUST report every overwrite")
	var got []int
	for len(rc.C()) > 0 {
		got = append(got, <-rc.C())
	}
	assert.Equal(t, []int{7, 8, 9}, got, "only the last 3 values MUST remain")

	m := rc.GetMetrics()
	assert.Equal(t, int64(10), m.Written)
	assert.Equal(t, int64(7), m.Overwritten)
}

func TestRingChannel_Close(t *testing.T) {
	rc := New[string](1)
	rc.Send("a")

	rc.Close()
	rc.Close()
	assert.False(t, rc.Send("c"), "Send after Close MUST be a no-op")
	assert.Equal(t, int64(1), rc.GetMetrics().Written)

	v, open := <-rc.C()
	assert.True(t, open)
	assert.Equal(t, "a", v, "buffered values MUST survive Close")
	_, open = <-rc.C()
	assert.False(t, open)
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
