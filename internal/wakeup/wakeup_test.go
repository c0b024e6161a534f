package wakeup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MadAppGang/brop-sub002/internal/bridgelog"
)

type fakeWaker struct{ n int }

func (f *fakeWaker) Wakeup() { f.n++ }

func testLogger() *bridgelog.Logger {
	return bridgelog.New(nil, bridgelog.NewRing(16), false)
}

func TestNew_EmptyAddrDisablesSignal(t *testing.T) {
	s := New("", "", "ch", "key", testLogger())
	assert.False(t, s.Enabled())

	require.NoError(t, s.Poke(context.Background()))
	s.Run(context.Background()) // no-op, must return immediately
}

func TestFanOut_NotifiesAllRegisteredWakers(t *testing.T) {
	s := New("", "", "ch", "key", testLogger())
	w1, w2 := &fakeWaker{}, &fakeWaker{}
	s.Register(w1)
	s.Register(w2)

	s.fanOut()

	assert.Equal(t, 1, w1.n)
	assert.Equal(t, 1, w2.n)
}
