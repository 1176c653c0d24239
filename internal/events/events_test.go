package events

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DragonSecurity/ocppnet/pkg/util"
)

type listener func(n int) error

func TestRegistryOrderAndUnsubscribe(t *testing.T) {
	var r Registry[string]
	a := r.Subscribe("a")
	r.Subscribe("b")
	r.Subscribe("c")
	assert.Equal(t, []string{"a", "b", "c"}, r.Snapshot())

	assert.True(t, r.Unsubscribe(a))
	assert.False(t, r.Unsubscribe(a))
	assert.Equal(t, []string{"b", "c"}, r.Snapshot())
	assert.Equal(t, 2, r.Len())
}

func TestNotifyIsolatesFailures(t *testing.T) {
	var r Registry[listener]
	var calls atomic.Int32
	r.Subscribe(func(int) error { calls.Add(1); panic("bad listener") })
	r.Subscribe(func(int) error { calls.Add(1); return errors.New("failed") })
	r.Subscribe(func(n int) error { calls.Add(int32(n)); return nil })

	assert.NotPanics(t, func() {
		Notify(util.NopLogger(), "test", &r, func(l listener) error { return l(10) })
	})
	assert.Equal(t, int32(12), calls.Load())
}

func TestRecover(t *testing.T) {
	err := Recover(func() error { panic("x") })
	assert.ErrorContains(t, err, "panic: x")
	assert.NoError(t, Recover(func() error { return nil }))
}
