package pocore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAdjustPendingStepsAndPatches(t *testing.T) {
	ch := &Channel{pendingVec: [][]byte{{'A', 'B'}, {'C', 'D', 'E', 'F'}}}

	done := adjustPending(ch, 3)
	require.False(t, done)
	require.Len(t, ch.pendingVec, 1)
	assert.Equal(t, 1, ch.pendingOffset)

	patched := patchVector(ch.pendingVec, ch.pendingOffset)
	require.Len(t, patched, 1)
	assert.Equal(t, "DEF", string(patched[0]))

	done = adjustPending(ch, 3)
	assert.True(t, done)
	assert.Empty(t, ch.pendingVec)
}

func TestChannelBackPressure(t *testing.T) {
	ctx := NewContext(Config{})
	defer func() { _ = ctx.Destroy() }()

	a, b, err := ctx.NewPipe(ChannelDefault)
	require.NoError(t, err)
	defer func() { _ = a.Destroy() }()
	defer func() { _ = b.Destroy() }()

	_, werr := unix.Write(b.FD(), []byte("HELLOWORLD"))
	require.NoError(t, werr)

	var calls [][]byte
	consumer := func(buf []byte, ch *Channel, baton any, scratch *Pool) (int, *Error) {
		if buf == nil {
			calls = append(calls, nil)
			return ConsumeStop, nil
		}
		calls = append(calls, append([]byte(nil), buf...))
		if len(calls) == 1 {
			return 5, nil
		}
		return len(buf), nil
	}

	require.NoError(t, a.DesireRead(consumer, nil))
	require.NoError(t, ctx.Run(0))

	require.Len(t, calls, 1)
	assert.Equal(t, "HELLOWORLD", string(calls[0]))
	assert.False(t, a.desireReadFlag)
	require.NotNil(t, a.pendingRead)

	require.NoError(t, a.DesireRead(consumer, nil))
	require.NoError(t, ctx.Run(0))

	require.Len(t, calls, 3)
	assert.Equal(t, "WORLD", string(calls[1]))
	assert.Nil(t, calls[2])
	assert.False(t, a.desireReadFlag)
}

func TestChannelVectoredWriteEndToEnd(t *testing.T) {
	ctx := NewContext(Config{})
	defer func() { _ = ctx.Destroy() }()

	a, b, err := ctx.NewPipe(ChannelDefault)
	require.NoError(t, err)
	defer func() { _ = a.Destroy() }()
	defer func() { _ = b.Destroy() }()

	calls := 0
	producer := func(ch *Channel, baton any, scratch *Pool) ([][]byte, *Error) {
		calls++
		if calls == 1 {
			return [][]byte{[]byte("AB"), []byte("CDEF")}, nil
		}
		return nil, nil
	}

	require.NoError(t, a.DesireWrite(producer, nil))
	require.NoError(t, ctx.Run(0))

	buf := make([]byte, 16)
	n, rerr := unix.Read(b.FD(), buf)
	require.NoError(t, rerr)
	assert.Equal(t, "ABCDEF", string(buf[:n]))
	assert.Equal(t, 2, calls)
	assert.False(t, a.desireWriteFlag)
}

func TestChannelRunReentrancyGuard(t *testing.T) {
	ctx := NewContext(Config{})
	defer func() { _ = ctx.Destroy() }()

	require.NoError(t, ctx.Run(0))

	ctx.engine.running = true
	err := ctx.Run(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrImproperReentry))
	ctx.engine.running = false
}

func TestChannelCloseHalfDuplex(t *testing.T) {
	ctx := NewContext(Config{})
	defer func() { _ = ctx.Destroy() }()

	a, b, err := ctx.NewPipe(ChannelDefault)
	require.NoError(t, err)
	defer func() { _ = a.Destroy() }()
	defer func() { _ = b.Destroy() }()

	require.NoError(t, a.Close(true, false))
	assert.True(t, a.readClosed)
	assert.False(t, a.writeClosed)
}
