package machinelink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/slm-control/internal/clock"
	"github.com/ehrlich-b/slm-control/internal/errs"
)

func TestFakeRespondAfterDelayedReadiness(t *testing.T) {
	clk := clock.NewMock()
	f := NewFake(clk)
	f.RespondAfter("LaySurface", "LaySurface_Done", 10*time.Millisecond)

	require.NoError(t, f.WriteBool("LaySurface", true))

	ready, err := f.ReadBool("LaySurface_Done")
	require.NoError(t, err)
	assert.False(t, ready, "target must not read ready before the delay elapses")

	clk.Add(10 * time.Millisecond)

	ready, err = f.ReadBool("LaySurface_Done")
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestFakeRespondAfterDisarmsOnFalseWrite(t *testing.T) {
	clk := clock.NewMock()
	f := NewFake(clk)
	f.RespondAfter("LaySurface", "LaySurface_Done", 0)

	require.NoError(t, f.WriteBool("LaySurface", true))
	require.NoError(t, f.WriteBool("LaySurface", false))

	ready, err := f.ReadBool("LaySurface_Done")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestFakeSimulateDisconnectFiresCallbackExactlyOnce(t *testing.T) {
	clk := clock.NewMock()
	f := NewFake(clk)

	calls := 0
	f.OnConnectionLost(func() { calls++ })

	f.SimulateDisconnect()
	f.SimulateDisconnect()
	f.SimulateDisconnect()

	assert.Equal(t, 1, calls, "ConnectionLost must fire exactly once even with repeated disconnect calls")
	assert.False(t, f.Connected())

	_, err := f.ReadBool("anything")
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeDisconnected))

	err = f.WriteInt("anything", 1)
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeDisconnected))
}

func TestFakeIntRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	f := NewFake(clk)

	require.NoError(t, f.WriteInt("StepNo", 7))
	v, err := f.ReadInt("StepNo")
	require.NoError(t, err)
	assert.Equal(t, int32(7), v)
}
