package lurcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollCallWindowArithmetic(t *testing.T) {
	var e, _, _ = new_test_engine()

	// 255 addresses x 2 x 5ms, plus the 255ms backoff spread, plus
	// one more window.
	assert.Equal(t, uint64(255*2*5+255+5), e.roll_call_window_ms())
}

func TestRegisterAllEmptyBus(t *testing.T) {
	var e, ch, _ = new_test_engine()

	// Nobody answers; the fake clock makes the window pass at full
	// speed.
	assert.False(t, e.RegisterAll())
	assert.Equal(t, 0, e.NodeCount())

	// The one transmission is the roll call itself: everyone-mask
	// first, then roll_call in "all" mode.
	var hdr, cmds = decode_written(t, <-ch.Written)
	assert.Equal(t, byte(ADDR_BROADCAST), hdr.dst)
	require.Len(t, cmds, 2)
	assert.Equal(t, CMD_BCAST_ADDR_MASK, cmds[0].cmd)
	assert.Equal(t, uint32(0xFFFFFFFF), get_u32(cmds[0].data))
	assert.Equal(t, CMD_ROLL_CALL, cmds[1].cmd)
	assert.Equal(t, byte(ROLL_CALL_ALL), cmds[1].data[0])
}

func TestRegisterAllDiscoversSimulatedSlaves(t *testing.T) {
	var e, ch, _ = new_test_engine()

	var a = NewSimSlave(0x31)
	var b = NewSimSlave(0x47)
	var stop = start_sim_responder(ch, NewSimBus(a, b))
	defer stop()

	go e.Run()
	defer e.Stop()

	require.True(t, e.RegisterAll())
	assert.Equal(t, 2, e.NodeCount())

	assert.True(t, a.Registered)
	assert.True(t, b.Registered)
	assert.ElementsMatch(t, []int{0, 1}, []int{a.BitmaskIdx, b.BitmaskIdx})

	// Registered addresses are resolvable to dense slots.
	for slot := 0; slot < e.NodeCount(); slot++ {
		require.True(t, e.IsSlotValid(slot))
	}
}

func TestRegisterNewSkipsRegistered(t *testing.T) {
	var e, ch, _ = new_test_engine()

	var a = NewSimSlave(0x31)
	var b = NewSimSlave(0x52)
	b.Mute = true /* not powered yet */
	var stop = start_sim_responder(ch, NewSimBus(a, b))
	defer stop()

	go e.Run()
	defer e.Stop()

	require.True(t, e.RegisterAll())
	require.Equal(t, 1, e.NodeCount())

	// The second button appears late.
	b.Mute = false

	assert.Equal(t, 1, e.RegisterNew())
	assert.Equal(t, 2, e.NodeCount())
	assert.True(t, b.Registered)
	assert.False(t, a.BitmaskIdx == b.BitmaskIdx)
}

func TestRollCallReplyFromRegisteredMeansReset(t *testing.T) {
	var e, _, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x31)

	e.mu.Lock()
	e.roll.active = true
	e.roll.mode = ROLL_CALL_UNREGISTERED
	var handled = e.roll_call_reply(0x31, []response_t{{CMD_ROLL_CALL, RESP_OK, nil}})
	e.mu.Unlock()

	assert.True(t, handled)
	assert.False(t, e.IsSlotValid(slot), "the stale slot must be dropped")
	e.mu.Lock()
	assert.Equal(t, []byte{0x31}, e.roll.heard, "the reset node is re-registered afterwards")
	e.mu.Unlock()
}

func TestRollCallDuplicateRepliesCollapse(t *testing.T) {
	var e, _, _ = new_test_engine()

	e.mu.Lock()
	e.roll.active = true
	e.roll_call_reply(0x31, []response_t{{CMD_ROLL_CALL, RESP_OK, nil}})
	e.roll_call_reply(0x31, []response_t{{CMD_ROLL_CALL, RESP_OK, nil}})
	e.roll_call_reply(0x47, []response_t{{CMD_ROLL_CALL, RESP_OK, nil}})
	assert.Equal(t, []byte{0x31, 0x47}, e.roll.heard)
	e.mu.Unlock()
}

func TestSetThenGetRoundTrip(t *testing.T) {
	var e, ch, _ = new_test_engine()

	var a = NewSimSlave(0x31)
	var stop = start_sim_responder(ch, NewSimBus(a))
	defer stop()

	go e.Run()
	defer e.Stop()

	require.True(t, e.RegisterAll())

	const colour = uint32(0x123456)
	require.NoError(t, e.InitNodeMessage(0))
	require.NoError(t, e.AppendSetRGB(0, 1, colour))
	require.NoError(t, e.AppendGetRGB(0, 1))
	require.NoError(t, e.SendNodeNow(0))

	var st, err = e.GetButtonState(0)
	require.NoError(t, err)
	assert.Equal(t, colour, st.RGB[1])

	// set_blink 0 is idempotent.
	for i := 0; i < 2; i++ {
		require.NoError(t, e.InitNodeMessage(0))
		require.NoError(t, e.AppendSetBlink(0, 0))
		require.NoError(t, e.AppendGetBlink(0))
		require.NoError(t, e.SendNodeNow(0))

		st, _ = e.GetButtonState(0)
		assert.Zero(t, st.BlinkMS)
	}
}
