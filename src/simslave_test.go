package lurcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sim_master_msg(t *testing.T, dst byte, cmds []command_t) []byte {
	t.Helper()
	var mb = msg_builder_new(dst)
	for _, c := range cmds {
		require.NoError(t, mb.append_cmd(c.cmd, c.data))
	}
	return mb.finalize(1)
}

func TestSimSlaveRepliesFIFO(t *testing.T) {
	var sl = NewSimSlave(0x31)
	sl.State.BlinkMS = 250

	var replies = sl.HandleMessage(sim_master_msg(t, 0x31, []command_t{
		{CMD_SET_RGB_0, []byte{0x11, 0x22, 0x33}},
		{CMD_GET_BLINK, nil},
		{CMD_GET_RGB_0, nil},
	}))

	require.Len(t, replies, 1)
	var _, payload, err = msg_decode(replies[0])
	require.NoError(t, err)
	var resps, rerr = parse_responses(payload)
	require.NoError(t, rerr)
	require.Len(t, resps, 3)

	assert.Equal(t, CMD_SET_RGB_0, resps[0].cmd)
	assert.Equal(t, CMD_GET_BLINK, resps[1].cmd)
	assert.Equal(t, uint32(250), get_u32(resps[1].data))
	assert.Equal(t, uint32(0x332211), get_u24(resps[2].data))
}

func TestSimSlaveSplitsLongReplies(t *testing.T) {
	var sl = NewSimSlave(0x31)

	// Six u32 gets provoke 36 bytes of response records; they must
	// arrive split across two frames, order preserved.
	var cmds []command_t
	for i := 0; i < 6; i++ {
		cmds = append(cmds, command_t{CMD_GET_TIME, nil})
	}

	var replies = sl.HandleMessage(sim_master_msg(t, 0x31, cmds))
	require.Len(t, replies, 2)
	for _, r := range replies {
		assert.LessOrEqual(t, len(r), MAX_FRAME_LEN)
		var _, payload, err = msg_decode(r)
		require.NoError(t, err)
		var resps, rerr = parse_responses(payload)
		require.NoError(t, rerr)
		assert.NotEmpty(t, resps)
	}
}

func TestSimSlaveIgnoresOtherTraffic(t *testing.T) {
	var sl = NewSimSlave(0x31)

	assert.Empty(t, sl.HandleMessage(sim_master_msg(t, 0x47, []command_t{
		{CMD_GET_FLAGS, nil},
	})))

	// A broadcast whose mask does not name this (registered) node.
	sl.Registered = true
	sl.BitmaskIdx = 3
	assert.Empty(t, sl.HandleMessage(sim_master_msg(t, ADDR_BROADCAST, []command_t{
		{CMD_BCAST_ADDR_MASK, put_u32(0b0001)},
		{CMD_SET_BLINK, put_u32(100)},
	})))
	assert.Zero(t, sl.State.BlinkMS)

	// With its bit set the command lands, silently.
	assert.Empty(t, sl.HandleMessage(sim_master_msg(t, ADDR_BROADCAST, []command_t{
		{CMD_BCAST_ADDR_MASK, put_u32(0b1000)},
		{CMD_SET_BLINK, put_u32(100)},
	})))
	assert.Equal(t, uint32(100), sl.State.BlinkMS)
}

func TestSimSlaveFaultInjection(t *testing.T) {
	var sl = NewSimSlave(0x31)
	sl.FailCmd = CMD_SET_DBG_LED
	sl.FailCode = RESP_ERR_REJECT

	var replies = sl.HandleMessage(sim_master_msg(t, 0x31, []command_t{
		{CMD_SET_DBG_LED, []byte{DBG_LED_ON}},
	}))

	require.Len(t, replies, 1)
	var _, payload, _ = msg_decode(replies[0])
	var resps, _ = parse_responses(payload)
	require.Len(t, resps, 1)
	assert.Equal(t, RESP_ERR_REJECT, resps[0].code)
	assert.Len(t, resps[0].data, 1)
}

func TestSimSlaveMute(t *testing.T) {
	var sl = NewSimSlave(0x31)
	sl.Mute = true

	assert.Empty(t, sl.HandleMessage(sim_master_msg(t, 0x31, []command_t{
		{CMD_GET_FLAGS, nil},
	})))
}
