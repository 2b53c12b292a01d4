package lurcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func new_test_engine() (*Engine, *loop_channel_t, *fake_clock_t) {
	var ch = loop_channel_new()
	var clock = fake_clock_new()
	var e = NewEngine(ch, clock, DefaultConfig())
	return e, ch, clock
}

// test_add_node registers a slot directly, bypassing the roll-call
// exchange, so pipeline behaviour can be tested in isolation.
func test_add_node(t *testing.T, e *Engine, addr byte) int {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	var slot, err = e.nodes.add(addr)
	require.NoError(t, err)
	return slot
}

func decode_written(t *testing.T, wire []byte) (header_t, []command_t) {
	t.Helper()
	var msgs = deframe_all(wire)
	require.Len(t, msgs, 1)
	var hdr, payload, err = msg_decode(msgs[0])
	require.NoError(t, err)
	var cmds, cerr = parse_commands(payload)
	require.NoError(t, cerr)
	return hdr, cmds
}

func TestPipelinedGets(t *testing.T) {
	var e, ch, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	require.NoError(t, e.InitNodeMessage(slot))
	require.NoError(t, e.AppendGetRGB(slot, 0))
	require.NoError(t, e.AppendGetBlink(slot))
	require.NoError(t, e.AppendGetReaction(slot))

	var errc = make(chan error, 1)
	go func() { errc <- e.SendNodeNow(slot) }()

	var hdr, cmds = decode_written(t, <-ch.Written)
	assert.Equal(t, byte(0x20), hdr.dst)
	require.Len(t, cmds, 3)
	assert.Equal(t, CMD_GET_RGB_0, cmds[0].cmd)
	assert.Equal(t, CMD_GET_BLINK, cmds[1].cmd)
	assert.Equal(t, CMD_GET_REACTION, cmds[2].cmd)

	e.handle_message(build_response_msg(0x20, 1, []response_t{
		{CMD_GET_RGB_0, RESP_OK, []byte{0xFF, 0x00, 0x00}},
		{CMD_GET_BLINK, RESP_OK, []byte{0xE8, 0x03, 0x00, 0x00}},
		{CMD_GET_REACTION, RESP_OK, []byte{0x2A, 0x01, 0x00, 0x00}},
	}))

	require.NoError(t, <-errc)

	var st, err = e.GetButtonState(slot)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0000FF), st.RGB[0])
	assert.Equal(t, uint32(1000), st.BlinkMS)
	assert.Equal(t, uint32(298), st.ReactionMS)

	e.mu.Lock()
	assert.Zero(t, e.nodes.at(slot).pending.len())
	e.mu.Unlock()
}

func TestOutOfOrderResponseDropped(t *testing.T) {
	var e, ch, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	require.NoError(t, e.InitNodeMessage(slot))
	require.NoError(t, e.AppendGetBlink(slot))
	require.NoError(t, e.AppendGetReaction(slot))

	var errc = make(chan error, 1)
	go func() { errc <- e.SendNodeNow(slot) }()
	<-ch.Written

	// get_reaction arrives first although get_blink is owed: the
	// record is dropped and nothing is cached.
	e.handle_message(build_response_msg(0x20, 1, []response_t{
		{CMD_GET_REACTION, RESP_OK, []byte{0x2A, 0x01, 0x00, 0x00}},
	}))

	var st, _ = e.GetButtonState(slot)
	assert.Zero(t, st.ReactionMS)
	e.mu.Lock()
	assert.Equal(t, 2, e.nodes.at(slot).pending.len())
	e.mu.Unlock()

	// The correct stream still completes the send.
	e.handle_message(build_response_msg(0x20, 2, []response_t{
		{CMD_GET_BLINK, RESP_OK, []byte{0x00, 0x00, 0x00, 0x00}},
		{CMD_GET_REACTION, RESP_OK, []byte{0x2A, 0x01, 0x00, 0x00}},
	}))

	require.NoError(t, <-errc)
	st, _ = e.GetButtonState(slot)
	assert.Equal(t, uint32(298), st.ReactionMS)
}

func TestErrorResponseSurfacesAndLeavesCache(t *testing.T) {
	var e, ch, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	require.NoError(t, e.InitNodeMessage(slot))
	require.NoError(t, e.AppendGetBlink(slot))

	var errc = make(chan error, 1)
	go func() { errc <- e.SendNodeNow(slot) }()
	<-ch.Written

	e.handle_message(build_response_msg(0x20, 1, []response_t{
		{CMD_GET_BLINK, RESP_ERR_RANGE, []byte{0x12, 0x34}},
	}))

	var err = <-errc
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CMD_GET_BLINK, re.Cmd)
	assert.Equal(t, RESP_ERR_RANGE, re.Code)

	var st, _ = e.GetButtonState(slot)
	assert.Zero(t, st.BlinkMS, "an error response must not write the cache")

	// The slot is still registered; only timeouts deregister.
	assert.Equal(t, 1, e.NodeCount())
}

func TestSetSwitchTogglesActive(t *testing.T) {
	var e, ch, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	require.NoError(t, e.InitNodeMessage(slot))
	require.NoError(t, e.AppendSetSwitch(slot, true))

	var errc = make(chan error, 1)
	go func() { errc <- e.SendNodeNow(slot) }()
	<-ch.Written
	e.handle_message(build_response_msg(0x20, 1, []response_t{
		{CMD_SET_SWITCH, RESP_OK, nil},
	}))
	require.NoError(t, <-errc)

	e.mu.Lock()
	assert.True(t, e.nodes.at(slot).active)
	e.mu.Unlock()

	// A non-zero reaction means the button was pressed; the node
	// deactivated itself.
	require.NoError(t, e.InitNodeMessage(slot))
	require.NoError(t, e.AppendGetReaction(slot))
	go func() { errc <- e.SendNodeNow(slot) }()
	<-ch.Written
	e.handle_message(build_response_msg(0x20, 2, []response_t{
		{CMD_GET_REACTION, RESP_OK, put_u32(123)},
	}))
	require.NoError(t, <-errc)

	e.mu.Lock()
	assert.False(t, e.nodes.at(slot).active)
	e.mu.Unlock()
}

func TestNewAddrUpdatesSlot(t *testing.T) {
	var e, ch, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	require.NoError(t, e.InitNodeMessage(slot))
	require.NoError(t, e.AppendSetBlink(slot, 0))
	require.NoError(t, e.AppendNewAddr(slot, 0x55))

	// Nothing may follow new_addr in the same message.
	assert.ErrorIs(t, e.AppendGetBlink(slot), ErrMessageEnded)

	var errc = make(chan error, 1)
	go func() { errc <- e.SendNodeNow(slot) }()
	<-ch.Written
	e.handle_message(build_response_msg(0x20, 1, []response_t{
		{CMD_SET_BLINK, RESP_OK, nil},
		{CMD_NEW_ADDR, RESP_OK, nil},
	}))
	require.NoError(t, <-errc)

	var addr, err = e.NodeAddress(slot)
	require.NoError(t, err)
	assert.Equal(t, byte(0x55), addr)
}

func TestRetriesThenDeregister(t *testing.T) {
	var e, ch, clock = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	require.NoError(t, e.InitNodeMessage(slot))
	require.NoError(t, e.AppendGetBlink(slot))

	var errc = make(chan error, 1)
	go func() { errc <- e.SendNodeNow(slot) }()

	var hdr0, cmds0 = decode_written(t, <-ch.Written)
	var last_id = hdr0.id

	// Three retransmissions of the same commands, each with a
	// fresh sequence id, then the node is dropped.
	for attempt := 1; attempt <= 3; attempt++ {
		clock.advance(60)
		e.mu.Lock()
		e.sweep_timeouts(clock.NowMS())
		e.mu.Unlock()

		var hdr, cmds = decode_written(t, <-ch.Written)
		assert.NotEqual(t, last_id, hdr.id, "attempt %d reuses a sequence id", attempt)
		assert.Equal(t, cmds0, cmds, "attempt %d changed the command set", attempt)
		last_id = hdr.id
	}

	clock.advance(60)
	e.mu.Lock()
	e.sweep_timeouts(clock.NowMS())
	e.mu.Unlock()

	assert.ErrorIs(t, <-errc, ErrNodeUnresponsive)
	assert.Equal(t, 0, e.NodeCount())
	assert.False(t, e.IsSlotValid(slot))
}

func TestDeregisterRenumbersSurvivors(t *testing.T) {
	var e, ch, _ = new_test_engine()
	test_add_node(t, e, 0x20)
	test_add_node(t, e, 0x21)
	test_add_node(t, e, 0x22)

	e.mu.Lock()
	e.deregister_locked(0, ErrNodeUnresponsive)
	e.mu.Unlock()

	assert.Equal(t, 2, e.NodeCount())

	// Both survivors are told their new bitmask index.
	for want := 0; want < 2; want++ {
		var hdr, cmds = decode_written(t, <-ch.Written)
		require.Len(t, cmds, 1)
		assert.Equal(t, CMD_SET_BITMASK_IDX, cmds[0].cmd)
		assert.Equal(t, byte(want), cmds[0].data[0])
		assert.Equal(t, byte(0x21+want), hdr.dst)
	}
}

func TestPipelineDepthLimit(t *testing.T) {
	var e, _, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	require.NoError(t, e.InitNodeMessage(slot))
	for i := 0; i < MAX_PENDING; i++ {
		require.NoError(t, e.AppendGetFlags(slot))
	}
	assert.ErrorIs(t, e.AppendGetFlags(slot), ErrPipelineFull)
}

func TestMultiFrameResponseAccounting(t *testing.T) {
	var e, _, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	require.NoError(t, e.InitNodeMessage(slot))
	// Five u32 gets provoke 5 x 6 = 30 response bytes, which no
	// longer fit one 27-byte reply payload.
	for i := 0; i < 5; i++ {
		require.NoError(t, e.AppendGetBlink(slot))
	}

	e.mu.Lock()
	assert.Equal(t, 2, e.nodes.at(slot).exp_resp_msgs,
		"a long multi-get must expect a second reply frame")
	e.mu.Unlock()
}

func TestAppendValidatesSynchronously(t *testing.T) {
	var e, _, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	assert.ErrorIs(t, e.AppendGetBlink(slot), ErrNoMessage)

	require.NoError(t, e.InitNodeMessage(slot))
	assert.ErrorIs(t, e.AppendSetRGB(slot, 3, 0xFFFFFF), ErrInvalidIndex)
	assert.ErrorIs(t, e.AppendSetDbgLED(slot, 9), ErrInvalidIndex)
	assert.ErrorIs(t, e.AppendSetRGB(99, 0, 0), ErrInvalidSlot)
	assert.ErrorIs(t, e.AppendNewAddr(slot, ADDR_BROADCAST), ErrInvalidAddress)

	// Nothing above may have queued anything.
	e.mu.Lock()
	assert.Zero(t, e.nodes.at(slot).pending.len())
	e.mu.Unlock()

	assert.ErrorIs(t, e.SendNodeNow(slot), ErrNoMessage)
}

func TestUnsolicitedResponsesIgnored(t *testing.T) {
	var e, _, _ = new_test_engine()
	var slot = test_add_node(t, e, 0x20)

	// From an unregistered address.
	e.handle_message(build_response_msg(0x77, 1, []response_t{
		{CMD_GET_BLINK, RESP_OK, put_u32(42)},
	}))

	// From a registered node with nothing pending.
	e.handle_message(build_response_msg(0x20, 2, []response_t{
		{CMD_GET_BLINK, RESP_OK, put_u32(42)},
	}))

	var st, _ = e.GetButtonState(slot)
	assert.Zero(t, st.BlinkMS)
}

func TestBadFramesDroppedLocally(t *testing.T) {
	var e, _, _ = new_test_engine()
	test_add_node(t, e, 0x20)

	var good = build_response_msg(0x20, 1, []response_t{{CMD_GET_BLINK, RESP_OK, put_u32(9)}})
	var bad = append([]byte{}, good...)
	bad[5] ^= 0x01

	e.handle_message(bad)          // CRC mismatch
	e.handle_message(good[:3])     // truncated
	e.handle_message([]byte{1, 2}) // nonsense

	// Still alive and consistent.
	assert.Equal(t, 1, e.NodeCount())
}
