package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Per-node command pipelining.
 *
 * Description:	Commands are appended into a node's outbound message
 *		and, at the same moment, onto the node's pending FIFO.
 *		A node answers strictly in order, so the head of the
 *		FIFO always names the command whose response must
 *		arrive next.  SendNodeNow transmits the message and
 *		cooperatively waits until the FIFO drains or the
 *		expiry sweep gives up.
 *
 *		The append path tracks how many response bytes the
 *		message will provoke; a long run of gets can need more
 *		than one reply frame and the expiry must cover all of
 *		them.
 *
 *		Timeouts retransmit the still-pending commands as a
 *		fresh message (fresh sequence id) up to MaxRetries
 *		times, then deregister the node.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"math"
)

/*
 * One destination field per gettable command.  The data has already
 * been length-checked against the catalogue.
 */

var field_writers = map[CmdID]func(*ButtonState, []byte){
	CMD_GET_RGB_0:    func(b *ButtonState, d []byte) { b.RGB[0] = get_u24(d) },
	CMD_GET_RGB_1:    func(b *ButtonState, d []byte) { b.RGB[1] = get_u24(d) },
	CMD_GET_RGB_2:    func(b *ButtonState, d []byte) { b.RGB[2] = get_u24(d) },
	CMD_GET_BLINK:    func(b *ButtonState, d []byte) { b.BlinkMS = get_u32(d) },
	CMD_GET_REACTION: func(b *ButtonState, d []byte) { b.ReactionMS = get_u32(d) },
	CMD_GET_FLAGS:    func(b *ButtonState, d []byte) { b.Flags = d[0] },
	CMD_GET_DBG_LED:  func(b *ButtonState, d []byte) { b.DbgLED = d[0] },
	CMD_GET_TIME:     func(b *ButtonState, d []byte) { b.TimeMS = get_u32(d) },
	CMD_GET_SYNC:     func(b *ButtonState, d []byte) { b.Correction = math.Float32frombits(get_u32(d)) },
	CMD_GET_VERSION:  func(b *ButtonState, d []byte) { b.Version = get_u16(d) },
}

/* Space for response records in a single reply frame. */

const RESP_CAPACITY = MAX_PAYLOAD_LEN

/*-------------------------------------------------------------------
 *
 * Name:        InitNodeMessage
 *
 * Purpose:     Start building a directed message to one node.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) InitNodeMessage(slot int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s = e.nodes.at(slot)
	if s == nil {
		return ErrInvalidSlot
	}
	e.init_node_message_locked(s)
	return nil
}

func (e *Engine) init_node_message_locked(s *node_slot_t) {
	s.outbound = msg_builder_new(s.address)
	s.outbound_pending = 0
	s.exp_resp_bytes = 0
	s.exp_resp_msgs = 1
}

/*-------------------------------------------------------------------
 *
 * Name:        append_node_cmd
 *
 * Purpose:     Append one command record and its pending entry.
 *
 * Inputs:	slot	- Registered slot index.
 *		cmd	- Catalogue command.
 *		payload	- MOSI bytes; copied, caller may reuse.
 *
 * Errors:	Capacity and protocol errors surface here and leave
 *		the slot untouched.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) append_node_cmd(slot int, cmd CmdID, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var s = e.nodes.at(slot)
	if s == nil {
		return ErrInvalidSlot
	}
	return e.append_node_cmd_locked(s, cmd, payload)
}

func (e *Engine) append_node_cmd_locked(s *node_slot_t, cmd CmdID, payload []byte) error {
	if s.outbound == nil {
		return ErrNoMessage
	}
	if s.pending.len() >= MAX_PENDING {
		return ErrPipelineFull
	}

	if err := s.outbound.append_cmd(cmd, payload); err != nil {
		return err
	}

	var mosi = make([]byte, len(payload))
	copy(mosi, payload)
	s.pending.push(pending_cmd_t{cmd, mosi})
	s.outbound_pending++

	/* A long multi-get reply may arrive in several frames. */
	var entry, _ = cmd_lookup(cmd)
	var rec = 2 + entry.miso
	if s.exp_resp_bytes+rec > RESP_CAPACITY {
		s.exp_resp_msgs++
		s.exp_resp_bytes = rec
	} else {
		s.exp_resp_bytes += rec
	}
	return nil
}

/*-------------------------------------------------------------------
 *
 * Name:        SendNodeNow
 *
 * Purpose:     Transmit the message under construction and wait for
 *		every response, cooperatively.
 *
 * Returns:	nil when all responses arrived ok.  The first non-ok
 *		response code as a *ResponseError.  ErrNodeUnresponsive
 *		when retries were exhausted (the slot is gone).
 *
 *-----------------------------------------------------------------*/

func (e *Engine) SendNodeNow(slot int) error {
	e.mu.Lock()
	var s = e.nodes.at(slot)
	if s == nil {
		e.mu.Unlock()
		return ErrInvalidSlot
	}

	var waiter = make(chan error, 1)
	var err = e.flush_outbound_locked(s, waiter)
	e.mu.Unlock()

	if err != nil {
		return err
	}
	return <-waiter
}

// flush_outbound_locked finalizes the outbound message, transmits it
// and arms the expiry.  On a transport failure the message never hit
// the wire, so its pending entries are rolled back.
func (e *Engine) flush_outbound_locked(s *node_slot_t, waiter chan error) error {
	if s.outbound == nil || s.outbound.cmds == 0 {
		return ErrNoMessage
	}

	var raw = s.outbound.finalize(e.next_seq())
	if err := e.tr.send(raw); err != nil {
		s.pending.drop_tail(s.outbound_pending)
		s.outbound = nil
		s.outbound_pending = 0
		return err
	}

	s.expiry_ms = e.clock.NowMS() + uint64(s.exp_resp_msgs)*e.cfg.FrameTimeoutMS
	s.first_err = nil
	s.waiter = waiter
	s.outbound = nil
	s.outbound_pending = 0
	return nil
}

/*-------------------------------------------------------------------
 *
 * Name:        match_response
 *
 * Purpose:     Match one decoded response record against the node's
 *		pending FIFO.  Engine lock held.
 *
 * Description:	The node replies strictly in order.  A mismatched
 *		command means a reply was lost or duplicated; the
 *		record is dropped and nothing in the cache is written.
 *		Non-ok codes drop the pending head without a cache
 *		update and are surfaced when SendNodeNow completes.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) match_response(slot int, s *node_slot_t, r response_t) {
	var head = s.pending.peek()
	if head == nil {
		node_log.Debug("unsolicited response", "addr", s.address, "cmd", r.cmd)
		return
	}
	if head.cmd != r.cmd {
		node_log.Warn("out-of-order response", "addr", s.address,
			"want", head.cmd, "got", r.cmd)
		return
	}

	if r.code != RESP_OK {
		node_log.Warn("error response", "addr", s.address, "cmd", r.cmd, "code", r.code)
		if s.first_err == nil {
			var data = make([]byte, len(r.data))
			copy(data, r.data)
			s.first_err = &ResponseError{Addr: s.address, Cmd: r.cmd, Code: r.code, Data: data}
		}
	} else {
		if w, ok := field_writers[r.cmd]; ok && len(r.data) > 0 {
			w(&s.state, r.data)
			s.last_update_ms = e.clock.NowMS()
			e.events.write("state", slot, s.address, fmt.Sprintf("%s ok", r.cmd))
		}

		switch head.cmd {
		case CMD_SET_SWITCH:
			/* The node's reaction timer now matches the request. */
			s.active = head.mosi[0] != 0
		case CMD_GET_REACTION:
			/* A non-zero reaction on an owned node means the
			   button was pressed and the node deactivated
			   itself. */
			if s.active && get_u32(r.data) != 0 {
				s.active = false
			}
		case CMD_NEW_ADDR:
			/* The node answers at its new address from here on. */
			node_log.Info("node readdressed", "old", s.address, "new", head.mosi[0])
			s.address = head.mosi[0]
		}
	}

	s.pending.pop()
	if s.pending.len() == 0 {
		s.retries = 0
		s.expiry_ms = 0
		e.complete_locked(s, s.first_err)
		s.first_err = nil
	}
}

func (e *Engine) complete_locked(s *node_slot_t, err error) {
	if s.waiter != nil {
		s.waiter <- err
		s.waiter = nil
	}
}

/*-------------------------------------------------------------------
 *
 * Name:        sweep_timeouts
 *
 * Purpose:     Retry or deregister every slot whose expiry passed.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) sweep_timeouts(now_ms uint64) {
	for i := 0; i < e.nodes.count(); {
		var s = e.nodes.slots[i]
		if s.pending.len() == 0 || s.expiry_ms == 0 || now_ms < s.expiry_ms {
			i++
			continue
		}

		if s.retries < e.cfg.MaxRetries {
			e.retransmit_locked(s, now_ms)
			i++
		} else {
			node_log.Warn("retries exhausted", "addr", s.address, "slot", i)
			e.deregister_locked(i, ErrNodeUnresponsive)
			/* The table compacted; the same index is the next slot. */
		}
	}
}

// retransmit_locked rebuilds a message from the still-pending commands
// in their original order and sends it with a fresh sequence id.
func (e *Engine) retransmit_locked(s *node_slot_t, now_ms uint64) {
	var still = s.pending.snapshot()
	var mb = msg_builder_new(s.address)
	for _, p := range still {
		mb.append_cmd(p.cmd, p.mosi) /* they fitted before, they fit now */
	}

	s.retries++
	node_log.Info("retransmit", "addr", s.address, "attempt", s.retries, "cmds", len(still))

	var raw = mb.finalize(e.next_seq())
	if err := e.tr.send(raw); err != nil {
		protocol_log.Warn("retransmit send failed", "addr", s.address, "err", err)
	}

	s.expiry_ms = now_ms + uint64(expected_msgs(still))*e.cfg.FrameTimeoutMS
}

// expected_msgs sizes the reply stream for a set of commands: how many
// frames the node needs to answer all of them.
func expected_msgs(cmds []pending_cmd_t) int {
	var msgs = 1
	var bytes = 0
	for _, p := range cmds {
		var entry, _ = cmd_lookup(p.cmd)
		var rec = 2 + entry.miso
		if bytes+rec > RESP_CAPACITY {
			msgs++
			bytes = rec
		} else {
			bytes += rec
		}
	}
	return msgs
}

/*-------------------------------------------------------------------
 *
 * Name:        deregister_locked
 *
 * Purpose:     Drop a slot, release its waiter, keep indices dense.
 *
 * Description:	Slots above the removed one shift down, which moves
 *		their position in the broadcast addressee mask.  Each
 *		shifted node is told its new bitmask index best-effort;
 *		a node that misses the update will be caught by its own
 *		pending timeout later.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) deregister_locked(slot int, cause error) {
	var removed, shifted = e.nodes.remove(slot)
	if removed == nil {
		return
	}

	node_log.Info("deregistered", "addr", removed.address, "slot", slot, "cause", cause)
	e.events.write("deregistered", slot, removed.address, fmt.Sprint(cause))
	e.complete_locked(removed, cause)

	for k, s2 := range shifted {
		var idx = slot + k
		e.init_node_message_locked(s2)
		if err := e.append_node_cmd_locked(s2, CMD_SET_BITMASK_IDX, []byte{byte(idx)}); err != nil {
			node_log.Warn("renumber append failed", "addr", s2.address, "err", err)
			continue
		}
		if err := e.flush_outbound_locked(s2, nil); err != nil {
			node_log.Warn("renumber send failed", "addr", s2.address, "err", err)
		}
	}
}

/* Typed append operations for the console and games. */

func (e *Engine) AppendSetRGB(slot int, index int, colour uint32) error {
	if index < 0 || index > 2 {
		return fmt.Errorf("%w: rgb %d", ErrInvalidIndex, index)
	}
	return e.append_node_cmd(slot, CMD_SET_RGB_0+CmdID(index), put_u24(colour))
}

func (e *Engine) AppendSetBlink(slot int, ms uint32) error {
	return e.append_node_cmd(slot, CMD_SET_BLINK, put_u32(ms))
}

func (e *Engine) AppendSetSwitch(slot int, on bool) error {
	var b byte
	if on {
		b = 1
	}
	return e.append_node_cmd(slot, CMD_SET_SWITCH, []byte{b})
}

func (e *Engine) AppendSetDbgLED(slot int, state byte) error {
	if state > DBG_LED_BLINK_500 {
		return fmt.Errorf("%w: dbg led state %d", ErrInvalidIndex, state)
	}
	return e.append_node_cmd(slot, CMD_SET_DBG_LED, []byte{state})
}

func (e *Engine) AppendSetTime(slot int, ms uint32) error {
	return e.append_node_cmd(slot, CMD_SET_TIME, put_u32(ms))
}

func (e *Engine) AppendNewAddr(slot int, addr byte) error {
	if addr == ADDR_MASTER || addr == ADDR_BROADCAST {
		return fmt.Errorf("%w: %02X", ErrInvalidAddress, addr)
	}
	return e.append_node_cmd(slot, CMD_NEW_ADDR, []byte{addr})
}

func (e *Engine) AppendGetRGB(slot int, index int) error {
	if index < 0 || index > 2 {
		return fmt.Errorf("%w: rgb %d", ErrInvalidIndex, index)
	}
	return e.append_node_cmd(slot, CMD_GET_RGB_0+CmdID(index), nil)
}

func (e *Engine) AppendGetBlink(slot int) error    { return e.append_node_cmd(slot, CMD_GET_BLINK, nil) }
func (e *Engine) AppendGetReaction(slot int) error { return e.append_node_cmd(slot, CMD_GET_REACTION, nil) }
func (e *Engine) AppendGetFlags(slot int) error    { return e.append_node_cmd(slot, CMD_GET_FLAGS, nil) }
func (e *Engine) AppendGetDbgLED(slot int) error   { return e.append_node_cmd(slot, CMD_GET_DBG_LED, nil) }
func (e *Engine) AppendGetTime(slot int) error     { return e.append_node_cmd(slot, CMD_GET_TIME, nil) }
func (e *Engine) AppendGetSync(slot int) error     { return e.append_node_cmd(slot, CMD_GET_SYNC, nil) }
func (e *Engine) AppendGetVersion(slot int) error  { return e.append_node_cmd(slot, CMD_GET_VERSION, nil) }
