package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Broadcast composition.
 *
 * Description:	A broadcast goes to dst 0xFF and its first command is
 *		always the addressee mask: a 32-bit bitmask over slot
 *		indices saying which registered nodes should act on
 *		the rest of the payload.  Ordinary broadcasts address
 *		the nodes not currently owned by a game.
 *
 *		Only broadcast-eligible set commands may follow the
 *		mask.  Nothing is pipelined: broadcasts provoke no
 *		responses and SendBroadcastNow is fire-and-forget.
 *
 *---------------------------------------------------------------*/

func (e *Engine) InitBroadcast() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var mb = msg_builder_new(ADDR_BROADCAST)
	if err := mb.append_cmd(CMD_BCAST_ADDR_MASK, put_u32(e.nodes.mask_inactive())); err != nil {
		return err
	}
	e.bcast = mb
	return nil
}

func (e *Engine) append_broadcast(cmd CmdID, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bcast == nil {
		return ErrNoMessage
	}
	var entry, ok = cmd_lookup(cmd)
	if !ok {
		return ErrUnknownCommand
	}
	if entry.flags&CF_BROADCAST == 0 {
		return ErrNotBroadcastable
	}
	return e.bcast.append_cmd(cmd, payload)
}

func (e *Engine) SendBroadcastNow() error {
	e.mu.Lock()
	if e.bcast == nil {
		e.mu.Unlock()
		return ErrNoMessage
	}
	if e.bcast.cmds < 2 {
		/* Just the mask; nothing worth the airtime. */
		e.mu.Unlock()
		return ErrNoMessage
	}
	var raw = e.bcast.finalize(e.next_seq())
	e.bcast = nil
	e.mu.Unlock()

	return e.tr.send(raw)
}

/* Typed broadcast append operations. */

func (e *Engine) AppendBroadcastSetRGB(index int, colour uint32) error {
	if index < 0 || index > 2 {
		return ErrInvalidIndex
	}
	return e.append_broadcast(CMD_SET_RGB_0+CmdID(index), put_u24(colour))
}

func (e *Engine) AppendBroadcastSetBlink(ms uint32) error {
	return e.append_broadcast(CMD_SET_BLINK, put_u32(ms))
}

func (e *Engine) AppendBroadcastSetDbgLED(state byte) error {
	if state > DBG_LED_BLINK_500 {
		return ErrInvalidIndex
	}
	return e.append_broadcast(CMD_SET_DBG_LED, []byte{state})
}

func (e *Engine) AppendBroadcastSetTime(ms uint32) error {
	return e.append_broadcast(CMD_SET_TIME, put_u32(ms))
}
