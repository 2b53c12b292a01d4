package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Discovery and registration.
 *
 * Description:	The master broadcasts a roll_call and every addressed
 *		node answers, each after its own address-derived
 *		backoff so replies rarely collide.  The reception
 *		window is sized for the worst case: every possible
 *		address replying in turn.
 *
 *		Addresses heard during the window are then registered
 *		one at a time: allocate the first free slot, tell the
 *		node its bitmask index, and keep the slot only if the
 *		node confirms.
 *
 *---------------------------------------------------------------*/

/*-------------------------------------------------------------------
 *
 * Name:        RegisterAll
 *
 * Purpose:     Full discovery from scratch.
 *
 * Description:	Clears the registry, roll-calls every node on the
 *		bus, and registers whoever answered.
 *
 * Returns:	true when at least one node ended up registered.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) RegisterAll() bool {
	return e.roll_call_run(ROLL_CALL_ALL) > 0
}

/*-------------------------------------------------------------------
 *
 * Name:        RegisterNew
 *
 * Purpose:     Incremental discovery.
 *
 * Description:	Roll-calls only nodes that consider themselves
 *		unregistered, keeping the existing registry.  A reply
 *		from an address that is already registered means that
 *		node has reset; its stale slot is dropped first.
 *
 * Returns:	The number of newly registered nodes.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) RegisterNew() int {
	return e.roll_call_run(ROLL_CALL_UNREGISTERED)
}

// roll_call_window_ms is an upper bound on the collective reply time:
// every address gets two silence windows, plus its backoff, plus one
// more window for the stragglers.
func (e *Engine) roll_call_window_ms() uint64 {
	return uint64(ADDR_BROADCAST)*2*e.cfg.BusSilenceMS + 0xFF + e.cfg.BusSilenceMS
}

func (e *Engine) roll_call_run(mode byte) int {
	e.mu.Lock()
	if e.roll.active {
		e.mu.Unlock()
		node_log.Warn("roll call already in progress")
		return 0
	}
	if mode == ROLL_CALL_ALL {
		for e.nodes.count() > 0 {
			e.deregister_silent_locked(0)
		}
	}
	e.roll.active = true
	e.roll.mode = mode
	e.roll.heard = nil

	/* Everyone is addressed, registered or not. */
	var mb = msg_builder_new(ADDR_BROADCAST)
	mb.append_cmd(CMD_BCAST_ADDR_MASK, put_u32(0xFFFFFFFF))
	mb.append_cmd(CMD_ROLL_CALL, []byte{mode})
	var raw = mb.finalize(e.next_seq())
	e.mu.Unlock()

	if err := e.tr.send(raw); err != nil {
		protocol_log.Warn("roll call send failed", "err", err)
		e.mu.Lock()
		e.roll.active = false
		e.mu.Unlock()
		return 0
	}

	var deadline = e.clock.NowMS() + e.roll_call_window_ms()
	for e.clock.NowMS() < deadline {
		e.clock.YieldTick()
	}

	e.mu.Lock()
	e.roll.active = false
	var heard = e.roll.heard
	e.roll.heard = nil
	e.mu.Unlock()

	node_log.Info("roll call complete", "mode", mode, "heard", len(heard))

	var registered = 0
	for _, addr := range heard {
		if err := e.register_address(addr); err != nil {
			node_log.Warn("registration failed", "addr", addr, "err", err)
			continue
		}
		registered++
	}
	return registered
}

// roll_call_reply absorbs an inbound message into the roll-call
// collector.  Engine lock held.  Returns false when the message is
// not a roll-call reply and should be matched normally.
func (e *Engine) roll_call_reply(src byte, resps []response_t) bool {
	var is_reply = false
	for _, r := range resps {
		if r.cmd == CMD_ROLL_CALL {
			is_reply = true
			break
		}
	}
	if !is_reply {
		return false
	}

	if slot, s := e.nodes.by_address(src); s != nil {
		/* Only possible in unregistered-only mode: the node reset
		   and forgot its registration.  Drop the stale slot. */
		node_log.Info("registered node answered roll call, dropping stale slot",
			"addr", src, "slot", slot)
		e.deregister_locked(slot, ErrNodeUnresponsive)
	}

	for _, a := range e.roll.heard {
		if a == src {
			return true
		}
	}
	e.roll.heard = append(e.roll.heard, src)
	node_log.Debug("roll call reply", "addr", src)
	return true
}

/*-------------------------------------------------------------------
 *
 * Name:        register_address
 *
 * Purpose:     Allocate a slot and hand the node its bitmask index.
 *
 * Description:	Registration is the synchronous send of a single
 *		set_bitmask_index.  No confirmation within the retry
 *		budget means no slot.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) register_address(addr byte) error {
	e.mu.Lock()
	var slot, err = e.nodes.add(addr)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	var s = e.nodes.at(slot)

	e.init_node_message_locked(s)
	if err := e.append_node_cmd_locked(s, CMD_SET_BITMASK_IDX, []byte{byte(slot)}); err != nil {
		e.nodes.remove(slot)
		e.mu.Unlock()
		return err
	}

	var waiter = make(chan error, 1)
	err = e.flush_outbound_locked(s, waiter)
	if err != nil {
		e.nodes.remove(slot)
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	if err := <-waiter; err != nil {
		/* Retry exhaustion already removed the slot; an error
		   response leaves it behind, so check before removing. */
		e.mu.Lock()
		if i, s2 := e.nodes.by_address(addr); s2 == s {
			e.deregister_silent_locked(i)
		}
		e.mu.Unlock()
		return err
	}

	node_log.Info("registered", "addr", addr, "slot", slot)
	e.events.write("registered", slot, addr, "")
	return nil
}

// deregister_silent_locked removes a slot without renumbering the
// survivors.  Used when the whole table is being rebuilt or when the
// slot being dropped is the newest one.
func (e *Engine) deregister_silent_locked(slot int) {
	var removed, _ = e.nodes.remove(slot)
	if removed != nil {
		e.complete_locked(removed, ErrNodeUnresponsive)
	}
}
