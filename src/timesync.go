package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Time-synchronisation handshake.
 *
 * Description:	Three steps: reset, start, stop.  Between start and
 *		stop the master runs a stopwatch; the stop payload is
 *		the elapsed master milliseconds, from which the node
 *		computes a correction factor for its own clock.  A
 *		later get_sync retrieves that factor as a 32-bit
 *		float.  Reset returns the factor to 1.0.
 *
 *		Only one sync sequence may run at a time, whether
 *		directed or broadcast.
 *
 *---------------------------------------------------------------*/

func (e *Engine) IsTimeSyncBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tsync.busy
}

// sync_send sends one directed set_sync and waits for the reply.
func (e *Engine) sync_send(slot int, value uint32) error {
	e.mu.Lock()
	var s = e.nodes.at(slot)
	if s == nil {
		e.mu.Unlock()
		return ErrInvalidSlot
	}

	e.init_node_message_locked(s)
	if err := e.append_node_cmd_locked(s, CMD_SET_SYNC, put_u32(value)); err != nil {
		e.mu.Unlock()
		return err
	}

	var waiter = make(chan error, 1)
	var err = e.flush_outbound_locked(s, waiter)
	e.mu.Unlock()

	if err != nil {
		return err
	}
	return <-waiter
}

// sync_broadcast sends one set_sync to every inactive node,
// fire-and-forget.
func (e *Engine) sync_broadcast(value uint32) error {
	if err := e.InitBroadcast(); err != nil {
		return err
	}
	if err := e.append_broadcast(CMD_SET_SYNC, put_u32(value)); err != nil {
		return err
	}
	return e.SendBroadcastNow()
}

func (e *Engine) SyncReset(slot int) error {
	var err = e.sync_send(slot, SYNC_RESET)
	e.sync_clear()
	return err
}

func (e *Engine) SyncStart(slot int) error {
	e.mu.Lock()
	if e.tsync.busy {
		e.mu.Unlock()
		return ErrSyncBusy
	}
	e.mu.Unlock()

	if err := e.sync_send(slot, SYNC_START); err != nil {
		return err
	}

	e.mu.Lock()
	e.tsync.busy = true
	e.tsync.start_ms = e.clock.NowMS()
	e.mu.Unlock()
	return nil
}

func (e *Engine) SyncEnd(slot int) error {
	e.mu.Lock()
	if !e.tsync.busy {
		e.mu.Unlock()
		return ErrSyncNotRunning
	}
	var elapsed = e.clock.NowMS() - e.tsync.start_ms
	if elapsed > SYNC_ELAPSED_MAX {
		elapsed = SYNC_ELAPSED_MAX
	}
	e.tsync.busy = false
	e.mu.Unlock()

	return e.sync_send(slot, uint32(elapsed))
}

func (e *Engine) SyncResetBroadcast() error {
	var err = e.sync_broadcast(SYNC_RESET)
	e.sync_clear()
	return err
}

func (e *Engine) SyncStartBroadcast() error {
	e.mu.Lock()
	if e.tsync.busy {
		e.mu.Unlock()
		return ErrSyncBusy
	}
	e.mu.Unlock()

	if err := e.sync_broadcast(SYNC_START); err != nil {
		return err
	}

	e.mu.Lock()
	e.tsync.busy = true
	e.tsync.start_ms = e.clock.NowMS()
	e.mu.Unlock()
	return nil
}

func (e *Engine) SyncEndBroadcast() error {
	e.mu.Lock()
	if !e.tsync.busy {
		e.mu.Unlock()
		return ErrSyncNotRunning
	}
	var elapsed = e.clock.NowMS() - e.tsync.start_ms
	if elapsed > SYNC_ELAPSED_MAX {
		elapsed = SYNC_ELAPSED_MAX
	}
	e.tsync.busy = false
	e.mu.Unlock()

	return e.sync_broadcast(uint32(elapsed))
}

func (e *Engine) sync_clear() {
	e.mu.Lock()
	e.tsync.busy = false
	e.mu.Unlock()
}

/*-------------------------------------------------------------------
 *
 * Name:        SyncCorrection
 *
 * Purpose:     Retrieve the node's computed correction factor.
 *
 * Description:	Convenience around get_sync: sends the query and
 *		returns the freshly cached factor.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) SyncCorrection(slot int) (float32, error) {
	if err := e.InitNodeMessage(slot); err != nil {
		return 0, err
	}
	if err := e.AppendGetSync(slot); err != nil {
		return 0, err
	}
	if err := e.SendNodeNow(slot); err != nil {
		return 0, err
	}

	var st, err = e.GetButtonState(slot)
	if err != nil {
		return 0, err
	}
	return st.Correction, nil
}
