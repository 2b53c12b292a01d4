package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	The protocol engine: one value owning the whole
 *		master side of the button bus.
 *
 * Description:	A single protocol loop owns the transport, the frame
 *		decoder, the codec and the node registry.  External
 *		callers (console, games) interact through methods that
 *		either return immediately (append, broadcast) or
 *		cooperatively wait (SendNodeNow, RegisterAll) while
 *		the loop keeps draining the inbound queue.
 *
 *		Scheduling is cooperative: every wait is a loop of
 *		"check condition, yield one tick".  Nothing here
 *		requires more than the loop goroutine plus whatever
 *		goroutine the byte driver delivers RX callbacks on.
 *
 *---------------------------------------------------------------*/

import (
	"sync"
	"time"
)

type Engine struct {
	mu    sync.Mutex
	cfg   *Config
	clock Clock
	tr    *transport_t

	nodes node_table_t
	bcast *msg_builder_t
	seq   byte

	roll struct {
		active bool
		mode   byte
		heard  []byte
	}

	tsync struct {
		busy     bool
		start_ms uint64
	}

	events *event_log_t

	quit      chan struct{}
	loop_done chan struct{}
}

func NewEngine(ch ByteChannel, clock Clock, cfg *Config) *Engine {
	var e = new(Engine)
	e.cfg = cfg
	e.clock = clock
	e.tr = transport_new(ch, clock, cfg)
	e.quit = make(chan struct{})
	e.loop_done = make(chan struct{})

	SetDumpTimestampFormat(cfg.DumpTimestampFormat)
	if cfg.EventLogPath != "" {
		e.events = event_log_new(cfg.EventLogPath, cfg.DailyNames)
	}

	return e
}

/*-------------------------------------------------------------------
 *
 * Name:        Run
 *
 * Purpose:     The protocol loop.  Start it on its own goroutine
 *		before using any operation that waits for responses.
 *
 * Description:	Drains decoded messages from the transport, runs the
 *		frame decoder watchdog and the per-node expiry sweep
 *		once a tick, and exits when Stop is called.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) Run() {
	defer close(e.loop_done)

	var tick = time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case raw := <-e.tr.inbound:
			e.handle_message(raw)

		case <-tick.C:
			var now = e.clock.NowMS()
			e.tr.tick(now)
			e.mu.Lock()
			e.sweep_timeouts(now)
			e.mu.Unlock()

		case <-e.quit:
			return
		}
	}
}

func (e *Engine) Stop() {
	close(e.quit)
	<-e.loop_done
	if e.events != nil {
		e.events.close()
	}
}

func (e *Engine) next_seq() byte {
	e.seq++ /* every transmission attempt, retries included */
	return e.seq
}

/* Registry views for the console and games. */

func (e *Engine) NodeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodes.count()
}

func (e *Engine) IsSlotValid(slot int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodes.valid(slot)
}

func (e *Engine) GetButtonState(slot int) (ButtonState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s = e.nodes.at(slot)
	if s == nil {
		return ButtonState{}, ErrInvalidSlot
	}
	return s.state, nil
}

func (e *Engine) NodeAddress(slot int) (byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s = e.nodes.at(slot)
	if s == nil {
		return 0, ErrInvalidSlot
	}
	return s.address, nil
}

/*-------------------------------------------------------------------
 *
 * Name:        handle_message
 *
 * Purpose:     Dispatch one decoded inbound message.
 *
 * Inputs:	raw	- Unescaped message bytes from the deframer.
 *
 * Description:	Integrity failures are recovered locally: the frame
 *		is dropped and traced.  Valid responses are matched
 *		against the source node's pending queue in FIFO
 *		order; roll-call replies go to the collector instead.
 *
 *-----------------------------------------------------------------*/

func (e *Engine) handle_message(raw []byte) {
	hex_dump("<<<", raw)

	var hdr, payload, err = msg_decode(raw)
	if err != nil {
		protocol_log.Debug("dropping bad frame", "err", err, "len", len(raw))
		return
	}
	if hdr.dst != ADDR_MASTER {
		/* Somebody else's traffic on the bus. */
		return
	}

	var resps, perr = parse_responses(payload)
	if perr != nil {
		protocol_log.Debug("response payload error", "src", hdr.src, "err", perr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.roll.active && e.roll_call_reply(hdr.src, resps) {
		return
	}

	var slot, s = e.nodes.by_address(hdr.src)
	if s == nil {
		node_log.Debug("unsolicited message", "src", hdr.src)
		return
	}

	for _, r := range resps {
		e.match_response(slot, s, r)
	}
}
