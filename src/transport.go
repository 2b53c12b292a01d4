package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Half-duplex transport over an async byte channel.
 *
 * Description:	Producers of frames call send and go merrily on their
 *		way once the bytes are committed to the driver.  The
 *		receive side runs off the driver's RX callback: every
 *		byte is fed to the frame decoder and completed
 *		messages land on a bounded inbound queue for the
 *		protocol loop.
 *
 *		Rules enforced here:
 *
 *		  * The bus must have been silent for the configured
 *		    window before a transmission starts.
 *		  * One outbound frame in flight at a time.
 *		  * A full inbound queue drops the NEW frame (never an
 *		    old one) and logs the overflow; the loss shows up
 *		    upstream as a pending timeout.
 *		  * On full-duplex drivers the echo of our own frame
 *		    comes straight back; anything whose source is the
 *		    master address is discarded here.
 *
 *---------------------------------------------------------------*/

import (
	"sync"
	"time"
)

/*
 * ByteChannel is the driver-side port: a UART, a pseudo terminal, or
 * a test double.  The RX callback may be invoked from any goroutine.
 */

type ByteChannel interface {
	WriteAll(p []byte) error
	SilenceMS() uint16
	SetRxCallback(fn func(b byte))
}

/*
 * Clock is the time port.  YieldTick gives up the thread of control
 * for roughly a millisecond; every cooperative wait in the engine is
 * built on it.
 */

type Clock interface {
	NowMS() uint64
	YieldTick()
}

type wall_clock_t struct {
	epoch time.Time
}

// WallClock returns the real-time Clock used outside tests.
func WallClock() Clock {
	return &wall_clock_t{epoch: time.Now()}
}

func (c *wall_clock_t) NowMS() uint64 {
	return uint64(time.Since(c.epoch) / time.Millisecond)
}

func (c *wall_clock_t) YieldTick() {
	time.Sleep(time.Millisecond)
}

type transport_t struct {
	ch    ByteChannel
	clock Clock
	cfg   *Config

	mu               sync.Mutex /* guards decoder and activity stamp */
	dec              *frame_decoder_t
	last_activity_ms uint64

	inbound chan []byte

	send_mu sync.Mutex /* one outbound frame in flight */

	overflow_count uint64
	echo_count     uint64
}

func transport_new(ch ByteChannel, clock Clock, cfg *Config) *transport_t {
	var t = new(transport_t)
	t.ch = ch
	t.clock = clock
	t.cfg = cfg
	t.dec = frame_decoder_new(cfg.BusSilenceMS)
	t.inbound = make(chan []byte, cfg.InboundQueueLen)
	ch.SetRxCallback(t.rx_byte)
	return t
}

// rx_byte runs on the driver's goroutine.
func (t *transport_t) rx_byte(b byte) {
	var now = t.clock.NowMS()

	t.mu.Lock()
	t.last_activity_ms = now
	var msg = t.dec.rx_byte(b, now)
	t.mu.Unlock()

	if msg == nil {
		return
	}

	if len(msg) > HEADER_LEN && msg[2] == ADDR_MASTER {
		/* Echo of our own transmission on a full-duplex driver. */
		t.echo_count++
		return
	}

	select {
	case t.inbound <- msg:
	default:
		t.overflow_count++
		protocol_log.Warn("inbound queue full, frame dropped", "drops", t.overflow_count)
	}
}

// tick runs the frame decoder watchdog.  Called periodically by the
// protocol loop so an interrupted frame cannot wedge the decoder.
func (t *transport_t) tick(now_ms uint64) {
	t.mu.Lock()
	t.dec.watchdog(now_ms)
	t.mu.Unlock()
}

// silence_ms reports how long the bus has been quiet, taking the
// shorter of our own observation and the driver's, if it has one.
func (t *transport_t) silence_ms(now_ms uint64) uint64 {
	t.mu.Lock()
	var s = now_ms - t.last_activity_ms
	t.mu.Unlock()

	if ds := uint64(t.ch.SilenceMS()); ds < s {
		s = ds
	}
	return s
}

/*-------------------------------------------------------------------
 *
 * Name:        send
 *
 * Purpose:     Transmit one message, honouring the silence window.
 *
 * Inputs:	msg	- Finalized message bytes (with CRC).
 *
 * Returns:	nil once the frame has been written to the driver.
 *		ErrBusContention if another send held the bus too long,
 *		ErrBusNeverSilent if the window never opened.
 *
 *-----------------------------------------------------------------*/

func (t *transport_t) send(msg []byte) error {
	var start = t.clock.NowMS()
	var contention_deadline = start + t.cfg.ContentionLimit*t.cfg.BusSilenceMS

	for !t.send_mu.TryLock() {
		if t.clock.NowMS() > contention_deadline {
			return ErrBusContention
		}
		t.clock.YieldTick()
	}
	defer t.send_mu.Unlock()

	var silence_deadline = t.clock.NowMS() + t.cfg.SilenceWaitLimitMS
	for {
		var now = t.clock.NowMS()
		if t.silence_ms(now) >= t.cfg.BusSilenceMS {
			break
		}
		if now > silence_deadline {
			return ErrBusNeverSilent
		}
		t.clock.YieldTick()
	}

	var wire = frame_encapsulate(msg)
	hex_dump(">>>", wire)

	if err := t.ch.WriteAll(wire); err != nil {
		return err
	}

	t.mu.Lock()
	t.last_activity_ms = t.clock.NowMS()
	t.mu.Unlock()
	return nil
}
