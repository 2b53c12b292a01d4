package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Frame encapsulation and the receive decoder state machine.
 *
 * Description: A frame on the wire is
 *
 *			* STX
 *			* Contents - with escape sequences so an STX,
 *			  DLE or ETX byte in the data is not taken as
 *			  a delimiter.
 *			* ETX
 *
 *		Escaping replaces the offending byte with DLE followed
 *		by the byte XOR DLE.  The decoder runs one byte at a
 *		time so it can sit directly behind a serial RX callback.
 *
 *		A bus-silence watchdog forces the decoder back to the
 *		listening state when a frame is cut off mid-air; the
 *		half-finished contents are discarded.
 *
 *---------------------------------------------------------------*/

import (
	"bytes"
)

/*-------------------------------------------------------------------
 *
 * Name:        frame_encapsulate
 *
 * Purpose:     Wrap a finished message for transmission.
 *
 * Inputs:	in	- Message bytes including the trailing CRC.
 *			  Binary data; any byte value may occur.
 *
 * Returns:	STX, escaped contents, ETX.  Worst case output is
 *		twice the input plus two.
 *
 *-----------------------------------------------------------------*/

func frame_encapsulate(in []byte) []byte {
	var buf bytes.Buffer

	buf.WriteByte(STX)

	for _, b := range in {
		switch b {
		case STX, DLE, ETX:
			buf.WriteByte(DLE)
			buf.WriteByte(b ^ DLE)
		default:
			buf.WriteByte(b)
		}
	}

	buf.WriteByte(ETX)

	return buf.Bytes()
}

type frame_state_e int

const (
	FS_LISTEN   frame_state_e = 0 /* Outside any frame, waiting for STX. Zero value so a fresh decoder listens. */
	FS_BUSY     frame_state_e = 1 /* Collecting frame contents. */
	FS_ESCAPING frame_state_e = 2 /* Last byte was DLE; next byte is XORed in. */
)

type frame_decoder_t struct {
	state frame_state_e

	msg        [MAX_FRAME_LEN]byte
	msg_len    int
	overflowed bool /* contents exceeded MAX_FRAME_LEN; bytes dropped, CRC will catch it */

	last_byte_ms      uint64
	silence_window_ms uint64
}

func frame_decoder_new(silence_window_ms uint64) *frame_decoder_t {
	var d = new(frame_decoder_t)
	d.silence_window_ms = silence_window_ms
	return d
}

func (d *frame_decoder_t) reset() {
	d.state = FS_LISTEN
	d.msg_len = 0
	d.overflowed = false
}

/*-------------------------------------------------------------------
 *
 * Name:        rx_byte
 *
 * Purpose:     Feed one received byte to the decoder.
 *
 * Inputs:	b	- The byte from the wire.
 *		now_ms	- Current time, for the silence watchdog.
 *
 * Returns:	The unescaped message contents when b completed a
 *		frame, nil otherwise.  The returned slice is a copy;
 *		the decoder reuses its buffer immediately.
 *
 *-----------------------------------------------------------------*/

func (d *frame_decoder_t) rx_byte(b byte, now_ms uint64) []byte {
	d.watchdog(now_ms)
	d.last_byte_ms = now_ms

	switch d.state {
	case FS_LISTEN:
		if b == STX {
			d.msg_len = 0
			d.overflowed = false
			d.state = FS_BUSY
		}
		/* Anything else is noise between frames. */
		return nil

	case FS_BUSY:
		switch b {
		case STX:
			/* Should not happen.  Take it as the start of a new frame. */
			d.msg_len = 0
			d.overflowed = false
			return nil
		case DLE:
			d.state = FS_ESCAPING
			return nil
		case ETX:
			var out = make([]byte, d.msg_len)
			copy(out, d.msg[:d.msg_len])
			d.reset()
			return out
		default:
			d.append(b)
			return nil
		}

	case FS_ESCAPING:
		d.append(b ^ DLE)
		d.state = FS_BUSY
		return nil
	}

	return nil
}

func (d *frame_decoder_t) append(b byte) {
	if d.msg_len >= MAX_FRAME_LEN {
		/* Drop silently.  The truncated message fails its CRC. */
		d.overflowed = true
		return
	}
	d.msg[d.msg_len] = b
	d.msg_len++
}

// watchdog forces the decoder back to listening when no byte arrived
// within the silence window while a frame was open.
func (d *frame_decoder_t) watchdog(now_ms uint64) {
	if d.state == FS_LISTEN {
		return
	}
	if now_ms-d.last_byte_ms > d.silence_window_ms {
		d.reset()
	}
}
