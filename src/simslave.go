package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	A software model of one slave node.
 *
 * Description:	Implements the slave side of the catalogue well enough
 *		to exercise the master end-to-end: roll-call replies,
 *		registration, FIFO responses, state get/set, and the
 *		sync handshake.  Used by the package tests and by
 *		cmd/bussim.
 *
 *		This is a model, not firmware: reaction timing and
 *		button presses are poked in from outside rather than
 *		measured.
 *
 *---------------------------------------------------------------*/

import (
	"math"
)

type SimSlave struct {
	Addr       byte
	Registered bool
	BitmaskIdx int

	State ButtonState

	/* Sync bookkeeping. */
	sync_armed    bool
	sync_start_ms uint64

	/* Knobs for fault injection. */
	Mute     bool     /* never reply */
	FailCmd  CmdID    /* reply with FailCode to this command */
	FailCode RespCode

	Clock Clock
	seq   byte
}

func NewSimSlave(addr byte) *SimSlave {
	var s = new(SimSlave)
	s.Addr = addr
	s.BitmaskIdx = -1
	s.State.Correction = 1.0
	s.Clock = WallClock()
	return s
}

// addressed_by decides whether a decoded message concerns this node.
func (s *SimSlave) addressed_by(hdr header_t, cmds []command_t) bool {
	if hdr.dst == s.Addr {
		return true
	}
	if hdr.dst != ADDR_BROADCAST {
		return false
	}
	if len(cmds) == 0 || cmds[0].cmd != CMD_BCAST_ADDR_MASK {
		return false
	}
	if !s.Registered {
		/* Unregistered nodes only listen for roll calls, which
		   are sent to the everyone-mask. */
		return get_u32(cmds[0].data) == 0xFFFFFFFF
	}
	return get_u32(cmds[0].data)&(1<<uint(s.BitmaskIdx)) != 0
}

/*-------------------------------------------------------------------
 *
 * Name:        HandleMessage
 *
 * Purpose:     Process one decoded master message.
 *
 * Inputs:	raw	- Unescaped message bytes including CRC.
 *
 * Returns:	Zero or more reply messages (unescaped, with CRC),
 *		split whenever the response records outgrow a frame.
 *
 *-----------------------------------------------------------------*/

func (s *SimSlave) HandleMessage(raw []byte) [][]byte {
	var hdr, payload, err = msg_decode(raw)
	if err != nil || hdr.src != ADDR_MASTER {
		return nil
	}

	var cmds, cerr = parse_commands(payload)
	if cerr != nil || !s.addressed_by(hdr, cmds) {
		return nil
	}

	var broadcast = hdr.dst == ADDR_BROADCAST
	var resps []response_t
	var new_addr byte

	for _, c := range cmds {
		var r, responds = s.execute(c, broadcast)
		if responds && !broadcast {
			resps = append(resps, r)
		}
		if broadcast && c.cmd == CMD_ROLL_CALL && responds {
			/* The one broadcast command that elicits a reply. */
			resps = append(resps, r)
		}
		if c.cmd == CMD_NEW_ADDR && r.code == RESP_OK {
			new_addr = c.data[0]
		}
	}

	if s.Mute || len(resps) == 0 {
		return nil
	}

	var out = s.pack(resps)

	/* Replies go out from the old address; only then move. */
	if new_addr != 0 {
		s.Addr = new_addr
	}
	return out
}

func (s *SimSlave) execute(c command_t, broadcast bool) (response_t, bool) {
	if s.FailCmd != 0 && c.cmd == s.FailCmd {
		return response_t{c.cmd, s.FailCode, s.fail_data()}, true
	}

	switch c.cmd {
	case CMD_BCAST_ADDR_MASK:
		return response_t{}, false

	case CMD_ROLL_CALL:
		var mode = c.data[0]
		if mode == ROLL_CALL_UNREGISTERED && s.Registered {
			return response_t{}, false
		}
		return response_t{CMD_ROLL_CALL, RESP_OK, nil}, true

	case CMD_SET_BITMASK_IDX:
		s.Registered = true
		s.BitmaskIdx = int(c.data[0])
		s.State.Flags &^= FLAG_UNREGISTERED
		return response_t{c.cmd, RESP_OK, nil}, true

	case CMD_NEW_ADDR:
		if c.data[0] == ADDR_MASTER || c.data[0] == ADDR_BROADCAST {
			return response_t{c.cmd, RESP_ERR_RANGE, []byte{c.data[0], 0}}, true
		}
		return response_t{c.cmd, RESP_OK, nil}, true

	case CMD_SET_RGB_0, CMD_SET_RGB_1, CMD_SET_RGB_2:
		s.State.RGB[c.cmd-CMD_SET_RGB_0] = get_u24(c.data)
		return response_t{c.cmd, RESP_OK, nil}, true

	case CMD_SET_BLINK:
		s.State.BlinkMS = get_u32(c.data)
		return response_t{c.cmd, RESP_OK, nil}, true

	case CMD_SET_SWITCH:
		if c.data[0] != 0 {
			s.State.ReactionMS = 0
			s.State.Flags |= FLAG_ACTIVATED
		} else {
			s.State.Flags |= FLAG_SW_STOPPED
		}
		return response_t{c.cmd, RESP_OK, nil}, true

	case CMD_SET_DBG_LED:
		if c.data[0] > DBG_LED_BLINK_500 {
			return response_t{c.cmd, RESP_ERR_RANGE, []byte{c.data[0], 0}}, true
		}
		s.State.DbgLED = c.data[0]
		return response_t{c.cmd, RESP_OK, nil}, true

	case CMD_SET_TIME:
		s.State.TimeMS = get_u32(c.data)
		return response_t{c.cmd, RESP_OK, nil}, true

	case CMD_SET_SYNC:
		s.set_sync(get_u32(c.data))
		return response_t{c.cmd, RESP_OK, nil}, true

	case CMD_GET_RGB_0, CMD_GET_RGB_1, CMD_GET_RGB_2:
		return response_t{c.cmd, RESP_OK, put_u24(s.State.RGB[c.cmd-CMD_GET_RGB_0])}, true
	case CMD_GET_BLINK:
		return response_t{c.cmd, RESP_OK, put_u32(s.State.BlinkMS)}, true
	case CMD_GET_REACTION:
		return response_t{c.cmd, RESP_OK, put_u32(s.State.ReactionMS)}, true
	case CMD_GET_FLAGS:
		return response_t{c.cmd, RESP_OK, []byte{s.State.Flags}}, true
	case CMD_GET_DBG_LED:
		return response_t{c.cmd, RESP_OK, []byte{s.State.DbgLED}}, true
	case CMD_GET_TIME:
		return response_t{c.cmd, RESP_OK, put_u32(s.State.TimeMS)}, true
	case CMD_GET_SYNC:
		return response_t{c.cmd, RESP_OK, put_u32(math.Float32bits(s.State.Correction))}, true
	case CMD_GET_VERSION:
		return response_t{c.cmd, RESP_OK, put_u16(s.State.Version)}, true
	}

	return response_t{c.cmd, RESP_ERR_UNKNOWN_CMD, nil}, true
}

func (s *SimSlave) fail_data() []byte {
	switch s.FailCode {
	case RESP_ERR_PAYLOAD_LEN:
		return []byte{0}
	case RESP_ERR_RANGE:
		return []byte{0, 0}
	case RESP_ERR_REJECT:
		return []byte{1}
	}
	return nil
}

func (s *SimSlave) set_sync(v uint32) {
	switch v {
	case SYNC_RESET:
		s.State.Correction = 1.0
		s.sync_armed = false
	case SYNC_START:
		s.sync_armed = true
		s.sync_start_ms = s.Clock.NowMS()
	default:
		if !s.sync_armed {
			return
		}
		s.sync_armed = false
		var local = s.Clock.NowMS() - s.sync_start_ms
		if local == 0 {
			local = 1
		}
		s.State.Correction = float32(v) / float32(local)
	}
}

// pack lays response records into as few messages as will hold them.
func (s *SimSlave) pack(resps []response_t) [][]byte {
	var out [][]byte
	var buf []byte

	var flush = func() {
		if len(buf) == 0 {
			return
		}
		s.seq++
		var msg = []byte{PROTOCOL_VERSION, s.seq, s.Addr, ADDR_MASTER}
		msg = append(msg, buf...)
		msg = append(msg, crc8_calc(CRC8_SEED, msg))
		out = append(out, msg)
		buf = nil
	}

	for _, r := range resps {
		var rec = append([]byte{byte(r.cmd), byte(r.code)}, r.data...)
		if HEADER_LEN+len(buf)+len(rec)+1 > MAX_FRAME_LEN {
			flush()
		}
		buf = append(buf, rec...)
	}
	flush()
	return out
}

// HandleWire feeds raw wire bytes (delimited, escaped) through a
// decoder and returns the escaped wire bytes of any replies.
type SimBus struct {
	Slaves  []*SimSlave
	decoder *frame_decoder_t
}

func NewSimBus(slaves ...*SimSlave) *SimBus {
	return &SimBus{Slaves: slaves, decoder: frame_decoder_new(^uint64(0) >> 1)}
}

func (b *SimBus) HandleWire(wire []byte, now_ms uint64) [][]byte {
	var out [][]byte
	for _, by := range wire {
		var msg = b.decoder.rx_byte(by, now_ms)
		if msg == nil {
			continue
		}
		for _, sl := range b.Slaves {
			for _, reply := range sl.HandleMessage(msg) {
				out = append(out, frame_encapsulate(reply))
			}
		}
	}
	return out
}
