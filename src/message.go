package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Message codec: header plus a payload of command records.
 *
 * Description:	A message inside a frame is
 *
 *			version  u8	currently 0
 *			id       u8	sequence, bumped on every transmission
 *			src      u8
 *			dst      u8
 *			payload		(cmd u8, data[mosi])*
 *			crc      u8	over header + payload
 *
 *		Multi-byte quantities inside command payloads are
 *		little-endian.  The whole message may not exceed
 *		MAX_FRAME_LEN bytes including the CRC; callers that
 *		need more must partition across messages.
 *
 *---------------------------------------------------------------*/

import (
	"encoding/binary"
	"fmt"
)

type header_t struct {
	version byte
	id      byte
	src     byte
	dst     byte
}

type command_t struct {
	cmd  CmdID
	data []byte
}

type response_t struct {
	cmd  CmdID
	code RespCode
	data []byte
}

/*
 * msg_builder_t accumulates command records for one destination.  The
 * sequence id is filled in at finalize time because retransmissions
 * get a fresh id.
 */

type msg_builder_t struct {
	buf      []byte
	cmds     int
	ended    bool /* last record was new_addr */
}

func msg_builder_new(dst byte) *msg_builder_t {
	var m = new(msg_builder_t)
	m.buf = make([]byte, HEADER_LEN, MAX_FRAME_LEN)
	m.buf[0] = PROTOCOL_VERSION
	m.buf[1] = 0 /* id assigned by finalize */
	m.buf[2] = ADDR_MASTER
	m.buf[3] = dst
	return m
}

// append_cmd validates the record against the catalogue and writes it.
// Capacity accounts for the trailing CRC byte.
func (m *msg_builder_t) append_cmd(cmd CmdID, data []byte) error {
	var e, ok = cmd_lookup(cmd)
	if !ok {
		return ErrUnknownCommand
	}
	if len(data) != e.mosi {
		return fmt.Errorf("%w: %s wants %d bytes, got %d", ErrInvalidPayload, cmd, e.mosi, len(data))
	}
	if m.ended {
		return ErrMessageEnded
	}
	if len(m.buf)+1+len(data)+1 > MAX_FRAME_LEN {
		return ErrCapacityExceeded
	}

	m.buf = append(m.buf, byte(cmd))
	m.buf = append(m.buf, data...)
	m.cmds++
	if e.flags&CF_ENDS_MSG != 0 {
		m.ended = true
	}
	return nil
}

// finalize stamps the sequence id, appends the CRC and returns the
// message ready for frame_encapsulate.  The builder stays usable so a
// retransmission can finalize again with a fresh id.
func (m *msg_builder_t) finalize(id byte) []byte {
	m.buf[1] = id
	var out = make([]byte, len(m.buf), len(m.buf)+1)
	copy(out, m.buf)
	out = append(out, crc8_calc(CRC8_SEED, out))
	return out
}

/*-------------------------------------------------------------------
 *
 * Name:        msg_decode
 *
 * Purpose:     Validate a deframed message and split off the header.
 *
 * Inputs:	raw	- Unescaped contents of one frame.
 *
 * Returns:	Header, payload (without CRC), error.
 *
 *-----------------------------------------------------------------*/

func msg_decode(raw []byte) (header_t, []byte, error) {
	var hdr header_t

	if len(raw) < HEADER_LEN+1 {
		return hdr, nil, ErrTruncated
	}
	if !crc8_check(CRC8_SEED, raw) {
		return hdr, nil, ErrBadCRC
	}
	if raw[0] != PROTOCOL_VERSION {
		return hdr, nil, fmt.Errorf("%w: %d", ErrBadVersion, raw[0])
	}

	hdr.version = raw[0]
	hdr.id = raw[1]
	hdr.src = raw[2]
	hdr.dst = raw[3]
	return hdr, raw[HEADER_LEN : len(raw)-1], nil
}

// parse_commands walks a master-to-slave payload.  Used by the bus
// simulator and by tests; the master itself only parses responses.
func parse_commands(payload []byte) ([]command_t, error) {
	var out []command_t
	for len(payload) > 0 {
		var cmd = CmdID(payload[0])
		var e, ok = cmd_lookup(cmd)
		if !ok {
			return out, fmt.Errorf("%w: %02X", ErrUnknownCommand, payload[0])
		}
		if len(payload) < 1+e.mosi {
			return out, ErrTruncated
		}
		out = append(out, command_t{cmd, payload[1 : 1+e.mosi]})
		payload = payload[1+e.mosi:]
	}
	return out, nil
}

// parse_responses walks a slave-to-master payload of response records.
// Trailing bytes that do not form a full record are an error; records
// decoded before the error are still returned.
func parse_responses(payload []byte) ([]response_t, error) {
	var out []response_t
	for len(payload) > 0 {
		if len(payload) < 2 {
			return out, ErrTruncated
		}
		var cmd = CmdID(payload[0])
		var code = RespCode(payload[1])
		var e, ok = cmd_lookup(cmd)
		if !ok {
			return out, fmt.Errorf("%w: %02X", ErrUnknownCommand, payload[0])
		}
		var n = resp_data_len(e, code)
		if n < 0 {
			return out, fmt.Errorf("unparseable response code %02X for %s", byte(code), cmd)
		}
		if len(payload) < 2+n {
			return out, ErrTruncated
		}
		out = append(out, response_t{cmd, code, payload[2 : 2+n]})
		payload = payload[2+n:]
	}
	return out, nil
}

/* Little-endian payload helpers. */

func put_u24(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

func get_u24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func put_u32(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func get_u32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func get_u16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func put_u16(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}
