package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Command catalogue for the button bus.
 *
 * Description: Every command that may appear in a message payload is
 *		listed here with its payload size in each direction
 *		and its addressing rules.  Payload sizes are never
 *		carried on the wire; both ends derive them from this
 *		table.
 *
 *		MOSI is master-out (command payload), MISO is the data
 *		portion of the node's response when the response code
 *		is ok.  Error responses carry code-specific payloads,
 *		see resp_data_len.
 *
 *---------------------------------------------------------------*/

import "fmt"

type CmdID byte

const (
	/* Discovery and administration. */
	CMD_ROLL_CALL       CmdID = 0x00 /* 1 byte mode; broadcast */
	CMD_BCAST_ADDR_MASK CmdID = 0x01 /* 4 byte slot bitmask; first in any broadcast */
	CMD_SET_BITMASK_IDX CmdID = 0x02 /* 1 byte slot index; registration */
	CMD_NEW_ADDR        CmdID = 0x03 /* 1 byte address; must end its message */

	/* State set. */
	CMD_SET_RGB_0   CmdID = 0x04
	CMD_SET_RGB_1   CmdID = 0x05
	CMD_SET_RGB_2   CmdID = 0x06
	CMD_SET_BLINK   CmdID = 0x07
	CMD_SET_SWITCH  CmdID = 0x08
	CMD_SET_DBG_LED CmdID = 0x09
	CMD_SET_TIME    CmdID = 0x0A
	CMD_SET_SYNC    CmdID = 0x0B

	/* State get.  All direct-only. */
	CMD_GET_RGB_0    CmdID = 0x0C
	CMD_GET_RGB_1    CmdID = 0x0D
	CMD_GET_RGB_2    CmdID = 0x0E
	CMD_GET_BLINK    CmdID = 0x0F
	CMD_GET_REACTION CmdID = 0x10
	CMD_GET_FLAGS    CmdID = 0x11
	CMD_GET_DBG_LED  CmdID = 0x12
	CMD_GET_TIME     CmdID = 0x13
	CMD_GET_SYNC     CmdID = 0x14
	CMD_GET_VERSION  CmdID = 0x15
)

/* roll_call modes. */

const ROLL_CALL_ALL = 0x00
const ROLL_CALL_UNREGISTERED = 0xFF

/* set_sync payload values.  Anything else is elapsed master ms. */

const SYNC_RESET = 0xFFFFFFFF
const SYNC_START = 0x00000000
const SYNC_ELAPSED_MAX = 0xFFFFFFFE

/* set_dbg_led states. */

const (
	DBG_LED_OFF       = 0
	DBG_LED_ON        = 1
	DBG_LED_BLINK_50  = 2
	DBG_LED_BLINK_200 = 3
	DBG_LED_BLINK_500 = 4
)

/* get_flags bit positions. */

const (
	FLAG_SHORT_PRESS  = 0x01
	FLAG_LONG_PRESS   = 0x02
	FLAG_DOUBLE_PRESS = 0x04
	FLAG_ACTIVATED    = 0x08
	FLAG_DEACTIVATED  = 0x10
	FLAG_SW_STOPPED   = 0x20
	FLAG_BLINKING     = 0x40
	FLAG_UNREGISTERED = 0x80
)

type cmd_flags_t byte

const (
	CF_BROADCAST cmd_flags_t = 1 << 0 /* may ride in a dst=0xFF frame */
	CF_ENDS_MSG  cmd_flags_t = 1 << 1 /* nothing may be appended after it */
)

type cmd_entry_t struct {
	name  string
	mosi  int
	miso  int
	flags cmd_flags_t
}

// The catalogue.  Direct-only commands (registration, new-address, any
// get) have no CF_BROADCAST bit.  set_switch stays direct-only: a
// broadcast activation would leave the per-node active bookkeeping
// unconfirmed.  Flip the bit here to re-enable the old behaviour.
var cmd_table = map[CmdID]cmd_entry_t{
	CMD_ROLL_CALL:       {"roll_call", 1, 0, CF_BROADCAST},
	CMD_BCAST_ADDR_MASK: {"bcast_address_mask", 4, 0, CF_BROADCAST},
	CMD_SET_BITMASK_IDX: {"set_bitmask_index", 1, 0, 0},
	CMD_NEW_ADDR:        {"new_addr", 1, 0, CF_ENDS_MSG},

	CMD_SET_RGB_0:   {"set_rgb_0", 3, 0, CF_BROADCAST},
	CMD_SET_RGB_1:   {"set_rgb_1", 3, 0, CF_BROADCAST},
	CMD_SET_RGB_2:   {"set_rgb_2", 3, 0, CF_BROADCAST},
	CMD_SET_BLINK:   {"set_blink", 4, 0, CF_BROADCAST},
	CMD_SET_SWITCH:  {"set_switch", 1, 0, 0},
	CMD_SET_DBG_LED: {"set_dbg_led", 1, 0, CF_BROADCAST},
	CMD_SET_TIME:    {"set_time", 4, 0, CF_BROADCAST},
	CMD_SET_SYNC:    {"set_sync", 4, 0, CF_BROADCAST},

	CMD_GET_RGB_0:    {"get_rgb_0", 0, 3, 0},
	CMD_GET_RGB_1:    {"get_rgb_1", 0, 3, 0},
	CMD_GET_RGB_2:    {"get_rgb_2", 0, 3, 0},
	CMD_GET_BLINK:    {"get_blink", 0, 4, 0},
	CMD_GET_REACTION: {"get_reaction", 0, 4, 0},
	CMD_GET_FLAGS:    {"get_flags", 0, 1, 0},
	CMD_GET_DBG_LED:  {"get_dbg_led", 0, 1, 0},
	CMD_GET_TIME:     {"get_time", 0, 4, 0},
	CMD_GET_SYNC:     {"get_sync", 0, 4, 0},
	CMD_GET_VERSION:  {"get_version", 0, 2, 0},
}

func cmd_lookup(cmd CmdID) (cmd_entry_t, bool) {
	var e, ok = cmd_table[cmd]
	return e, ok
}

func (c CmdID) String() string {
	if e, ok := cmd_table[c]; ok {
		return e.name
	}
	return fmt.Sprintf("cmd_%02X", byte(c))
}

/*
 * Response codes.  A response record is cmd, code, then a payload
 * whose size depends on both the command and the code.
 */

type RespCode byte

const (
	RESP_OK              RespCode = 0x00
	RESP_ERR_PAYLOAD_LEN RespCode = 0x01 /* 1 byte: the received length */
	RESP_ERR_RANGE       RespCode = 0x02 /* 2 bytes: the offending value */
	RESP_ERR_REJECT      RespCode = 0x03 /* 1 byte: reason */
	RESP_ERR_UNKNOWN_CMD RespCode = 0x04 /* no payload */
)

func (r RespCode) String() string {
	switch r {
	case RESP_OK:
		return "ok"
	case RESP_ERR_PAYLOAD_LEN:
		return "err_payload_len"
	case RESP_ERR_RANGE:
		return "err_range"
	case RESP_ERR_REJECT:
		return "err_reject"
	case RESP_ERR_UNKNOWN_CMD:
		return "err_unknown_cmd"
	}
	return fmt.Sprintf("resp_%02X", byte(r))
}

// resp_data_len gives the payload size of a response record.  -1 means
// the code itself is unknown and the record cannot be parsed.
func resp_data_len(e cmd_entry_t, code RespCode) int {
	switch code {
	case RESP_OK:
		return e.miso
	case RESP_ERR_PAYLOAD_LEN:
		return 1
	case RESP_ERR_RANGE:
		return 2
	case RESP_ERR_REJECT:
		return 1
	case RESP_ERR_UNKNOWN_CMD:
		return 0
	}
	return -1
}
