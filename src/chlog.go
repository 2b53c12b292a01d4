package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Trace logging, split by category.
 *
 * Description:	Three categories mirror the layers of the system:
 *
 *			protocol - framing, codec, transport
 *			node	 - registry, pipeline, per-node state
 *			game	 - for external game collaborators
 *
 *		Frame dumps are emitted at debug level in the classic
 *		hex + ASCII layout.  An optional strftime-style prefix
 *		timestamps the dumps for operators comparing against a
 *		logic analyser capture.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

var protocol_log = log.NewWithOptions(os.Stderr, log.Options{Prefix: "protocol"})
var node_log = log.NewWithOptions(os.Stderr, log.Options{Prefix: "node"})
var game_log = log.NewWithOptions(os.Stderr, log.Options{Prefix: "game"})

// GameLog exposes the game category to external collaborators.
func GameLog() *log.Logger {
	return game_log
}

func SetLogLevel(level log.Level) {
	protocol_log.SetLevel(level)
	node_log.SetLevel(level)
	game_log.SetLevel(level)
}

/* Format string for the optional frame dump timestamp, strftime style. */

var dump_timestamp_format string

func SetDumpTimestampFormat(format string) {
	dump_timestamp_format = format
}

func dump_timestamp_prefix() string {
	if dump_timestamp_format == "" {
		return ""
	}

	var formatted, err = strftime.Format(dump_timestamp_format, time.Now())
	if err != nil {
		return ""
	}
	return formatted + " "
}

/*-------------------------------------------------------------------
 *
 * Name:        hex_dump
 *
 * Purpose:     Render a frame for the debug trace.
 *
 * Inputs:	direction	- ">>>" transmit, "<<<" receive.
 *		p		- Raw bytes as seen on the wire.
 *
 *-----------------------------------------------------------------*/

func hex_dump(direction string, p []byte) {
	if protocol_log.GetLevel() > log.DebugLevel {
		return
	}

	var offset = 0
	for len(p) > 0 {
		var n = min(len(p), 16)

		var hexpart strings.Builder
		var chrpart strings.Builder
		for i := 0; i < n; i++ {
			fmt.Fprintf(&hexpart, " %02x", p[i])
			if p[i] >= 0x20 && p[i] <= 0x7E {
				chrpart.WriteByte(p[i])
			} else {
				chrpart.WriteByte('.')
			}
		}
		for i := n; i < 16; i++ {
			hexpart.WriteString("   ")
		}

		protocol_log.Debugf("%s%s %03x:%s  %s", dump_timestamp_prefix(), direction, offset, hexpart.String(), chrpart.String())
		p = p[n:]
		offset += n
	}
}
