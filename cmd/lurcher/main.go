package main

/*------------------------------------------------------------------
 *
 * Purpose:   	Operator console for the button bus master.
 *
 * Description:	Thin adapter over the protocol engine: opens the bus
 *		(serial port or a fresh pseudo terminal), discovers
 *		the buttons, then reads simple verbs from stdin.
 *
 *		This is bring-up tooling; the games drive the same
 *		engine API programmatically.
 *
 *---------------------------------------------------------------*/

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	lurcher "github.com/doismellburning/lurcher/src"
)

func main() {
	var port = pflag.StringP("port", "p", "", "Serial device of the RS-485 bus, e.g. /dev/ttyUSB0.")
	var baud = pflag.IntP("baud", "b", 115200, "Serial speed.")
	var rts = pflag.Bool("rts-direction", false, "Toggle RTS around each transmit for drivers without auto-key.")
	var use_pty = pflag.Bool("pty", false, "Create a pseudo terminal instead of opening a serial port.")
	var config_path = pflag.StringP("config", "c", "", "Config file. Default: search lurcher.yaml in the usual places.")
	var debug = pflag.BoolP("debug", "d", false, "Frame-level debug traces.")
	var version = pflag.Bool("version", false, "Print version and exit.")
	var help = pflag.Bool("help", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "lurcher - RGB button chaser bus master\n\n")
		fmt.Fprintf(os.Stderr, "Usage: lurcher --port /dev/ttyUSB0 [options]\n\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nConsole verbs:\n")
		fmt.Fprintf(os.Stderr, "	list			registered buttons and cached state\n")
		fmt.Fprintf(os.Stderr, "	new			roll-call unregistered buttons\n")
		fmt.Fprintf(os.Stderr, "	rgb <slot> <i> <hex>	set LED i of a button\n")
		fmt.Fprintf(os.Stderr, "	blink <slot> <ms>	set blink period (0 = off)\n")
		fmt.Fprintf(os.Stderr, "	led <slot> <0-4>	set debug LED state\n")
		fmt.Fprintf(os.Stderr, "	state <slot>		refresh and print button state\n")
		fmt.Fprintf(os.Stderr, "	sync <slot>		run a time sync handshake\n")
		fmt.Fprintf(os.Stderr, "	readdr <slot> <hex>	move a button to a new address\n")
		fmt.Fprintf(os.Stderr, "	allrgb <i> <hex>	broadcast a colour to idle buttons\n")
		fmt.Fprintf(os.Stderr, "	quit\n")
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}
	if *version {
		lurcher.PrintVersion(*debug)
		os.Exit(0)
	}

	var cfg, err = lurcher.LoadConfig(*config_path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	if *debug {
		lurcher.SetLogLevel(log.DebugLevel)
	}

	var ch lurcher.ByteChannel
	switch {
	case *use_pty:
		var p, name, perr = lurcher.OpenPtyPort()
		if perr != nil {
			fmt.Fprintf(os.Stderr, "%s\n", perr)
			os.Exit(1)
		}
		defer p.Close()
		fmt.Printf("Bus pseudo terminal: %s\n", name)
		ch = p
	case *port != "":
		var p, serr = lurcher.OpenSerialPort(*port, *baud, *rts)
		if serr != nil {
			fmt.Fprintf(os.Stderr, "%s\n", serr)
			os.Exit(1)
		}
		defer p.Close()
		ch = p
	default:
		fmt.Fprintf(os.Stderr, "Either --port or --pty is required.\n\n")
		pflag.Usage()
		os.Exit(1)
	}

	var engine = lurcher.NewEngine(ch, lurcher.WallClock(), cfg)
	go engine.Run()
	defer engine.Stop()

	fmt.Printf("Roll call...\n")
	if engine.RegisterAll() {
		list(engine)
	} else {
		fmt.Printf("No buttons answered.  Try \"new\" once they are powered.\n")
	}

	console(engine)
}

func list(e *lurcher.Engine) {
	fmt.Printf("%d button(s) registered.\n", e.NodeCount())
	for slot := 0; slot < e.NodeCount(); slot++ {
		var addr, _ = e.NodeAddress(slot)
		var st, _ = e.GetButtonState(slot)
		fmt.Printf("  slot %2d  addr %02X  rgb %06X/%06X/%06X  blink %dms  reaction %dms  flags %02X  v%d\n",
			slot, addr, st.RGB[0], st.RGB[1], st.RGB[2], st.BlinkMS, st.ReactionMS, st.Flags, st.Version)
	}
}

func console(e *lurcher.Engine) {
	var in = bufio.NewScanner(os.Stdin)
	fmt.Printf("> ")

	for in.Scan() {
		var fields = strings.Fields(in.Text())
		if len(fields) > 0 {
			if !dispatch(e, fields) {
				return
			}
		}
		fmt.Printf("> ")
	}
}

// dispatch runs one console verb.  Returns false on quit.
func dispatch(e *lurcher.Engine, fields []string) bool {
	var verb = fields[0]
	var args = fields[1:]

	var fail = func(err error) {
		fmt.Printf("failed: %s\n", err)
	}

	switch verb {
	case "quit", "exit":
		return false

	case "list":
		list(e)

	case "new":
		fmt.Printf("Roll call (unregistered only)...\n")
		fmt.Printf("%d new button(s).\n", e.RegisterNew())

	case "rgb":
		var slot, index, colour, err = slot_index_value(args)
		if err != nil {
			fail(err)
			break
		}
		if err := send_one(e, slot, func() error { return e.AppendSetRGB(slot, index, uint32(colour)) }); err != nil {
			fail(err)
		}

	case "allrgb":
		if len(args) != 2 {
			fail(fmt.Errorf("usage: allrgb <i> <hex>"))
			break
		}
		var index, _ = strconv.Atoi(args[0])
		var colour, cerr = strconv.ParseUint(args[1], 16, 24)
		if cerr != nil {
			fail(cerr)
			break
		}
		if err := broadcast_one(e, func() error { return e.AppendBroadcastSetRGB(index, uint32(colour)) }); err != nil {
			fail(err)
		}

	case "blink":
		var slot, ms, err = slot_value(args)
		if err != nil {
			fail(err)
			break
		}
		if err := send_one(e, slot, func() error { return e.AppendSetBlink(slot, uint32(ms)) }); err != nil {
			fail(err)
		}

	case "led":
		var slot, state, err = slot_value(args)
		if err != nil {
			fail(err)
			break
		}
		if err := send_one(e, slot, func() error { return e.AppendSetDbgLED(slot, byte(state)) }); err != nil {
			fail(err)
		}

	case "state":
		if len(args) != 1 {
			fail(fmt.Errorf("usage: state <slot>"))
			break
		}
		var slot, _ = strconv.Atoi(args[0])
		if err := refresh_state(e, slot); err != nil {
			fail(err)
			break
		}
		var st, _ = e.GetButtonState(slot)
		fmt.Printf("  rgb %06X/%06X/%06X  blink %dms  reaction %dms  flags %02X  dbgled %d  time %dms  corr %g\n",
			st.RGB[0], st.RGB[1], st.RGB[2], st.BlinkMS, st.ReactionMS, st.Flags, st.DbgLED, st.TimeMS, st.Correction)

	case "sync":
		if len(args) != 1 {
			fail(fmt.Errorf("usage: sync <slot>"))
			break
		}
		var slot, _ = strconv.Atoi(args[0])
		if err := run_sync(e, slot); err != nil {
			fail(err)
		}

	case "readdr":
		if len(args) != 2 {
			fail(fmt.Errorf("usage: readdr <slot> <hex-addr>"))
			break
		}
		var slot, _ = strconv.Atoi(args[0])
		var addr, aerr = strconv.ParseUint(args[1], 16, 8)
		if aerr != nil {
			fail(aerr)
			break
		}
		if err := readdr(e, slot, byte(addr)); err != nil {
			fail(err)
		}

	default:
		fmt.Printf("Unknown verb %q.  Try --help.\n", verb)
	}

	return true
}

func send_one(e *lurcher.Engine, slot int, appender func() error) error {
	if err := e.InitNodeMessage(slot); err != nil {
		return err
	}
	if err := appender(); err != nil {
		return err
	}
	return e.SendNodeNow(slot)
}

func broadcast_one(e *lurcher.Engine, appender func() error) error {
	if err := e.InitBroadcast(); err != nil {
		return err
	}
	if err := appender(); err != nil {
		return err
	}
	return e.SendBroadcastNow()
}

func refresh_state(e *lurcher.Engine, slot int) error {
	if err := e.InitNodeMessage(slot); err != nil {
		return err
	}
	for _, appender := range []func(int) error{
		func(s int) error { return e.AppendGetRGB(s, 0) },
		func(s int) error { return e.AppendGetRGB(s, 1) },
		func(s int) error { return e.AppendGetRGB(s, 2) },
		e.AppendGetBlink,
		e.AppendGetReaction,
		e.AppendGetFlags,
		e.AppendGetDbgLED,
		e.AppendGetTime,
	} {
		if err := appender(slot); err != nil {
			return err
		}
	}
	return e.SendNodeNow(slot)
}

func run_sync(e *lurcher.Engine, slot int) error {
	if err := e.SyncReset(slot); err != nil {
		return err
	}
	if err := e.SyncStart(slot); err != nil {
		return err
	}
	if err := e.SyncEnd(slot); err != nil {
		return err
	}
	var corr, err = e.SyncCorrection(slot)
	if err != nil {
		return err
	}
	fmt.Printf("correction factor: %g\n", corr)
	return nil
}

// readdr moves a node and confirms it answers at the new address.
func readdr(e *lurcher.Engine, slot int, addr byte) error {
	if err := e.InitNodeMessage(slot); err != nil {
		return err
	}
	if err := e.AppendNewAddr(slot, addr); err != nil {
		return err
	}
	if err := e.SendNodeNow(slot); err != nil {
		return err
	}

	if err := e.InitNodeMessage(slot); err != nil {
		return err
	}
	if err := e.AppendGetVersion(slot); err != nil {
		return err
	}
	return e.SendNodeNow(slot)
}

func slot_value(args []string) (int, uint64, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("expected <slot> <value>")
	}
	var slot, serr = strconv.Atoi(args[0])
	if serr != nil {
		return 0, 0, serr
	}
	var v, verr = strconv.ParseUint(args[1], 10, 32)
	if verr != nil {
		return 0, 0, verr
	}
	return slot, v, nil
}

func slot_index_value(args []string) (int, int, uint64, error) {
	if len(args) != 3 {
		return 0, 0, 0, fmt.Errorf("expected <slot> <index> <hex>")
	}
	var slot, serr = strconv.Atoi(args[0])
	if serr != nil {
		return 0, 0, 0, serr
	}
	var index, ierr = strconv.Atoi(args[1])
	if ierr != nil {
		return 0, 0, 0, ierr
	}
	var v, verr = strconv.ParseUint(args[2], 16, 24)
	if verr != nil {
		return 0, 0, 0, verr
	}
	return slot, index, v, nil
}
