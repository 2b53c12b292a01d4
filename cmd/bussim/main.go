package main

/*------------------------------------------------------------------
 *
 * Purpose:   	A bank of simulated buttons on the other end of a
 *		pseudo terminal.
 *
 * Description:	Run the master with --pty, note the path it prints,
 *		then point bussim at that path.  Every simulated
 *		button answers roll calls and speaks the full
 *		catalogue, so the whole master stack can be exercised
 *		on a desk with no hardware at all.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/pkg/term"
	"github.com/spf13/pflag"

	lurcher "github.com/doismellburning/lurcher/src"
)

func main() {
	var nodes = pflag.IntP("nodes", "n", 4, "Number of simulated buttons.")
	var base = pflag.Int("addr-base", 0x30, "Bus address of the first button; the rest count up from here.")
	var debug = pflag.BoolP("debug", "d", false, "Frame-level debug traces.")
	var version = pflag.Bool("version", false, "Print version and exit.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "bussim - simulated button bank for the lurcher master\n\n")
		fmt.Fprintf(os.Stderr, "Usage: bussim [options] <pty-path>\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *version {
		lurcher.PrintVersion(*debug)
		os.Exit(0)
	}
	if len(pflag.Args()) != 1 {
		pflag.Usage()
		os.Exit(1)
	}
	if *debug {
		lurcher.SetLogLevel(log.DebugLevel)
	}

	var path = pflag.Arg(0)
	var port, err = term.Open(path, term.RawMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not open %s: %s\n", path, err)
		os.Exit(1)
	}
	defer port.Close()

	var slaves []*lurcher.SimSlave
	for i := 0; i < *nodes; i++ {
		var s = lurcher.NewSimSlave(byte(*base + i))
		s.State.Version = 0x0107
		slaves = append(slaves, s)
	}
	var bus = lurcher.NewSimBus(slaves...)

	fmt.Printf("%d simulated button(s) at %02X..%02X on %s\n",
		*nodes, *base, *base+*nodes-1, path)

	var interrupted = make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt)
	go func() {
		<-interrupted
		port.Close()
		os.Exit(0)
	}()

	var clock = lurcher.WallClock()
	var buf [256]byte
	for {
		var n, readErr = port.Read(buf[:])
		if readErr != nil {
			fmt.Fprintf(os.Stderr, "Bus read failed: %s\n", readErr)
			os.Exit(1)
		}

		for _, reply := range bus.HandleWire(buf[:n], clock.NowMS()) {
			if _, writeErr := port.Write(reply); writeErr != nil {
				fmt.Fprintf(os.Stderr, "Bus write failed: %s\n", writeErr)
				os.Exit(1)
			}
		}
	}
}
