package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Interface to the serial port, hiding operating system
 *		differences.
 *
 * Description:	Implements ByteChannel over a raw-mode tty.  Most
 *		RS-485 dongles key their driver automatically; for the
 *		ones that need explicit direction control the RTS line
 *		is raised around each write, with a TIOCOUTQ poll to
 *		make sure the UART has actually drained before the
 *		driver is released.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/term"
	"golang.org/x/sys/unix"
)

type SerialPort struct {
	t    *term.Term
	baud int

	/* Second open of the same device, only for modem-line ioctls.
	   nil when direction control is not wanted. */
	dir *os.File

	mu sync.Mutex
	rx func(b byte)

	last_rx_ns atomic.Int64
	closed     chan struct{}
}

/*-------------------------------------------------------------------
 *
 * Name:	OpenSerialPort
 *
 * Purpose:	Open the bus serial port.
 *
 * Inputs:	devicename	- Usually /dev/tty...
 *		baud		- Speed.  9600, 115200 bps, etc.
 *		rts_direction	- Toggle RTS around each transmit for
 *				  RS-485 drivers without auto-key.
 *
 *---------------------------------------------------------------*/

func OpenSerialPort(devicename string, baud int, rts_direction bool) (*SerialPort, error) {
	var fd, err = term.Open(devicename, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("could not open serial port %s: %w", devicename, err)
	}

	switch baud {
	case 0: /* Leave it alone. */
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		fd.SetSpeed(baud)
	default:
		protocol_log.Error("unsupported serial speed, using 115200", "baud", baud)
		fd.SetSpeed(115200)
		baud = 115200
	}

	var p = new(SerialPort)
	p.t = fd
	p.baud = baud
	p.closed = make(chan struct{})

	if rts_direction {
		p.dir, err = os.OpenFile(devicename, os.O_RDWR|unix.O_NOCTTY, 0)
		if err != nil {
			fd.Close()
			return nil, fmt.Errorf("could not open %s for direction control: %w", devicename, err)
		}
		p.rts(false)
	}

	go p.read_loop()
	return p, nil
}

func (p *SerialPort) read_loop() {
	var buf [256]byte
	for {
		var n, err = p.t.Read(buf[:])
		if err != nil {
			select {
			case <-p.closed:
			default:
				protocol_log.Error("serial read failed", "err", err)
			}
			return
		}

		p.last_rx_ns.Store(time.Now().UnixNano())

		p.mu.Lock()
		var rx = p.rx
		p.mu.Unlock()
		if rx == nil {
			continue
		}
		for i := 0; i < n; i++ {
			rx(buf[i])
		}
	}
}

func (p *SerialPort) SetRxCallback(fn func(b byte)) {
	p.mu.Lock()
	p.rx = fn
	p.mu.Unlock()
}

func (p *SerialPort) SilenceMS() uint16 {
	var last = p.last_rx_ns.Load()
	if last == 0 {
		return 0xFFFF
	}
	var ms = time.Since(time.Unix(0, last)) / time.Millisecond
	if ms > 0xFFFF {
		ms = 0xFFFF
	}
	return uint16(ms)
}

func (p *SerialPort) WriteAll(data []byte) error {
	if p.dir != nil {
		p.rts(true)
		defer func() {
			p.drain(len(data))
			p.rts(false)
		}()
	}

	var written, err = p.t.Write(data)
	if err != nil {
		return err
	}
	if written != len(data) {
		return fmt.Errorf("short serial write: %d of %d", written, len(data))
	}
	return nil
}

func (p *SerialPort) rts(on bool) {
	var fd = int(p.dir.Fd())
	var stuff, _ = unix.IoctlGetInt(fd, unix.TIOCMGET)
	if on {
		stuff |= unix.TIOCM_RTS
	} else {
		stuff &= ^unix.TIOCM_RTS
	}
	unix.IoctlSetInt(fd, unix.TIOCMSET, stuff)
}

// drain waits for the kernel's output queue to empty so RTS is not
// dropped mid-frame.  Falls back to a byte-time estimate if the
// ioctl is unsupported.
func (p *SerialPort) drain(nbytes int) {
	var fd = int(p.dir.Fd())
	var deadline = time.Now().Add(time.Second)

	for time.Now().Before(deadline) {
		var pending, err = unix.IoctlGetInt(fd, unix.TIOCOUTQ)
		if err != nil {
			if p.baud > 0 {
				/* 10 bit times per byte: start, 8 data, stop. */
				time.Sleep(time.Duration(nbytes*10) * time.Second / time.Duration(p.baud))
			}
			return
		}
		if pending == 0 {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
}

func (p *SerialPort) Close() error {
	close(p.closed)
	if p.dir != nil {
		p.dir.Close()
	}
	return p.t.Close()
}
