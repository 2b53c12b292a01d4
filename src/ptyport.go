package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	A pseudo-terminal bus for development.
 *
 * Description:	Creates a pty pair and speaks the wire protocol on
 *		the master side; whatever opens the slave side (the
 *		bus simulator, a logic-analyser replay, a real slave
 *		firmware under qemu) is the other end of the bus.
 *
 *		The pty is put into raw mode or the line discipline
 *		would eat our delimiters and echo everything back.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

type PtyPort struct {
	master *os.File
	slave  *os.File

	mu sync.Mutex
	rx func(b byte)

	last_rx_ns atomic.Int64
	closed     chan struct{}
}

// OpenPtyPort creates the pair and returns the port plus the path the
// other end should open.
func OpenPtyPort() (*PtyPort, string, error) {
	var ptmx, pts, err = pty.Open()
	if err != nil {
		return nil, "", fmt.Errorf("could not create pseudo terminal: %w", err)
	}

	if err := raw_mode(ptmx); err != nil {
		ptmx.Close()
		pts.Close()
		return nil, "", err
	}

	var p = new(PtyPort)
	p.master = ptmx
	p.slave = pts
	p.closed = make(chan struct{})

	go p.read_loop()
	return p, pts.Name(), nil
}

// raw_mode turns off echo and canonical processing: the pty must pass
// binary frames through untouched.
func raw_mode(f *os.File) error {
	var fd = int(f.Fd())
	var tio, err = unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("tcgetattr: %w", err)
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB
	tio.Cflag |= unix.CS8
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return fmt.Errorf("tcsetattr: %w", err)
	}
	return nil
}

func (p *PtyPort) read_loop() {
	var buf [256]byte
	for {
		var n, err = p.master.Read(buf[:])
		if err != nil {
			select {
			case <-p.closed:
			default:
				protocol_log.Error("pty read failed", "err", err)
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

func (p *PtyPort) SetRxCallback(fn func(b byte)) {
	p.mu.Lock()
	p.rx = fn
	p.mu.Unlock()
}

func (p *PtyPort) SilenceMS() uint16 {
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

func (p *PtyPort) WriteAll(data []byte) error {
	var written, err = p.master.Write(data)
	if err != nil {
		return err
	}
	if written != len(data) {
		return fmt.Errorf("short pty write: %d of %d", written, len(data))
	}
	return nil
}

func (p *PtyPort) Close() error {
	close(p.closed)
	p.slave.Close()
	return p.master.Close()
}
