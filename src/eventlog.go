package lurcher

/*------------------------------------------------------------------
 *
 * Purpose:   	Save node lifecycle and state events to a log file.
 *
 * Description: Rather than the raw trace, write separated properties
 *		into CSV format for easy reading and later processing.
 *
 *		There are two alternatives here.
 *
 *		A fixed path keeps appending to one file; typically
 *		logrotate keeps the size under control.  With daily
 *		names the path is a directory and a new file is opened
 *		whenever the (UTC) date changes.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lestrrat-go/strftime"
)

const event_log_header = "utime,isotime,event,slot,address,detail\n"

type event_log_t struct {
	daily_names bool
	path        string
	fp          *os.File
	open_fname  string
}

func event_log_new(path string, daily_names bool) *event_log_t {
	var el = new(event_log_t)
	el.path = path
	el.daily_names = daily_names

	if daily_names {
		var stat, statErr = os.Stat(path)
		if statErr != nil {
			if mkdirErr := os.Mkdir(path, 0755); mkdirErr != nil {
				node_log.Error("can't create event log location, using cwd",
					"path", path, "err", mkdirErr)
				el.path = "."
			}
		} else if !stat.IsDir() {
			node_log.Error("event log location is not a directory, using cwd", "path", path)
			el.path = "."
		}
	}

	return el
}

/*------------------------------------------------------------------
 *
 * Name:	write
 *
 * Purpose:	Append one event row, opening or rolling the file as
 *		needed.  Safe on a nil receiver so callers don't have
 *		to care whether logging is enabled.
 *
 *------------------------------------------------------------------*/

func (el *event_log_t) write(event string, slot int, address byte, detail string) {
	if el == nil {
		return
	}

	var now = time.Now().UTC()

	if el.daily_names {
		var fname, _ = strftime.Format("%Y-%m-%d.log", now)

		if el.fp != nil && fname != el.open_fname {
			el.close()
		}

		if el.fp == nil {
			el.open(filepath.Join(el.path, fname), fname)
		}
	} else if el.fp == nil {
		el.open(el.path, "")
	}

	if el.fp == nil {
		return
	}

	var w = csv.NewWriter(el.fp)
	w.Write([]string{
		strconv.Itoa(int(now.Unix())),
		now.Format("2006-01-02T15:04:05Z"),
		event,
		strconv.Itoa(slot),
		fmt.Sprintf("%02X", address),
		detail,
	})
	w.Flush()

	if writeErr := w.Error(); writeErr != nil {
		node_log.Error("event log write failed", "err", writeErr)
	}
}

func (el *event_log_t) open(full_path string, fname string) {
	/* Write a header only if this will be the first line. */
	var _, statErr = os.Stat(full_path)
	var already_there = statErr == nil

	var f, openErr = os.OpenFile(full_path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if openErr != nil {
		node_log.Error("can't open event log for write", "path", full_path, "err", openErr)
		return
	}

	el.fp = f
	el.open_fname = fname

	if !already_there {
		fmt.Fprint(el.fp, event_log_header)
	}
}

func (el *event_log_t) close() {
	if el == nil || el.fp == nil {
		return
	}
	el.fp.Close()
	el.fp = nil
	el.open_fname = ""
}
