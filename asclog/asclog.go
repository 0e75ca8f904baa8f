// Package asclog writes CAN traffic in the Vector ASCII log format.
package asclog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/LoveWonYoung/vxlcan/driver"
)

var ErrInvalidDir = errors.New("asclog: not a valid directory")

// ResolvePath builds the absolute log file path. With addDate the local
// time is appended as [h-m-s] with the hour modulo 12.
func ResolvePath(base string, addDate bool, now time.Time) (string, error) {
	if dir := filepath.Dir(base); dir != "." {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			return "", fmt.Errorf("%w: %s", ErrInvalidDir, dir)
		}
	}
	if addDate {
		base = fmt.Sprintf("%s[%d-%d-%d]", base, now.Hour()%12, now.Minute(), now.Second())
	}
	return filepath.Abs(base + ".asc")
}

// Writer appends frames to an ASC file. It is safe for concurrent use.
type Writer struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	w         *bufio.Writer
	logErrors bool
}

// Create opens path for logging. An existing file is appended to and does
// not get a second date line.
func Create(path string, logErrors bool, now time.Time) (*Writer, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	w := &Writer{path: path, f: f, w: bufio.NewWriter(f), logErrors: logErrors}
	if !exists {
		fmt.Fprintf(w.w, "date %s %s %d %d:%d:%d %d\n",
			now.Weekday().String()[:3], now.Month().String()[:3], now.Day(),
			now.Hour()%12, now.Minute(), now.Second(), now.Year())
	}
	w.w.WriteString("base hex  timestamps absolute\n")
	w.w.WriteString("no internal events logged\n")
	return w, nil
}

// Path is the absolute file path.
func (w *Writer) Path() string { return w.path }

// FormatFrame renders one frame line. tx selects the direction column.
func FormatFrame(t time.Duration, channel int, f driver.Frame, tx bool) string {
	id := fmt.Sprintf("%X", f.ID)
	if f.ID > driver.MaxStandardID || f.IsExtended {
		id = fmt.Sprintf("%Xx", f.ID&driver.MaxExtendedID)
	}
	dir := "Rx"
	if tx {
		dir = "Tx"
	}
	payload := f.Payload()
	bytes := make([]string, len(payload))
	for i, b := range payload {
		bytes[i] = fmt.Sprintf("%02X", b)
	}
	return fmt.Sprintf("%11.6f %d  %-16s%s   d %d %s\n", t.Seconds(), channel, id, dir, f.DLC, strings.Join(bytes, " "))
}

// WriteEvent logs received frames, transmit echoes and, when enabled, error frames.
func (w *Writer) WriteEvent(ev driver.Event) error {
	var line string
	switch ev.Kind {
	case driver.EventRx:
		line = FormatFrame(ev.Time, ev.Channel, ev.Frame, false)
	case driver.EventTx:
		line = FormatFrame(ev.Time, ev.Channel, ev.Frame, true)
	case driver.EventErrorFrame:
		if !w.logErrors {
			return nil
		}
		line = fmt.Sprintf("%11.6f %d  ErrorFrame\n", ev.Time.Seconds(), ev.Channel)
	default:
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return os.ErrClosed
	}
	_, err := w.w.WriteString(line)
	return err
}

// Flush writes buffered lines to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	return w.w.Flush()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	err := errors.Join(w.w.Flush(), w.f.Close())
	w.w, w.f = nil, nil
	return err
}
