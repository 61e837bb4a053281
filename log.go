package meshnet

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/KarpelesLab/emitter"
	"github.com/KarpelesLab/ringbuf"
)

// diagLog is the mesh package's dmesg-style diagnostic trail: the Node's
// adapter failures, decode failures and failed pong/announce sends get one
// line here rather than being silently swallowed, so Node.DumpInfo has
// something to show for "this node has been running and misbehaving for
// an hour." The Router's per-recipient send failures go to slog instead.
type diagLog struct {
	buf    *ringbuf.Writer
	logger *log.Logger
	events *emitter.Hub
}

// diagBufSize bounds the in-memory trail; old lines roll off once full.
const diagBufSize = 256 * 1024

func newDiagLog() *diagLog {
	d := &diagLog{events: emitter.New()}

	buf, err := ringbuf.New(diagBufSize)
	if err != nil {
		// No ring buffer available; fall back to a logger with no
		// backing store so logf calls still format without panicking.
		d.logger = log.New(io.Discard, "", log.LstdFlags)
		return d
	}
	d.buf = buf
	d.logger = log.New(buf, "", log.LstdFlags)
	return d
}

// logf records a diagnostic line and re-emits it on the "log" event so an
// embedder can subscribe to mesh's internal trail alongside its own.
func (d *diagLog) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	d.logger.Print(line)
	if d.events != nil {
		// Best-effort: a diagnostics bus losing a line to a full
		// subscriber channel is not worth failing a caller over.
		_ = d.events.Emit(context.Background(), "log", time.Now(), line)
	}
}

// OnLog subscribes fn to every diagnostic line logged from this point on.
// fn is invoked as fn(ts time.Time, line string).
func (d *diagLog) OnLog(fn func(time.Time, string)) {
	if d.events == nil {
		return
	}
	ch := d.events.On("log")
	go func() {
		for ev := range ch {
			ts, _ := emitter.Arg[time.Time](ev, 0)
			line, _ := emitter.Arg[string](ev, 1)
			fn(ts, line)
		}
	}()
}

// dump copies the full retained trail to w.
func (d *diagLog) dump(w io.Writer) {
	if d.buf == nil {
		return
	}
	r := d.buf.Reader()
	defer r.Close()
	io.Copy(w, r)
}
