package ffmpeg

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/forPelevin/clipper/internal/types"
)

// progressWriter consumes the key=value stream written by `-progress pipe:1`.
type progressWriter struct {
	stage    types.StageKind
	expected time.Duration
	report   func(types.Progress)

	buf  []byte
	last float64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *progressWriter) line(s string) {
	k, v, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return
	}
	switch k {
	// out_time_ms is in microseconds too
	case "out_time_us", "out_time_ms":
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return
		}
		w.at(time.Duration(n) * time.Microsecond)
	case "progress":
		if v == "end" && w.expected > 0 {
			w.emit(100)
		}
	}
}

func (w *progressWriter) at(t time.Duration) {
	if w.expected <= 0 {
		w.report(types.Progress{Stage: w.stage, Indeterminate: true})
		return
	}
	pct := 100 * float64(t) / float64(w.expected)
	w.emit(min(max(pct, 0), 100))
}

// emit only reports forward movement so pollers never see progress go back.
func (w *progressWriter) emit(pct float64) {
	if pct <= w.last {
		return
	}
	w.last = pct
	w.report(types.Progress{Stage: w.stage, Percent: pct})
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if over := len(t.b) - t.max; over > 0 {
		t.b = t.b[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.b))
}
