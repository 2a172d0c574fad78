package types

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrSourceUnavailable = errors.New("source unavailable")
	ErrTranscodeFailed   = errors.New("transcode failed")
	ErrTranscodeTimeout  = errors.New("transcode timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrNotFound          = errors.New("job not found")
	ErrNotReady          = errors.New("artifact not ready")
	ErrNotCancellable    = errors.New("job is not cancellable")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNarrationConflict = errors.New("narration not allowed")
)

// TranscodeError describes a failed transcoder invocation.
type TranscodeError struct {
	Stage      StageKind
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *TranscodeError) Error() string {
	msg := fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if d := strings.TrimSpace(e.Diagnostic); d != "" {
		msg += ": " + d
	}
	return msg
}

func (e *TranscodeError) Unwrap() error { return e.Err }

const maxSummary = 512

// Summary renders err as a single bounded line for storage on a job.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	s := strings.Join(strings.Fields(err.Error()), " ")
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) > maxSummary {
		cut := maxSummary - 3
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
