package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/forPelevin/clipper/internal/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestArgsValidation(t *testing.T) {
	t.Setenv("CLIPPER_STORAGE_BASE_DIR", t.TempDir())

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"render without source", []string{"render"}, "accepts 1 arg(s), received 0"},
		{"render extra args", []string{"render", "a", "b"}, "accepts 1 arg(s), received 2"},
		{"unknown flag", []string{"render", "talk", "--wat"}, "unknown flag: --wat"},
		{"bad duration", []string{"render", "talk", "--end", "soon"}, `invalid argument "soon" for "--end"`},
		{"reversed range", []string{"render", "talk", "--start", "20s", "--end", "10s"}, "invalid parameters"},
		{"bad format", []string{"render", "talk", "--end", "10s", "--format", "avi"}, "unsupported format"},
		{"bad log level", []string{"render", "talk", "--end", "10s", "--log-level", "loud"}, "logging.level"},
		{"serve takes no args", []string{"serve", "x"}, `unknown command "x"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, tc.args...)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestRenderSpec(t *testing.T) {
	cmd := newRenderCmd()
	if err := cmd.ParseFlags([]string{
		"--start", "1m", "--end", "1m30s", "--quality", "720p", "--format", "webm",
		"--zoom", "1.5", "--aspect", "9:16", "--filler",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	spec, err := renderSpec(cmd, "talks/keynote")
	if err != nil {
		t.Fatalf("renderSpec: %v", err)
	}
	if spec.Range.Start != time.Minute || spec.Range.End != 90*time.Second {
		t.Fatalf("unexpected range %v", spec.Range)
	}
	if spec.Quality != types.Quality720p || spec.Format != types.FormatWebM {
		t.Fatalf("unexpected quality/format %s/%s", spec.Quality, spec.Format)
	}
	if spec.Edits.Zoom != 1.5 || spec.Edits.Aspect != types.Aspect9x16 || !spec.Edits.Filler {
		t.Fatalf("unexpected edits %+v", spec.Edits)
	}
	if spec.Edits.Contrast != 1 || spec.Edits.Saturation != 1 {
		t.Fatalf("unset color flags must stay neutral: %+v", spec.Edits)
	}
}
