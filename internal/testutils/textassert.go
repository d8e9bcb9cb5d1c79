package testutils

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of testing.T the asserters need
type TestingT interface {
	Errorf(format string, args ...interface{})
}

// TextAssertOptions control how CSV and CLI text is normalized before comparison.
type TextAssertOptions struct {
	// MaskedColumns are comma-separated column indexes replaced by "*" on every line,
	// for values such as timestamps that differ between runs.
	MaskedColumns []int
	Separator     string `default:","`
	TrimSpace     bool   `default:"false"`
	EnableColors  bool   `default:"false"`
}

// TextOption is a functional option for configuring TextAsserter
type TextOption func(*TextAssertOptions)

// TextAsserter compares line-oriented text (CSV files, CLI output) and reports a unified diff.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t TestingT) *TextAsserter {
	opts := TextAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TextAsserter{t: t, options: opts}
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

// Assert compares actual text against expected text
func (ta *TextAsserter) Assert(actual, expected string) bool {
	if h, ok := ta.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	if diff := ta.Diff(actual, expected); diff != "" {
		ta.t.Errorf("Text assertion failed - unified diff:\n%s", diff)
		return false
	}
	return true
}

// AssertFile compares the contents of path against expected.
func (ta *TextAsserter) AssertFile(path, expected string) bool {
	if h, ok := ta.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		ta.t.Errorf("Text assertion failed - cannot read %s: %v", path, err)
		return false
	}
	return ta.Assert(string(data), expected)
}

// Diff returns "" when the texts match after normalization.
func (ta *TextAsserter) Diff(actual, expected string) string {
	a := ta.normalize(actual)
	e := ta.normalize(expected)
	if a == e {
		return ""
	}

	edits := myers.ComputeEdits("", e, a)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	if ta.options.EnableColors {
		return colorizeDiff(unified)
	}
	return unified
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.options.TrimSpace {
		text = strings.TrimSpace(text)
	}
	if len(ta.options.MaskedColumns) == 0 {
		return text
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line == "" {
			continue
		}
		cols := strings.Split(line, ta.options.Separator)
		for _, c := range ta.options.MaskedColumns {
			if c >= 0 && c < len(cols) {
				cols[c] = "*"
			}
		}
		lines[i] = strings.Join(cols, ta.options.Separator)
	}
	return strings.Join(lines, "\n")
}

// colorizeDiff paints removed lines red and added lines green, with whitespace made visible.
func colorizeDiff(diff string) string {
	removed := color.New(color.FgRed)
	removed.EnableColor()
	added := color.New(color.FgGreen)
	added.EnableColor()
	visible := strings.NewReplacer(" ", "·", "\t", "→")

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "-"):
			lines[i] = removed.Sprint(visible.Replace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = added.Sprint(visible.Replace(line))
		}
	}
	return strings.Join(lines, "\n")
}

// WithMaskedColumns hides the given zero-based columns on every line
func WithMaskedColumns(cols ...int) TextOption {
	return func(opts *TextAssertOptions) {
		opts.MaskedColumns = append(opts.MaskedColumns, cols...)
	}
}

// WithTrimSpace sets whether to trim leading and trailing whitespace from entire text
func WithTrimSpace(trim bool) TextOption {
	return func(opts *TextAssertOptions) {
		opts.TrimSpace = trim
	}
}

// WithEnableColors sets whether to enable colored diff output
func WithEnableColors(enable bool) TextOption {
	return func(opts *TextAssertOptions) {
		opts.EnableColors = enable
	}
}
