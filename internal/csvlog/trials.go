package csvlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProgressFile is kept next to the block directories of a participant/condition.
const ProgressFile = "progress.txt"

// Trials maps a multi-trial session onto the directory tree
//
//	basePath/participant/condition/Block_N/Trial_M.csv
//	basePath/participant/condition/progress.txt
//
// progress.txt holds the zero-based index of the last completed trial so an
// interrupted session can resume.
type Trials struct {
	BasePath    string
	Participant string
	Condition   string
}

// NewTrials validates the path components of a trial layout.
func NewTrials(basePath, participant, condition string) (*Trials, error) {
	if basePath == "" {
		return nil, fmt.Errorf("trials: empty base path")
	}
	for name, v := range map[string]string{"participant": participant, "condition": condition} {
		if err := validateSegment(v); err != nil {
			return nil, fmt.Errorf("trials: %s: %w", name, err)
		}
	}
	return &Trials{BasePath: basePath, Participant: participant, Condition: condition}, nil
}

func validateSegment(v string) error {
	switch {
	case strings.TrimSpace(v) == "":
		return errors.New("empty")
	case v == "." || v == "..":
		return fmt.Errorf("invalid name %q", v)
	case strings.ContainsAny(v, `/\`):
		return fmt.Errorf("%q must not contain path separators", v)
	}
	return nil
}

// Dir is the participant/condition directory.
func (t *Trials) Dir() string {
	return filepath.Join(t.BasePath, t.Participant, t.Condition)
}

// TrialPath returns the CSV file of a block/trial pair.
func (t *Trials) TrialPath(block, trial int) string {
	return filepath.Join(t.Dir(), fmt.Sprintf("Block_%d", block), fmt.Sprintf("Trial_%d.csv", trial))
}

// Begin points l at the file of block/trial.
func (t *Trials) Begin(l *Logger, block, trial int) (string, error) {
	if block < 0 || trial < 0 {
		return "", fmt.Errorf("trials: negative block %d or trial %d", block, trial)
	}
	path := t.TrialPath(block, trial)
	if err := l.Open(path); err != nil {
		return "", err
	}
	return path, nil
}

// Complete records trial as the last completed one. The file is replaced atomically.
func (t *Trials) Complete(trial int) error {
	if trial < 0 {
		return fmt.Errorf("trials: negative trial %d", trial)
	}
	if err := os.MkdirAll(t.Dir(), 0o755); err != nil {
		return fmt.Errorf("trials: failed to create %s: %w", t.Dir(), err)
	}

	tmp, err := os.CreateTemp(t.Dir(), ProgressFile+".*")
	if err != nil {
		return fmt.Errorf("trials: failed to write progress: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.Itoa(trial)); err != nil {
		tmp.Close()
		return fmt.Errorf("trials: failed to write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("trials: failed to write progress: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(t.Dir(), ProgressFile)); err != nil {
		return fmt.Errorf("trials: failed to write progress: %w", err)
	}
	return nil
}

// LastCompleted reads progress.txt. A missing file means no trial was completed.
func (t *Trials) LastCompleted() (int, bool, error) {
	data, err := os.ReadFile(filepath.Join(t.Dir(), ProgressFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("trials: failed to read progress: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("trials: corrupt %s: %q", ProgressFile, strings.TrimSpace(string(data)))
	}
	return n, true, nil
}

// NextTrial is the index a resumed session starts from.
func (t *Trials) NextTrial() (int, error) {
	last, ok, err := t.LastCompleted()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return last + 1, nil
}
