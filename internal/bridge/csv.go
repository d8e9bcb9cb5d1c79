package bridge

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/csvlog"
	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/envelope"
	"github.com/srg/blehost/internal/heartrate"
)

// loggerError reports a file logger failure. Logger failures never stop the bridge.
func (b *Bridge) loggerError(err error) error {
	b.logger.WithError(err).Warn("CSV logger failure")
	b.emit(envelope.New(envelope.LoggerRequestID, envelope.CmdLoggerError).MarkErr(err))
	return err
}

// OpenLog starts appending to path and confirms with a CSV_LOGGER/SET_FILE_PATH envelope.
func (b *Bridge) OpenLog(path string) error {
	b.logMu.Lock()
	defer b.logMu.Unlock()

	if err := b.csv.Open(path); err != nil {
		return b.loggerError(err)
	}
	b.emit(envelope.New(envelope.LoggerRequestID, envelope.CmdLoggerSetFilePath).
		MustWithData(map[string]any{"path": path}))
	return nil
}

// AppendLog writes one line to the open file. Success is silent.
func (b *Bridge) AppendLog(line string) error {
	b.logMu.Lock()
	defer b.logMu.Unlock()

	if err := b.csv.AppendLine(line); err != nil {
		return b.loggerError(err)
	}
	return nil
}

// CloseLog closes the open file, if any.
func (b *Bridge) CloseLog() error {
	b.logMu.Lock()
	defer b.logMu.Unlock()

	if err := b.csv.Close(); err != nil {
		return b.loggerError(err)
	}
	return nil
}

// recordHeartRate mirrors a decoded sample into the open file when enabled.
func (b *Bridge) recordHeartRate(address string, m heartrate.Measurement) {
	if !b.opts.LogHeartRate {
		return
	}

	b.logMu.Lock()
	defer b.logMu.Unlock()

	if !b.csv.IsOpen() {
		return
	}
	rr := make([]string, len(m.RR))
	for i, d := range m.RR {
		rr[i] = strconv.FormatInt(d.Milliseconds(), 10)
	}
	if err := b.csv.AppendRecord(address, strconv.Itoa(int(m.BPM)), strings.Join(rr, " ")); err != nil {
		b.logger.WithError(err).Warn("Failed to record heart rate sample")
	}
}

// StartTrial opens Block_N/Trial_M.csv for participant and condition under the
// configured base path. The layout becomes current for CompleteTrial and TrialProgress.
func (b *Bridge) StartTrial(requestID, participant, condition string, block, trial int) error {
	if err := b.checkRequestID(requestID, envelope.CmdStartTrial); err != nil {
		return err
	}

	b.logMu.Lock()
	defer b.logMu.Unlock()

	reply := envelope.New(requestID, envelope.CmdStartTrial)
	t, err := csvlog.NewTrials(b.opts.CSVBasePath, participant, condition)
	if err != nil {
		return b.fail(reply, device.Wrap(device.InvalidRequest, err, "start trial"))
	}
	path, err := t.Begin(b.csv, block, trial)
	if err != nil {
		b.loggerError(err)
		return b.fail(reply, err)
	}
	b.trials = t

	b.emit(reply.MustWithData(map[string]any{
		"path":  path,
		"block": block,
		"trial": trial,
	}))

	b.logger.WithFields(logrus.Fields{
		"participant": participant,
		"condition":   condition,
		"block":       block,
		"trial":       trial,
	}).Info("Trial started")
	return nil
}

// CompleteTrial records trial as finished in progress.txt of the current layout.
func (b *Bridge) CompleteTrial(requestID string, trial int) error {
	if err := b.checkRequestID(requestID, envelope.CmdCompleteTrial); err != nil {
		return err
	}

	b.logMu.Lock()
	defer b.logMu.Unlock()

	reply := envelope.New(requestID, envelope.CmdCompleteTrial)
	if b.trials == nil {
		return b.fail(reply, device.Newf(device.InvalidRequest, "no trial started"))
	}
	if err := b.trials.Complete(trial); err != nil {
		return b.fail(reply, err)
	}

	b.emit(reply.MustWithData(map[string]any{
		"lastCompleted": trial,
		"nextTrial":     trial + 1,
	}))
	return nil
}

// TrialProgress reports the last completed trial of participant and condition, or
// of the current layout when both are empty.
func (b *Bridge) TrialProgress(requestID, participant, condition string) error {
	if err := b.checkRequestID(requestID, envelope.CmdTrialProgress); err != nil {
		return err
	}

	b.logMu.Lock()
	defer b.logMu.Unlock()

	reply := envelope.New(requestID, envelope.CmdTrialProgress)
	t := b.trials
	if participant != "" || condition != "" || t == nil {
		var err error
		if t, err = csvlog.NewTrials(b.opts.CSVBasePath, participant, condition); err != nil {
			return b.fail(reply, device.Wrap(device.InvalidRequest, err, "trial progress"))
		}
	}

	last, ok, err := t.LastCompleted()
	if err != nil {
		return b.fail(reply, err)
	}
	data := map[string]any{"lastCompleted": nil, "nextTrial": 0}
	if ok {
		data["lastCompleted"] = last
		data["nextTrial"] = last + 1
	}
	b.emit(reply.MustWithData(data))
	return nil
}
