// journal/csv.go
package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type CSVJournal struct {
	signals *csv.Writer
	auth    *csv.Writer
	closes  *csv.Writer
	skips   *csv.Writer
	files   []*os.File
}

// NewCSV writes signals.csv, auth.csv, closes.csv and skips.csv under dir.
func NewCSV(dir string) (*CSVJournal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	j := &CSVJournal{}

	open := func(name string, header []string) (*csv.Writer, error) {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		j.files = append(j.files, f)
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			return nil, err
		}
		w.Flush()
		return w, w.Error()
	}

	var err error
	if j.signals, err = open("signals.csv", []string{"time", "wallet", "token", "direction", "outcome", "reason", "strategy", "confidence", "position_id"}); err != nil {
		return nil, err
	}
	if j.auth, err = open("auth.csv", []string{"time", "strategy", "token", "requested", "granted", "allowed", "reason"}); err != nil {
		return nil, err
	}
	if j.closes, err = open("closes.csv", []string{"time", "position_id", "strategy", "wallet", "token", "reason", "partial", "realized_pl"}); err != nil {
		return nil, err
	}
	if j.skips, err = open("skips.csv", []string{"time", "job"}); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *CSVJournal) RecordSignal(r SignalRecord) error {
	err := j.signals.Write([]string{
		r.Time.Format(time.RFC3339),
		r.Wallet,
		r.Token,
		r.Direction,
		r.Outcome,
		r.Reason,
		r.Strategy,
		f(r.Confidence),
		r.PositionID,
	})
	if err != nil {
		return err
	}
	j.signals.Flush()
	return j.signals.Error()
}

func (j *CSVJournal) RecordAuth(r AuthRecord) error {
	err := j.auth.Write([]string{
		r.Time.Format(time.RFC3339),
		r.Strategy,
		r.Token,
		f(r.Requested),
		f(r.Granted),
		strconv.FormatBool(r.Allowed),
		r.Reason,
	})
	if err != nil {
		return err
	}
	j.auth.Flush()
	return j.auth.Error()
}

func (j *CSVJournal) RecordClose(r CloseRecord) error {
	err := j.closes.Write([]string{
		r.Time.Format(time.RFC3339),
		r.PositionID,
		r.Strategy,
		r.Wallet,
		r.Token,
		r.Reason,
		strconv.FormatBool(r.Partial),
		f(r.RealizedPL),
	})
	if err != nil {
		return err
	}
	j.closes.Flush()
	return j.closes.Error()
}

func (j *CSVJournal) RecordSkip(r SkipRecord) error {
	err := j.skips.Write([]string{r.Time.Format(time.RFC3339), r.Job})
	if err != nil {
		return err
	}
	j.skips.Flush()
	return j.skips.Error()
}

func (j *CSVJournal) Close() error {
	for _, w := range []*csv.Writer{j.signals, j.auth, j.closes, j.skips} {
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
	}
	for _, f := range j.files {
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}
