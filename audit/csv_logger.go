// Package audit appends every received signal to a flat CSV file, the
// operator's greppable last line of defense when the database and the
// dashboards disagree.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"kabuto-relay/database"
)

// header is the fixed 15-column schema. Existing files are appended to
// as-is; the header is written only on creation.
var header = []string{
	"timestamp",
	"signal_id",
	"action",
	"ticker",
	"quantity",
	"price",
	"entry_price",
	"stop_loss",
	"take_profit",
	"atr",
	"rr_ratio",
	"rsi",
	"checksum",
	"state",
	"source_ip",
}

const stateColumn = 13

// CSVLogger writes the signal audit trail. All methods are safe for
// concurrent use; writes are serialized by a mutex since the file is
// append-mostly and contention is a few rows per minute.
type CSVLogger struct {
	path string
	loc  *time.Location
	mu   sync.Mutex
}

// NewCSVLogger opens (or creates) the audit file at path. Timestamps
// are written in the exchange timezone.
func NewCSVLogger(path string, loc *time.Location) (*CSVLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("NewCSVLogger: %w", err)
	}

	l := &CSVLogger{path: path, loc: loc}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("NewCSVLogger: %w", err)
		}
		w := csv.NewWriter(f)
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("NewCSVLogger: %w", err)
		}
		w.Flush()
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("NewCSVLogger: %w", err)
		}
		log.Info().Str("path", path).Msg("CSV audit log initialized")
	}
	return l, nil
}

// Path returns the audit file location.
func (l *CSVLogger) Path() string {
	return l.path
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

// LogSignal appends one row for a received signal. Failures are logged
// and swallowed: the audit trail must never block ingress.
func (l *CSVLogger) LogSignal(signal *database.Signal, sourceIP string, now time.Time) {
	row := []string{
		now.In(l.loc).Format("2006-01-02 15:04:05"),
		signal.SignalID,
		signal.Action,
		signal.Ticker,
		strconv.Itoa(signal.Quantity),
		signal.Price,
		strconv.FormatFloat(signal.EntryPrice, 'f', -1, 64),
		formatFloat(signal.StopLoss),
		formatFloat(signal.TakeProfit),
		formatFloat(signal.ATR),
		formatFloat(signal.RRRatio),
		formatFloat(signal.RSI),
		signal.Checksum,
		signal.State,
		sourceIP,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Msg("CSV audit append failed")
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(row); err != nil {
		log.Error().Err(err).Msg("CSV audit write failed")
		return
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Error().Err(err).Msg("CSV audit flush failed")
	}
}

// UpdateSignalState rewrites the state column of the row for
// signalID. Reads and rewrites the whole file under the lock; fine at
// audit-trail volumes.
func (l *CSVLogger) UpdateSignalState(signalID, newState string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		log.Error().Err(err).Msg("CSV audit read failed")
		return
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	f.Close()
	if err != nil {
		log.Error().Err(err).Msg("CSV audit parse failed")
		return
	}

	updated := false
	for i, row := range rows {
		if i == 0 || len(row) <= stateColumn {
			continue
		}
		if row[1] == signalID {
			row[stateColumn] = newState
			updated = true
			break
		}
	}
	if !updated {
		return
	}

	tmp := l.path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		log.Error().Err(err).Msg("CSV audit rewrite failed")
		return
	}
	w := csv.NewWriter(out)
	if err := w.WriteAll(rows); err != nil {
		out.Close()
		log.Error().Err(err).Msg("CSV audit rewrite failed")
		return
	}
	if err := out.Close(); err != nil {
		log.Error().Err(err).Msg("CSV audit rewrite failed")
		return
	}
	if err := os.Rename(tmp, l.path); err != nil {
		log.Error().Err(err).Msg("CSV audit rewrite failed")
	}
}
