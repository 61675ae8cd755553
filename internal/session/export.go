package session

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"stressd/internal/keystroke"
)

// CSVHeader is the first row of every session export file.
var CSVHeader = []string{
	"timestamp", "type", "key", "is_backspace",
	"compile_success", "error_count", "warning_count", "error_type", "language",
}

// TimestampLayout is the timestamp format used in export rows.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ExportFileName returns the export file name for a session that ended at t.
func ExportFileName(t time.Time) string {
	return "session_" + t.Format("20060102_150405") + ".csv"
}

// AppendCSV appends the snapshot's events to path, writing the header first
// when the file is new or empty.
func (s Snapshot) AppendCSV(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat export: %w", err)
	}
	if err := s.WriteCSV(f, info.Size() == 0); err != nil {
		return err
	}
	return f.Sync()
}

// WriteCSV writes one row per keystroke and per compile, in time order.
func (s Snapshot) WriteCSV(w io.Writer, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(CSVHeader); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, row := range s.rows() {
		if err := cw.Write(row.fields); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

type exportRow struct {
	at     time.Time
	fields []string
}

func (s Snapshot) rows() []exportRow {
	rows := make([]exportRow, 0, len(s.Keystrokes)+len(s.Compiles))
	for _, k := range s.Keystrokes {
		rows = append(rows, exportRow{at: k.Timestamp, fields: keystrokeRow(k)})
	}
	for _, c := range s.Compiles {
		rows = append(rows, exportRow{at: c.Timestamp, fields: compileRow(c)})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })
	return rows
}

func keystrokeRow(k keystroke.KeystrokeEvent) []string {
	key := ""
	if !k.IsBackspace && k.Char != 0 {
		key = string(k.Char)
	}
	return []string{
		k.Timestamp.Format(TimestampLayout), "keystroke", key, boolField(k.IsBackspace),
		"", "", "", "", "",
	}
}

func compileRow(c keystroke.CompileEvent) []string {
	return []string{
		c.Timestamp.Format(TimestampLayout), "compile", "", "",
		boolField(c.Success),
		strconv.Itoa(c.ErrorCount),
		strconv.Itoa(c.WarningCount),
		strconv.Itoa(int(c.ErrorKind)),
		strconv.Itoa(int(c.Language)),
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
