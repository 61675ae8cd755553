package intervention

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// FeedbackHeader is the first row of the feedback log.
var FeedbackHeader = []string{"timestamp", "interventionId", "rating", "comment"}

// FeedbackLog is an append-only CSV file of user feedback.
type FeedbackLog struct {
	path string
	mu   sync.Mutex
}

// NewFeedbackLog returns a log writing to path. The file is created on the
// first append.
func NewFeedbackLog(path string) *FeedbackLog {
	return &FeedbackLog{path: path}
}

// Path returns the file location.
func (l *FeedbackLog) Path() string {
	return l.path
}

// Append writes one row, preceded by the header if the file is empty.
func (l *FeedbackLog) Append(fb Feedback) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create feedback dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open feedback log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat feedback log: %w", err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		w.Write(FeedbackHeader)
	}
	w.Write([]string{
		fb.Timestamp.Format(time.RFC3339),
		fb.InterventionID,
		strconv.Itoa(fb.Rating),
		fb.Comment,
	})
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write feedback log: %w", err)
	}
	return nil
}

// ReadFeedbackLog parses a feedback log. A missing file is empty.
func ReadFeedbackLog(path string) ([]Feedback, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(FeedbackHeader)

	var out []Feedback
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read feedback log: %w", err)
		}
		if line == 1 && rec[0] == FeedbackHeader[0] {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return out, fmt.Errorf("feedback log line %d: %w", line, err)
		}
		rating, err := strconv.Atoi(rec[2])
		if err != nil {
			return out, fmt.Errorf("feedback log line %d: %w", line, err)
		}
		out = append(out, Feedback{
			Timestamp:      ts,
			InterventionID: rec[1],
			Rating:         rating,
			Comment:        rec[3],
			Helpful:        rating >= HelpfulRating,
		})
	}
}
