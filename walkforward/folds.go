package walkforward

import (
	"fmt"
	"time"
)

// Mode selects how the in-sample window advances between folds.
type Mode string

const (
	ModeRolling  Mode = "rolling"
	ModeAnchored Mode = "anchored"
)

// maxFolds bounds fold generation against degenerate step sizes.
const maxFolds = 100

// Fold is one walk-forward window pair. Intervals are half-open [start, end);
// the OOS interval immediately follows the IS interval.
type Fold struct {
	Index    int       `json:"index"`
	ISStart  time.Time `json:"is_start"`
	ISEnd    time.Time `json:"is_end"`
	OOSStart time.Time `json:"oos_start"`
	OOSEnd   time.Time `json:"oos_end"`
}

// GenerateFolds produces the fold sequence for [start, end). Generation stops
// when the OOS window would extend past end.
func GenerateFolds(start, end time.Time, isDays, oosDays, stepDays int, mode Mode) ([]Fold, error) {
	if isDays <= 0 || oosDays <= 0 || stepDays <= 0 {
		return nil, fmt.Errorf("window sizes must be positive (is=%d oos=%d step=%d)", isDays, oosDays, stepDays)
	}
	if mode != ModeRolling && mode != ModeAnchored {
		return nil, fmt.Errorf("invalid walk-forward mode %q", mode)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end %s not after start %s", end, start)
	}

	var folds []Fold
	cursor := start
	for len(folds) < maxFolds {
		isStart := cursor
		if mode == ModeAnchored {
			isStart = start
		}
		isEnd := cursor.AddDate(0, 0, isDays)
		oosEnd := isEnd.AddDate(0, 0, oosDays)
		if oosEnd.After(end) {
			break
		}
		folds = append(folds, Fold{
			Index:    len(folds),
			ISStart:  isStart,
			ISEnd:    isEnd,
			OOSStart: isEnd,
			OOSEnd:   oosEnd,
		})
		cursor = cursor.AddDate(0, 0, stepDays)
	}
	return folds, nil
}
