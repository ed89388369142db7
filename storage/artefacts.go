package storage

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ARTEFACTS - Atomic JSON/CSV writers and the run directory layout
// ═══════════════════════════════════════════════════════════════════════════════
//
// All writes go through a temp file in the destination directory followed by
// rename. A reader never observes a partially written artefact; on failure
// the temp file is unlinked.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Layout resolves artefact paths under one data directory.
type Layout struct {
	BaseDir string
}

func NewLayout(baseDir string) Layout { return Layout{BaseDir: baseDir} }

func (l Layout) RunDir(runID string) string { return filepath.Join(l.BaseDir, "runs", runID) }
func (l Layout) SweepDir(sweepID string) string {
	return filepath.Join(l.BaseDir, "sweeps", sweepID)
}
func (l Layout) SweepComboPath(sweepID, comboID string) string {
	return filepath.Join(l.SweepDir(sweepID), "combos", comboID+".json")
}
func (l Layout) WalkForwardDir(runID string) string {
	return filepath.Join(l.BaseDir, "optimization", "walk_forward", runID)
}
func (l Layout) ProposalPath(proposalID string) string {
	return filepath.Join(l.BaseDir, "proposals", proposalID+".json")
}
func (l Layout) AllowlistPath() string { return filepath.Join(l.BaseDir, "allowlist.json") }

// LedgerDir is the live-session run directory. Ledger artefacts share the
// runs/ root with backtest artefacts, keyed by session id.
func (l Layout) LedgerDir(sessionID string) string { return l.RunDir(sessionID) }
func (l Layout) KillSwitchPath() string {
	return filepath.Join(l.BaseDir, "execution", "kill_switch_state.json")
}

// WriteJSONAtomic marshals v with indentation and renames it into place.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return writeAtomic(path, data)
}

// ReadJSON unmarshals the file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// WriteCSVAtomic writes header + rows as a CSV file, atomically.
func WriteCSVAtomic(path string, header []string, rows [][]string) error {
	tmp, err := tempFor(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(tmp)
	writeErr := w.Write(header)
	for _, row := range rows {
		if writeErr != nil {
			break
		}
		writeErr = w.Write(row)
	}
	w.Flush()
	if writeErr == nil {
		writeErr = w.Error()
	}
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, writeErr)
	}
	return os.Rename(tmp.Name(), path)
}

// AppendJSONL appends one JSON-encoded line to path, creating it if needed.
// Append is the one write that bypasses temp+rename: the file is append-only
// and partial trailing lines are tolerated by ReadJSONL.
func AppendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(append(data, '\n'))
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	return writeErr
}

// ReadJSONL decodes each line of path into a fresh T, skipping lines that do
// not parse. Returns the decoded values and the count of skipped lines.
func ReadJSONL[T any](path string) ([]T, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var out []T
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			skipped++
			continue
		}
		out = append(out, v)
	}
	return out, skipped, scanner.Err()
}

func tempFor(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	// Same directory so the final rename stays on one filesystem.
	return os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
}

func writeAtomic(path string, data []byte) error {
	tmp, err := tempFor(path)
	if err != nil {
		return err
	}
	_, writeErr := tmp.Write(data)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, writeErr)
	}
	return os.Rename(tmp.Name(), path)
}
