package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CompareResult is the structured outcome of comparing two run directories.
type CompareResult struct {
	Equal          bool     `json:"equal"`
	PlayIDMismatch bool     `json:"play_id_mismatch"`
	Mismatches     []string `json:"mismatches,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`

	A ResultDoc `json:"a"`
	B ResultDoc `json:"b"`
}

// LoadResult reads a run directory's result.json.
func LoadResult(runDir string) (ResultDoc, error) {
	var doc ResultDoc
	data, err := os.ReadFile(filepath.Join(runDir, "result.json"))
	if err != nil {
		return doc, fmt.Errorf("artifacts: read result.json in %s: %w", runDir, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("artifacts: parse result.json in %s: %w", runDir, err)
	}
	return doc, nil
}

// CompareRuns loads both runs' result.json and checks the four content
// hashes for equality. A differing play_id is a warning, not a failure: the
// caller may be comparing renamed copies of the same strategy.
func CompareRuns(dirA, dirB string) (CompareResult, error) {
	a, err := LoadResult(dirA)
	if err != nil {
		return CompareResult{}, err
	}
	b, err := LoadResult(dirB)
	if err != nil {
		return CompareResult{}, err
	}

	res := CompareResult{A: a, B: b, Equal: true}
	if a.PlayID != b.PlayID {
		res.PlayIDMismatch = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("play_id differs: %q vs %q", a.PlayID, b.PlayID))
	}

	check := func(name, va, vb string) {
		if va != vb {
			res.Equal = false
			res.Mismatches = append(res.Mismatches, fmt.Sprintf("%s differs: %s vs %s", name, va, vb))
		}
	}
	check("play_hash", a.PlayHash, b.PlayHash)
	check("trades_hash", a.TradesHash, b.TradesHash)
	check("equity_hash", a.EquityHash, b.EquityHash)
	check("run_hash", a.RunHash, b.RunHash)
	return res, nil
}
