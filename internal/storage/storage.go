// Package storage archives finished runs on local disk: one directory
// per (org, task) holding the structured record and the agent
// transcript. The archive is an audit trail, not the source of truth;
// the task store in Redis stays authoritative.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

type Archive struct {
	dataDir string
}

// RunRecord is one archived attempt outcome. Transcript is stored as a
// sibling text file, not inside the JSON record.
type RunRecord struct {
	TaskID       string    `json:"task_id"`
	Provider     string    `json:"provider"`
	Org          string    `json:"org"`
	Repo         string    `json:"repo,omitempty"`
	Command      string    `json:"command"`
	Status       string    `json:"status"`
	Summary      string    `json:"summary,omitempty"`
	FailureClass string    `json:"failure_class,omitempty"`
	Diagnostic   string    `json:"diagnostic,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
	Attempt      int       `json:"attempt"`
	EndedAt      time.Time `json:"ended_at"`
	Transcript   string    `json:"-"`
}

var (
	ErrInvalidOrg    = errors.New("invalid org name")
	ErrInvalidTaskID = errors.New("invalid task id")

	// Orgs are provider account slugs and task ids are ULIDs; both fit
	// a single filename-safe alphabet, so no encoding layer is needed.
	namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
)

func New(dataDir string) *Archive {
	return &Archive{dataDir: dataDir}
}

func (a *Archive) runsDir() string {
	return filepath.Join(a.dataDir, "runs")
}

// SaveRun writes the record and transcript for a finished task,
// overwriting any earlier attempt's archive for the same id.
func (a *Archive) SaveRun(rec *RunRecord) error {
	if err := validateName(rec.Org, ErrInvalidOrg); err != nil {
		return err
	}
	if err := validateName(rec.TaskID, ErrInvalidTaskID); err != nil {
		return err
	}

	dir := filepath.Join(a.runsDir(), rec.Org, rec.TaskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "record.json"), data, 0600); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "transcript.txt"), []byte(rec.Transcript), 0600)
}

// GetRun loads an archived record. A missing transcript file is not an
// error; the record is returned without one.
func (a *Archive) GetRun(org, taskID string) (*RunRecord, error) {
	if err := validateName(org, ErrInvalidOrg); err != nil {
		return nil, err
	}
	if err := validateName(taskID, ErrInvalidTaskID); err != nil {
		return nil, err
	}

	relDir := filepath.Join(org, taskID)
	data, err := readFileUnder(a.runsDir(), filepath.Join(relDir, "record.json"))
	if err != nil {
		return nil, err
	}

	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if transcript, err := readFileUnder(a.runsDir(), filepath.Join(relDir, "transcript.txt")); err == nil {
		rec.Transcript = string(transcript)
	}
	return &rec, nil
}

func validateName(name string, invalid error) error {
	if name == "" || len(name) > 255 || !namePattern.MatchString(name) {
		return invalid
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// readFileUnder confines reads to baseDir even if a caller-supplied
// component slips past validation.
func readFileUnder(baseDir, fileName string) ([]byte, error) {
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	return root.ReadFile(fileName)
}
