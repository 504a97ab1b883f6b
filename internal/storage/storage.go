package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for jobs, bursts and per-frame
// alignment outcomes.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open("sqlite", path)
}

// Open opens the database with a database/sql driver name: "sqlite"
// (modernc.org/sqlite) or "sqlite3" (github.com/mattn/go-sqlite3, cgo).
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "", "sqlite":
		driver = "sqlite"
	case "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; pipeline workers share this handle.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS image_groups (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            group_type TEXT,
            detection_method TEXT,
            base_path TEXT,
            image_count INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_alignments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            frame_name TEXT,
            outcome TEXT NOT NULL,
            matches INTEGER,
            inliers INTEGER,
            reason TEXT,
            homography_json TEXT,
            residual_mean REAL,
            duration_ms INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_alignments_job ON frame_alignments(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ImageGroupRecord captures persisted grouping info.
type ImageGroupRecord struct {
	JobID           string
	GroupType       string
	DetectionMethod string
	BasePath        string
	ImageCount      int
}

// FrameAlignmentRecord is one frame's alignment outcome within a job.
type FrameAlignmentRecord struct {
	JobID        string     `json:"job_id"`
	FrameIndex   int        `json:"frame_index"`
	FrameName    string     `json:"frame_name"`
	Outcome      string     `json:"outcome"` // aligned|fallback
	Matches      int        `json:"matches"`
	Inliers      int        `json:"inliers"`
	Reason       string     `json:"reason,omitempty"`
	Homography   [9]float64 `json:"homography"`
	ResidualMean float64    `json:"residual_mean"`
	DurationMS   int64      `json:"duration_ms"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

const jobColumns = `id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (JobRecord, error) {
	var rec JobRecord
	var input, output, opts, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &opts, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.InputPath, rec.OutputPath, rec.OptionsJSON, rec.Error = input.String, output.String, opts.String, errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job. A missing job yields sql.ErrNoRows.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	return scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordGroup persists a discovered burst.
func (s *Store) RecordGroup(rec ImageGroupRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO image_groups (job_id, group_type, detection_method, base_path, image_count) VALUES (?, ?, ?, ?, ?);`,
		rec.JobID, rec.GroupType, rec.DetectionMethod, rec.BasePath, rec.ImageCount)
	return err
}

// RecordFrameAlignments stores the per-frame outcomes of one job in a
// single transaction.
func (s *Store) RecordFrameAlignments(recs []FrameAlignmentRecord) error {
	if s == nil || len(recs) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`INSERT INTO frame_alignments (job_id, frame_index, frame_name, outcome, matches, inliers, reason, homography_json, residual_mean, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		h, _ := json.Marshal(r.Homography)
		if _, err := stmt.Exec(r.JobID, r.FrameIndex, r.FrameName, r.Outcome, r.Matches, r.Inliers, r.Reason, string(h), r.ResidualMean, r.DurationMS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FrameAlignments lists a job's per-frame outcomes by frame index.
func (s *Store) FrameAlignments(jobID string) ([]FrameAlignmentRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, frame_index, frame_name, outcome, matches, inliers, reason, homography_json, residual_mean, duration_ms FROM frame_alignments WHERE job_id=? ORDER BY frame_index;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameAlignmentRecord
	for rows.Next() {
		var r FrameAlignmentRecord
		var name, reason, h sql.NullString
		if err := rows.Scan(&r.JobID, &r.FrameIndex, &name, &r.Outcome, &r.Matches, &r.Inliers, &reason, &h, &r.ResidualMean, &r.DurationMS); err != nil {
			return nil, err
		}
		r.FrameName, r.Reason = name.String, reason.String
		if h.Valid && h.String != "" {
			if err := json.Unmarshal([]byte(h.String), &r.Homography); err != nil {
				return nil, fmt.Errorf("frame %d homography: %w", r.FrameIndex, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
