package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for runs, metrics, the model
// registry, the dataset registry, and settings.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new training run record
func (s *Store) CreateRun(run *domain.Run) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO training_runs (id, model_name, base_model, dataset_name, dataset_path, output_path, status, started_at, config, total_steps, checkpoint_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.ModelName,
		run.BaseModel,
		run.DatasetName,
		run.DatasetPath,
		run.OutputPath,
		string(run.Status),
		run.StartedAt,
		string(configJSON),
		run.TotalSteps,
		nullString(run.CheckpointPath),
		run.CreatedAt,
	)
	return err
}

// RunUpdate carries the fields a worker may change after creation.
// Nil fields are left untouched.
type RunUpdate struct {
	Status         *domain.RunStatus
	CompletedAt    *time.Time
	FinalLoss      *float64
	TotalSteps     *int
	CheckpointPath *string
	ErrorMessage   *string
}

// UpdateRun applies a partial update to a run record
func (s *Store) UpdateRun(id string, u RunUpdate) error {
	query := "UPDATE training_runs SET "
	var sets []string
	var args []interface{}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *u.CompletedAt)
	}
	if u.FinalLoss != nil {
		sets = append(sets, "final_loss = ?")
		args = append(args, *u.FinalLoss)
	}
	if u.TotalSteps != nil {
		sets = append(sets, "total_steps = ?")
		args = append(args, *u.TotalSteps)
	}
	if u.CheckpointPath != nil {
		sets = append(sets, "checkpoint_path = ?")
		args = append(args, *u.CheckpointPath)
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *u.ErrorMessage)
	}

	if len(sets) == 0 {
		return nil
	}

	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	args = append(args, id)

	_, err := s.db.Exec(query, args...)
	return err
}

// GetRun retrieves a training run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`
		SELECT id, model_name, base_model, dataset_name, dataset_path, output_path, status, started_at, completed_at, config, final_loss, total_steps, checkpoint_path, error_message, created_at
		FROM training_runs WHERE id = ?
	`, id)

	return scanRun(row)
}

// ListRuns returns the most recent training runs
func (s *Store) ListRuns(limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, model_name, base_model, dataset_name, dataset_path, output_path, status, started_at, completed_at, config, final_loss, total_steps, checkpoint_path, error_message, created_at
		FROM training_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// MarkInterruptedRuns fails any run still marked running. Called at
// startup so no run outlives the worker that owned it.
func (s *Store) MarkInterruptedRuns() (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		UPDATE training_runs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE status = ?
	`, string(domain.RunFailed), "interrupted: orchestrator restarted", now, string(domain.RunRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddMetric appends a training metric sample
func (s *Store) AddMetric(m *domain.Metric) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO training_metrics (run_id, step, loss, learning_rate, epoch, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.RunID, m.Step, nullFloat(m.Loss), nullFloat(m.LearningRate), nullFloat(m.Epoch), m.Timestamp)
	return err
}

// ListMetrics returns all metric samples for a run, ordered by step
func (s *Store) ListMetrics(runID string) ([]*domain.Metric, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, step, loss, learning_rate, epoch, timestamp
		FROM training_metrics
		WHERE run_id = ?
		ORDER BY step ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []*domain.Metric
	for rows.Next() {
		var m domain.Metric
		var loss, lr, epoch sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.RunID, &m.Step, &loss, &lr, &epoch, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Loss = floatPtr(loss)
		m.LearningRate = floatPtr(lr)
		m.Epoch = floatPtr(epoch)
		metrics = append(metrics, &m)
	}

	return metrics, rows.Err()
}

// AddModel registers a fine-tuned model artifact
func (s *Store) AddModel(m *domain.Model) error {
	var metaJSON interface{}
	if m.Metadata != nil {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return err
		}
		metaJSON = string(data)
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO models (name, path, base_model, size_bytes, training_run_id, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.Name, m.Path, m.BaseModel, m.SizeBytes, nullString(m.RunID), m.CreatedAt, metaJSON)
	return err
}

// GetModel retrieves a model by name
func (s *Store) GetModel(name string) (*domain.Model, error) {
	row := s.db.QueryRow(`
		SELECT id, name, path, base_model, size_bytes, training_run_id, created_at, metadata
		FROM models WHERE name = ?
	`, name)

	var m domain.Model
	var sizeBytes sql.NullInt64
	var runID, metaJSON sql.NullString
	err := row.Scan(&m.ID, &m.Name, &m.Path, &m.BaseModel, &sizeBytes, &runID, &m.CreatedAt, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.SizeBytes = sizeBytes.Int64
	m.RunID = runID.String
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// ListModels returns all registered models, newest first
func (s *Store) ListModels() ([]*domain.Model, error) {
	rows, err := s.db.Query(`
		SELECT id, name, path, base_model, size_bytes, training_run_id, created_at, metadata
		FROM models ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*domain.Model
	for rows.Next() {
		var m domain.Model
		var sizeBytes sql.NullInt64
		var runID, metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.Name, &m.Path, &m.BaseModel, &sizeBytes, &runID, &m.CreatedAt, &metaJSON); err != nil {
			return nil, err
		}
		m.SizeBytes = sizeBytes.Int64
		m.RunID = runID.String
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				return nil, err
			}
		}
		models = append(models, &m)
	}

	return models, rows.Err()
}

// DeleteModel removes a model from the registry
func (s *Store) DeleteModel(name string) error {
	_, err := s.db.Exec(`DELETE FROM models WHERE name = ?`, name)
	return err
}

// UpsertDataset inserts or replaces a dataset registry row
func (s *Store) UpsertDataset(d *domain.Dataset) error {
	var fieldsJSON interface{}
	if d.Fields != nil {
		data, err := json.Marshal(d.Fields)
		if err != nil {
			return err
		}
		fieldsJSON = string(data)
	}

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO datasets (name, path, size_bytes, row_count, source, fields, validated, validation_errors, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			row_count = excluded.row_count,
			source = excluded.source,
			fields = excluded.fields,
			validated = excluded.validated,
			validation_errors = excluded.validation_errors
	`,
		d.Name,
		d.Path,
		d.SizeBytes,
		nullInt(d.RowCount),
		d.Source,
		fieldsJSON,
		d.Validated,
		nullString(d.ValidationErrors),
		d.CreatedAt,
	)
	return err
}

// GetDataset retrieves a dataset by name
func (s *Store) GetDataset(name string) (*domain.Dataset, error) {
	row := s.db.QueryRow(`
		SELECT id, name, path, size_bytes, row_count, source, fields, validated, validation_errors, created_at
		FROM datasets WHERE name = ?
	`, name)

	return scanDataset(row)
}

// ListDatasets returns all registered datasets, newest first
func (s *Store) ListDatasets() ([]*domain.Dataset, error) {
	rows, err := s.db.Query(`
		SELECT id, name, path, size_bytes, row_count, source, fields, validated, validation_errors, created_at
		FROM datasets ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var datasets []*domain.Dataset
	for rows.Next() {
		var d domain.Dataset
		var rowCount sql.NullInt64
		var source, fieldsJSON, valErrs sql.NullString
		if err := rows.Scan(&d.ID, &d.Name, &d.Path, &d.SizeBytes, &rowCount, &source, &fieldsJSON, &d.Validated, &valErrs, &d.CreatedAt); err != nil {
			return nil, err
		}
		fillDataset(&d, rowCount, source, fieldsJSON, valErrs)
		datasets = append(datasets, &d)
	}

	return datasets, rows.Err()
}

// SetSetting stores a key/value setting
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	return err
}

// GetSetting returns a setting value, or "" when unset
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// DeleteSetting removes a setting
func (s *Store) DeleteSetting(key string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
	return err
}

func scanRun(row *sql.Row) (*domain.Run, error) {
	var run domain.Run
	var status, configJSON string
	var completedAt sql.NullTime
	var finalLoss sql.NullFloat64
	var checkpointPath, errorMessage sql.NullString

	err := row.Scan(&run.ID, &run.ModelName, &run.BaseModel, &run.DatasetName, &run.DatasetPath, &run.OutputPath, &status, &run.StartedAt, &completedAt, &configJSON, &finalLoss, &run.TotalSteps, &checkpointPath, &errorMessage, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fillRun(&run, status, configJSON, completedAt, finalLoss, checkpointPath, errorMessage)
	return &run, nil
}

func scanRunRows(rows *sql.Rows) (*domain.Run, error) {
	var run domain.Run
	var status, configJSON string
	var completedAt sql.NullTime
	var finalLoss sql.NullFloat64
	var checkpointPath, errorMessage sql.NullString

	err := rows.Scan(&run.ID, &run.ModelName, &run.BaseModel, &run.DatasetName, &run.DatasetPath, &run.OutputPath, &status, &run.StartedAt, &completedAt, &configJSON, &finalLoss, &run.TotalSteps, &checkpointPath, &errorMessage, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	fillRun(&run, status, configJSON, completedAt, finalLoss, checkpointPath, errorMessage)
	return &run, nil
}

func fillRun(run *domain.Run, status, configJSON string, completedAt sql.NullTime, finalLoss sql.NullFloat64, checkpointPath, errorMessage sql.NullString) {
	run.Status = domain.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.FinalLoss = floatPtr(finalLoss)
	if checkpointPath.Valid {
		run.CheckpointPath = checkpointPath.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	// Config is best effort: a run row is still useful if an old
	// config shape no longer unmarshals.
	_ = json.Unmarshal([]byte(configJSON), &run.Config)
}

func scanDataset(row *sql.Row) (*domain.Dataset, error) {
	var d domain.Dataset
	var rowCount sql.NullInt64
	var source, fieldsJSON, valErrs sql.NullString

	err := row.Scan(&d.ID, &d.Name, &d.Path, &d.SizeBytes, &rowCount, &source, &fieldsJSON, &d.Validated, &valErrs, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fillDataset(&d, rowCount, source, fieldsJSON, valErrs)
	return &d, nil
}

func fillDataset(d *domain.Dataset, rowCount sql.NullInt64, source, fieldsJSON, valErrs sql.NullString) {
	if rowCount.Valid {
		n := int(rowCount.Int64)
		d.RowCount = &n
	}
	if source.Valid {
		d.Source = source.String
	}
	if valErrs.Valid {
		d.ValidationErrors = valErrs.String
	}
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		_ = json.Unmarshal([]byte(fieldsJSON.String), &d.Fields)
	}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(n *int) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
