package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/maneesh/vidstream/internal/apperr"
	"github.com/maneesh/vidstream/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const videoColumns = `id, tenant_id, owner_id, filename, original_filename, size, mime_type, extension,
	storage_path, checksum, duration, width, height, frame_rate, processing_status,
	processing_progress, processing_error, processing_started_at, sensitivity_status,
	sensitivity_score, sensitivity_reason, sensitivity_flags, is_public, views, tags,
	description, created_at, updated_at`

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id VARCHAR(64) PRIMARY KEY,
		used_storage_gb DOUBLE NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS videos (
		id VARCHAR(36) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		owner_id VARCHAR(64) NOT NULL,
		filename VARCHAR(255) NOT NULL,
		original_filename VARCHAR(255) NOT NULL,
		size BIGINT NOT NULL,
		mime_type VARCHAR(128) NOT NULL,
		extension VARCHAR(32) NOT NULL,
		storage_path VARCHAR(512) NOT NULL,
		checksum VARCHAR(64) NOT NULL,
		duration DOUBLE NULL,
		width INT NULL,
		height INT NULL,
		frame_rate DOUBLE NULL,
		processing_status VARCHAR(16) NOT NULL,
		processing_progress INT NOT NULL DEFAULT 0,
		processing_error TEXT NOT NULL,
		processing_started_at DATETIME(6) NULL,
		sensitivity_status VARCHAR(16) NOT NULL,
		sensitivity_score INT NULL,
		sensitivity_reason VARCHAR(255) NULL,
		sensitivity_flags TEXT NULL,
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		views BIGINT NOT NULL DEFAULT 0,
		tags TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		INDEX idx_videos_tenant (tenant_id, created_at),
		INDEX idx_videos_processing (processing_status, processing_started_at)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		used_storage_gb DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS videos (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		size BIGINT NOT NULL,
		mime_type TEXT NOT NULL,
		extension TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		checksum TEXT NOT NULL,
		duration DOUBLE PRECISION,
		width INTEGER,
		height INTEGER,
		frame_rate DOUBLE PRECISION,
		processing_status TEXT NOT NULL,
		processing_progress INTEGER NOT NULL DEFAULT 0,
		processing_error TEXT NOT NULL,
		processing_started_at TIMESTAMP WITH TIME ZONE,
		sensitivity_status TEXT NOT NULL,
		sensitivity_score INTEGER,
		sensitivity_reason TEXT,
		sensitivity_flags TEXT,
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		views BIGINT NOT NULL DEFAULT 0,
		tags TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_videos_tenant ON videos (tenant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_videos_processing ON videos (processing_status, processing_started_at)`,
}

// SQLStore implements VideoStore over MySQL/TiDB or Postgres
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens and pings a database. driver is "mysql" or "postgres".
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return NewSQLStoreFromDB(db, driver), nil
}

// NewSQLStoreFromDB wraps an existing handle
func NewSQLStoreFromDB(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the tables if they don't exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	stmts := mysqlSchema
	if s.dialect == "postgres" {
		stmts = postgresSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// usageUpsert adds a GiB delta to the tenant counter, clamped at zero. The
// postgres parameters are cast so they aren't inferred as integer from the 0.
func (s *SQLStore) usageUpsert() string {
	if s.dialect == "postgres" {
		return `INSERT INTO tenants (id, used_storage_gb) VALUES ($1, GREATEST(CAST($2 AS DOUBLE PRECISION), 0))
			ON CONFLICT (id) DO UPDATE SET used_storage_gb = GREATEST(tenants.used_storage_gb + CAST($3 AS DOUBLE PRECISION), 0)`
	}
	return `INSERT INTO tenants (id, used_storage_gb) VALUES (?, GREATEST(?, 0))
		ON DUPLICATE KEY UPDATE used_storage_gb = GREATEST(used_storage_gb + ?, 0)`
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVideo(row rowScanner) (*models.Video, error) {
	var (
		v           models.Video
		duration    sql.NullFloat64
		width       sql.NullInt64
		height      sql.NullInt64
		frameRate   sql.NullFloat64
		startedAt   sql.NullTime
		score       sql.NullInt64
		reason      sql.NullString
		flags       sql.NullString
		tags        string
		processing  string
		sensitivity string
	)

	err := row.Scan(
		&v.ID, &v.TenantID, &v.OwnerID, &v.Filename, &v.OriginalFilename, &v.Size, &v.MimeType, &v.Extension,
		&v.StoragePath, &v.Checksum, &duration, &width, &height, &frameRate, &processing,
		&v.ProcessingProgress, &v.ProcessingError, &startedAt, &sensitivity,
		&score, &reason, &flags, &v.IsPublic, &v.Views, &tags,
		&v.Description, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	v.ProcessingStatus = models.ProcessingStatus(processing)
	v.SensitivityStatus = models.SensitivityStatus(sensitivity)
	if duration.Valid {
		v.Duration = &duration.Float64
	}
	if width.Valid {
		w := int(width.Int64)
		v.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		v.Height = &h
	}
	if frameRate.Valid {
		v.FrameRate = &frameRate.Float64
	}
	if startedAt.Valid {
		v.ProcessingStartedAt = &startedAt.Time
	}
	if score.Valid {
		details := &models.SensitivityDetails{Score: int(score.Int64), Reason: reason.String}
		if flags.Valid && flags.String != "" {
			if err := json.Unmarshal([]byte(flags.String), &details.Flags); err != nil {
				return nil, fmt.Errorf("failed to decode sensitivity flags: %w", err)
			}
		}
		v.SensitivityDetails = details
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &v.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
	}
	return &v, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to encode tags: %w", err)
	}
	return string(data), nil
}

// CreateVideo inserts a new record with tracing
func (s *SQLStore) CreateVideo(ctx context.Context, v *models.Video) error {
	ctx, span := tracer.Start(ctx, "sql.create_video",
		trace.WithAttributes(
			attribute.String("video_id", v.ID),
			attribute.String("tenant_id", v.TenantID),
			attribute.Int64("size", v.Size),
		),
	)
	defer span.End()

	tags, err := encodeTags(v.Tags)
	if err != nil {
		return err
	}

	query := `INSERT INTO videos (id, tenant_id, owner_id, filename, original_filename, size, mime_type,
			  extension, storage_path, checksum, processing_status, processing_progress, processing_error,
			  sensitivity_status, is_public, views, tags, description, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, s.rebind(query),
		v.ID, v.TenantID, v.OwnerID, v.Filename, v.OriginalFilename, v.Size, v.MimeType,
		v.Extension, v.StoragePath, v.Checksum, string(v.ProcessingStatus), v.ProcessingProgress, v.ProcessingError,
		string(v.SensitivityStatus), v.IsPublic, v.Views, tags, v.Description, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert video: %w", err)
	}
	return nil
}

// GetVideo retrieves a record by tenant and id with tracing
func (s *SQLStore) GetVideo(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "sql.get_video",
		trace.WithAttributes(
			attribute.String("video_id", videoID),
			attribute.String("tenant_id", tenantID),
		),
	)
	defer span.End()

	query := `SELECT ` + videoColumns + ` FROM videos WHERE tenant_id = ? AND id = ?`
	v, err := scanVideo(s.db.QueryRowContext(ctx, s.rebind(query), tenantID, videoID))
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, apperr.New(apperr.NotFound, "video not found")
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query video: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return v, nil
}

// ListVideos returns a tenant's videos newest first
func (s *SQLStore) ListVideos(ctx context.Context, tenantID string, filter models.VideoFilter) ([]*models.Video, error) {
	ctx, span := tracer.Start(ctx, "sql.list_videos",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)),
	)
	defer span.End()

	query := `SELECT ` + videoColumns + ` FROM videos WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if filter.OwnerID != "" {
		query += ` AND (owner_id = ? OR is_public = TRUE)`
		args = append(args, filter.OwnerID)
	}
	if filter.ProcessingStatus != "" {
		query += ` AND processing_status = ?`
		args = append(args, string(filter.ProcessingStatus))
	}
	if filter.SensitivityStatus != "" {
		query += ` AND sensitivity_status = ?`
		args = append(args, string(filter.SensitivityStatus))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, v)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating videos: %w", err)
	}

	span.SetAttributes(attribute.Int("video_count", len(videos)))
	return videos, nil
}

// explainMiss turns a conditional update that touched no rows into the
// right error for the record's current state
func (s *SQLStore) explainMiss(ctx context.Context, tenantID, videoID, op string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT processing_status FROM videos WHERE tenant_id = ? AND id = ?`),
		tenantID, videoID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return apperr.New(apperr.NotFound, "video not found")
	} else if err != nil {
		return fmt.Errorf("failed to query video status: %w", err)
	}
	return stateError(op, models.ProcessingStatus(status))
}

func stateError(op string, current models.ProcessingStatus) error {
	if op == "start" && current == models.ProcessingProcessing {
		return apperr.New(apperr.AlreadyProcessing, "video is already being processed").
			WithDetail("status", string(current))
	}
	return apperr.New(apperr.InvalidState, "cannot %s video in state %s", op, current).
		WithDetail("status", string(current))
}

func (s *SQLStore) execExpectOne(ctx context.Context, tenantID, videoID, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to %s video: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return s.explainMiss(ctx, tenantID, videoID, op)
	}
	return nil
}

// StartProcessing moves pending to processing
func (s *SQLStore) StartProcessing(ctx context.Context, tenantID, videoID string, at time.Time) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "sql.start_processing",
		trace.WithAttributes(attribute.String("video_id", videoID)),
	)
	defer span.End()

	err := s.execExpectOne(ctx, tenantID, videoID, "start",
		`UPDATE videos SET processing_status = ?, processing_progress = ?, processing_started_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND processing_status = ?`,
		string(models.ProcessingProcessing), ProgressStarted, at, at,
		tenantID, videoID, string(models.ProcessingPending),
	)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.GetVideo(ctx, tenantID, videoID)
}

// UpdateProgress sets progress on a processing record
func (s *SQLStore) UpdateProgress(ctx context.Context, tenantID, videoID string, progress int) error {
	ctx, span := tracer.Start(ctx, "sql.update_progress",
		trace.WithAttributes(attribute.String("video_id", videoID), attribute.Int("progress", progress)),
	)
	defer span.End()

	err := s.execExpectOne(ctx, tenantID, videoID, "update progress of",
		`UPDATE videos SET processing_progress = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND processing_status = ?`,
		progress, time.Now(), tenantID, videoID, string(models.ProcessingProcessing),
	)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// UpdateMediaInfo stores extracted metadata on a processing record
func (s *SQLStore) UpdateMediaInfo(ctx context.Context, tenantID, videoID string, info models.MediaInfo) error {
	ctx, span := tracer.Start(ctx, "sql.update_media_info",
		trace.WithAttributes(attribute.String("video_id", videoID)),
	)
	defer span.End()

	err := s.execExpectOne(ctx, tenantID, videoID, "update media info of",
		`UPDATE videos SET duration = ?, width = ?, height = ?, frame_rate = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND processing_status = ?`,
		info.Duration, info.Width, info.Height, info.FrameRate, time.Now(),
		tenantID, videoID, string(models.ProcessingProcessing),
	)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// UpdateSensitivity records the classifier verdict once
func (s *SQLStore) UpdateSensitivity(ctx context.Context, tenantID, videoID string, status models.SensitivityStatus, details *models.SensitivityDetails) error {
	ctx, span := tracer.Start(ctx, "sql.update_sensitivity",
		trace.WithAttributes(
			attribute.String("video_id", videoID),
			attribute.String("sensitivity_status", string(status)),
		),
	)
	defer span.End()

	flags, err := json.Marshal(details.Flags)
	if err != nil {
		return fmt.Errorf("failed to encode flags: %w", err)
	}

	err = s.execExpectOne(ctx, tenantID, videoID, "classify",
		`UPDATE videos SET sensitivity_status = ?, sensitivity_score = ?, sensitivity_reason = ?, sensitivity_flags = ?,
		 updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND processing_status = ? AND sensitivity_status = ?`,
		string(status), details.Score, details.Reason, string(flags), time.Now(),
		tenantID, videoID, string(models.ProcessingProcessing), string(models.SensitivityPending),
	)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// CompleteProcessing marks completed and charges tenant usage in one transaction
func (s *SQLStore) CompleteProcessing(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "sql.complete_processing",
		trace.WithAttributes(attribute.String("video_id", videoID)),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE videos SET processing_status = ?, processing_progress = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND processing_status = ?`),
		string(models.ProcessingCompleted), ProgressCompleted, time.Now(),
		tenantID, videoID, string(models.ProcessingProcessing),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to complete video: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	} else if n == 0 {
		tx.Rollback()
		return nil, s.explainMiss(ctx, tenantID, videoID, "complete")
	}

	var size int64
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT size FROM videos WHERE tenant_id = ? AND id = ?`),
		tenantID, videoID).Scan(&size); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read video size: %w", err)
	}

	delta := float64(size) / (1 << 30)
	if _, err := tx.ExecContext(ctx, s.usageUpsert(), tenantID, delta, delta); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to update tenant usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit completion: %w", err)
	}

	span.SetAttributes(attribute.Float64("usage_delta_gb", delta))
	return s.GetVideo(ctx, tenantID, videoID)
}

// FailProcessing records the failure reason on a processing record
func (s *SQLStore) FailProcessing(ctx context.Context, tenantID, videoID, reason string) error {
	ctx, span := tracer.Start(ctx, "sql.fail_processing",
		trace.WithAttributes(attribute.String("video_id", videoID)),
	)
	defer span.End()

	if reason == "" {
		reason = "processing failed"
	}
	err := s.execExpectOne(ctx, tenantID, videoID, "fail",
		`UPDATE videos SET processing_status = ?, processing_error = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND processing_status = ?`,
		string(models.ProcessingFailed), reason, time.Now(),
		tenantID, videoID, string(models.ProcessingProcessing),
	)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// UpdateMetadata applies an owner edit
func (s *SQLStore) UpdateMetadata(ctx context.Context, tenantID, videoID string, edit models.MetadataEdit) (*models.Video, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now()}
	if edit.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *edit.Description)
	}
	if edit.Tags != nil {
		tags, err := encodeTags(*edit.Tags)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "tags = ?")
		args = append(args, tags)
	}
	if edit.IsPublic != nil {
		sets = append(sets, "is_public = ?")
		args = append(args, *edit.IsPublic)
	}
	args = append(args, tenantID, videoID)

	query := `UPDATE videos SET ` + strings.Join(sets, ", ") + ` WHERE tenant_id = ? AND id = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update video metadata: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, apperr.New(apperr.NotFound, "video not found")
	}
	return s.GetVideo(ctx, tenantID, videoID)
}

// IncrementViews bumps the view counter in a single statement
func (s *SQLStore) IncrementViews(ctx context.Context, tenantID, videoID string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE videos SET views = views + 1 WHERE tenant_id = ? AND id = ?`),
		tenantID, videoID,
	)
	if err != nil {
		return fmt.Errorf("failed to increment views: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.New(apperr.NotFound, "video not found")
	}
	return nil
}

// DeleteVideo removes the record and reverses its usage charge
func (s *SQLStore) DeleteVideo(ctx context.Context, tenantID, videoID string) (*models.Video, error) {
	ctx, span := tracer.Start(ctx, "sql.delete_video",
		trace.WithAttributes(attribute.String("video_id", videoID)),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// lock the row so a concurrent completion can't land between the status
	// read and the delete
	query := `SELECT ` + videoColumns + ` FROM videos WHERE tenant_id = ? AND id = ? FOR UPDATE`
	v, err := scanVideo(tx.QueryRowContext(ctx, s.rebind(query), tenantID, videoID))
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "video not found")
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query video: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM videos WHERE tenant_id = ? AND id = ?`), tenantID, videoID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to delete video: %w", err)
	}

	if v.ProcessingStatus == models.ProcessingCompleted {
		delta := -v.SizeGB()
		if _, err := tx.ExecContext(ctx, s.usageUpsert(), tenantID, delta, delta); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to update tenant usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return v, nil
}

// ListStaleProcessing finds records stuck in processing
func (s *SQLStore) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]*models.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + videoColumns + ` FROM videos
			  WHERE processing_status = ? AND processing_started_at < ?
			  ORDER BY processing_started_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), string(models.ProcessingProcessing), startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// TenantUsage returns the tenant's used storage in GiB
func (s *SQLStore) TenantUsage(ctx context.Context, tenantID string) (float64, error) {
	var used float64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT used_storage_gb FROM tenants WHERE id = ?`), tenantID).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to query tenant usage: %w", err)
	}
	return used, nil
}
