package queue

import (
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

const itemColumns = "id, project_dir, movie_name, status, profile, merged_file, upscaled_file, exported_file, error_message, created_at, updated_at, progress_stage, progress_percent, progress_message, last_heartbeat, review_reason"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id               int64
		projectDir       sql.NullString
		movieName        sql.NullString
		statusStr        string
		profile          sql.NullString
		mergedFile       sql.NullString
		upscaledFile     sql.NullString
		exportedFile     sql.NullString
		errorMessage     sql.NullString
		createdRaw       sql.NullString
		updatedRaw       sql.NullString
		progressStage    sql.NullString
		progressPercent  sql.NullFloat64
		progressMessage  sql.NullString
		lastHeartbeatRaw sql.NullString
		reviewReason     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&projectDir,
		&movieName,
		&statusStr,
		&profile,
		&mergedFile,
		&upscaledFile,
		&exportedFile,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&progressStage,
		&progressPercent,
		&progressMessage,
		&lastHeartbeatRaw,
		&reviewReason,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:              id,
		ProjectDir:      projectDir.String,
		MovieName:       movieName.String,
		Status:          Status(statusStr),
		Profile:         profile.String,
		MergedFile:      mergedFile.String,
		UpscaledFile:    upscaledFile.String,
		ExportedFile:    exportedFile.String,
		ErrorMessage:    errorMessage.String,
		ProgressStage:   progressStage.String,
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,
		ReviewReason:    reviewReason.String,
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	if lastHeartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(lastHeartbeatRaw.String); err == nil {
			item.LastHeartbeat = &heartbeat
		}
	}
	return item, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	v := value.UTC().Format(time.RFC3339Nano)
	return v
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}

func inferNameFromPath(path string) string {
	base := strings.TrimSpace(filepath.Base(filepath.Clean(path)))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "Untitled Tape"
	}
	return base
}
