package store

import (
	"context"
	"database/sql"
	"fmt"
)

const fileColumns = `id, project_id, object_key, name, size_bytes, mime_type, uploaded_by, created_at`

func scanStoredFile(row rowScanner) (StoredFile, error) {
	var (
		file       StoredFile
		uploadedBy sql.NullString
	)
	err := row.Scan(&file.ID, &file.ProjectID, &file.ObjectKey, &file.Name, &file.Size, &file.MimeType, &uploadedBy, &file.CreatedAt)
	file.UploadedBy = stringPtr(uploadedBy)
	return file, err
}

func (s *PostgresStore) InsertStoredFile(ctx context.Context, file StoredFile) (StoredFile, error) {
	return scanStoredFile(s.db.QueryRowContext(ctx, `
		INSERT INTO storage_files (id, project_id, object_key, name, size_bytes, mime_type, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+fileColumns,
		file.ID, file.ProjectID, file.ObjectKey, file.Name, file.Size, file.MimeType, file.UploadedBy))
}

func (s *PostgresStore) GetStoredFile(ctx context.Context, id string) (StoredFile, error) {
	return scanStoredFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM storage_files WHERE id=$1`, id))
}

func (s *PostgresStore) ListStoredFiles(ctx context.Context, projectID string) ([]StoredFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+` FROM storage_files WHERE project_id=$1 ORDER BY created_at DESC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list stored files: %w", err)
	}
	defer rows.Close()

	items := make([]StoredFile, 0)
	for rows.Next() {
		item, err := scanStoredFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stored file: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteStoredFile(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM storage_files WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete stored file: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete stored file rows affected: %w", err)
	}
	return affected > 0, nil
}
