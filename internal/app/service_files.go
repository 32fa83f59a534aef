package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"cutline/api/internal/rbac"
	"cutline/api/internal/storage"
	"cutline/api/internal/store"
	"cutline/api/internal/util"
)

type UploadInput struct {
	ProjectID   string
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

func (s *Service) requireFiles() error {
	if s.files == nil {
		return domainError(http.StatusServiceUnavailable, codeStorageUnavailable, "file storage is not configured", nil)
	}
	return nil
}

func detectContentType(name, declared string) string {
	if declared = strings.TrimSpace(declared); declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(name))); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// UploadFile stores the object first and records the row second; a failed
// insert removes the orphaned object again.
func (s *Service) UploadFile(ctx context.Context, session Session, input UploadInput) (map[string]any, error) {
	if err := s.requireFiles(); err != nil {
		return nil, err
	}
	project, member, err := s.projectAccess(ctx, session, input.ProjectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if input.Size <= 0 {
		return nil, validationError("file is empty", nil)
	}
	if s.cfg.MaxUploadBytes > 0 && input.Size > s.cfg.MaxUploadBytes {
		return nil, validationError("file is too large", map[string]any{"maxBytes": s.cfg.MaxUploadBytes})
	}

	name := storage.SafeName(input.Name)
	fileID := util.NewID("file")
	key := storage.ObjectKey(project.ID, fileID, name)
	contentType := detectContentType(name, input.ContentType)

	if err := s.files.Put(ctx, key, input.Body, input.Size, contentType); err != nil {
		return nil, err
	}
	file, err := s.store.InsertStoredFile(ctx, store.StoredFile{
		ID:         fileID,
		ProjectID:  project.ID,
		ObjectKey:  key,
		Name:       name,
		Size:       input.Size,
		MimeType:   contentType,
		UploadedBy: &member.ID,
	})
	if err != nil {
		if removeErr := s.files.Remove(ctx, key); removeErr != nil {
			s.log.Warn().Err(removeErr).Str("object_key", key).Msg("remove orphaned object")
		}
		return nil, err
	}
	s.touchProject(ctx, project.ID)
	return fileView(file), nil
}

func (s *Service) ListFiles(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	project, _, err := s.projectAccess(ctx, session, projectID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListStoredFiles(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(files))
	for _, file := range files {
		views = append(views, fileView(file))
	}
	return views, nil
}

func (s *Service) storedFile(ctx context.Context, fileID string) (store.StoredFile, error) {
	if strings.TrimSpace(fileID) == "" {
		return store.StoredFile{}, validationError("id is required", nil)
	}
	file, err := s.store.GetStoredFile(ctx, fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.StoredFile{}, notFound("file not found")
	}
	return file, err
}

// FileDownloadURL returns a short-lived presigned URL for the object.
func (s *Service) FileDownloadURL(ctx context.Context, session Session, fileID string) (string, error) {
	if err := s.requireFiles(); err != nil {
		return "", err
	}
	file, err := s.storedFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	if _, _, err := s.projectAccess(ctx, session, file.ProjectID, rbac.ActionRead); err != nil {
		return "", err
	}
	return s.files.PresignedURL(ctx, file.ObjectKey, file.Name, s.cfg.FileURLTTL)
}

// DeleteFile is allowed for the uploader and for team admins.
func (s *Service) DeleteFile(ctx context.Context, session Session, fileID string) (map[string]any, error) {
	if err := s.requireFiles(); err != nil {
		return nil, err
	}
	file, err := s.storedFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	_, member, err := s.projectAccess(ctx, session, file.ProjectID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	uploader := file.UploadedBy != nil && *file.UploadedBy == member.ID
	if !uploader && !rbac.Can(rbac.Normalize(member.Role), rbac.ActionManage) {
		return nil, forbidden("only the uploader or a team admin can delete this file")
	}

	deleted, err := s.store.DeleteStoredFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, notFound("file not found")
	}
	if err := s.files.Remove(ctx, file.ObjectKey); err != nil {
		s.log.Warn().Err(err).Str("object_key", file.ObjectKey).Msg("remove stored object")
	}
	s.touchProject(ctx, file.ProjectID)
	return map[string]any{"id": file.ID, "deleted": true}, nil
}
