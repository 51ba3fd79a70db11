package service

import (
	"context"
	"fmt"
	"path"
	"strings"

	"request-portal/internal/model"

	"github.com/rs/zerolog"
)

// AddAttachments appends files to a request with an audit entry. Every file
// must already be attached or stored in the request folder. The list is
// capped at model.MaxAttachments; files past the cap and duplicates are dropped.
func (s *requestService) AddAttachments(ctx context.Context, actor Actor, customID, comment string, files []model.Attachment) (*model.Request, error) {
	req, err := s.checkAttachmentCall(ctx, actor, customID, comment, len(files))
	if err != nil {
		return nil, err
	}
	resolved, bad, err := s.resolveFiles(ctx, req, files)
	if err != nil {
		return nil, err
	}
	if bad != "" {
		return nil, validationf("file %s is not stored in the folder of request %s", bad, customID)
	}
	return s.addAttachments(ctx, actor, customID, strings.TrimSpace(comment), resolved)
}

func (s *requestService) checkAttachmentCall(ctx context.Context, actor Actor, customID, comment string, n int) (*model.Request, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, validationf("a comment is required")
	}
	if n == 0 {
		return nil, validationf("no files to attach")
	}
	return s.Get(ctx, actor, customID)
}

func (s *requestService) addAttachments(ctx context.Context, actor Actor, customID, comment string, files []model.Attachment) (*model.Request, error) {
	return s.versionedWrite(ctx, customID, func(req *model.Request) (map[string]interface{}, *model.StatusHistory, error) {
		merged, added := capAttachments(req.Attachments, files, model.MaxAttachments)
		if added == 0 {
			return nil, nil, validationf("request %s already holds %d attachments or the files are already attached", customID, len(req.Attachments))
		}
		now := s.now()
		return map[string]interface{}{
				"attachments": jsonList(merged),
				"updated_at":  now,
			}, &model.StatusHistory{
				Status:    model.HistoryAttachmentAdded,
				ChangedAt: now,
				ChangedBy: actor.displayName(),
				Comment:   comment,
			}, nil
	})
}

// RemoveAttachment drops one file from the request and then deletes it from storage.
func (s *requestService) RemoveAttachment(ctx context.Context, actor Actor, customID, fileID, comment string) (*model.Request, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return nil, validationf("a comment is required")
	}
	if _, err := s.Get(ctx, actor, customID); err != nil {
		return nil, err
	}

	updated, err := s.versionedWrite(ctx, customID, func(req *model.Request) (map[string]interface{}, *model.StatusHistory, error) {
		kept := make([]model.Attachment, 0, len(req.Attachments))
		for _, a := range req.Attachments {
			if a.ID != fileID {
				kept = append(kept, a)
			}
		}
		if len(kept) == len(req.Attachments) {
			return nil, nil, fmt.Errorf("%w: attachment %s on request %s", ErrNotFound, fileID, customID)
		}
		now := s.now()
		return map[string]interface{}{
				"attachments": jsonList(kept),
				"updated_at":  now,
			}, &model.StatusHistory{
				Status:    model.HistoryAttachmentRemoved,
				ChangedAt: now,
				ChangedBy: actor.displayName(),
				Comment:   comment,
			}, nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, fileID); err != nil && !isStorageNotFound(err) {
		zerolog.Ctx(ctx).Warn().Err(err).Str("file_id", fileID).Msg("removed attachment not deleted from storage")
	}
	return updated, nil
}

// UploadFiles stores client files in the request folder and attaches them.
// Only as many files as there are free slots are uploaded, and uploads that
// do not end up attached are deleted again.
func (s *requestService) UploadFiles(ctx context.Context, actor Actor, customID, comment string, files []FileUpload) (*model.Request, error) {
	if err := checkUploads(files); err != nil {
		return nil, err
	}
	req, err := s.checkAttachmentCall(ctx, actor, customID, comment, len(files))
	if err != nil {
		return nil, err
	}
	free := model.MaxAttachments - len(req.Attachments)
	if free <= 0 {
		return nil, validationf("request %s already holds %d attachments", customID, len(req.Attachments))
	}
	if len(files) > free {
		files = files[:free]
	}

	folderID := s.ensureFolder(ctx, req)
	atts := make([]model.Attachment, 0, len(files))
	var kept map[string]bool
	defer func() { s.discardFiles(ctx, atts, kept) }()
	for _, f := range files {
		att, err := s.store.Upload(ctx, f.Data, f.Name, f.MimeType, folderID)
		if err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", f.Name, err)
		}
		atts = append(atts, att)
	}
	updated, err := s.addAttachments(ctx, actor, customID, strings.TrimSpace(comment), atts)
	if err != nil {
		return nil, err
	}
	kept = attachmentIDs(updated.Attachments)
	return updated, nil
}

// checkUploads rejects a batch with an unnamed or empty file before anything is stored.
func checkUploads(files []FileUpload) error {
	for _, f := range files {
		if strings.TrimSpace(f.Name) == "" {
			return validationf("uploaded file has no name")
		}
		if len(f.Data) == 0 {
			return validationf("file %s is empty", f.Name)
		}
	}
	return nil
}

// resolveFiles checks client file references. A reference resolves when it is
// already attached to req or names an existing object inside the request
// folder. The first reference that does not resolve is returned as bad.
func (s *requestService) resolveFiles(ctx context.Context, req *model.Request, refs []model.Attachment) (resolved []model.Attachment, bad string, err error) {
	attached := make(map[string]model.Attachment, len(req.Attachments))
	for _, a := range req.Attachments {
		attached[a.ID] = a
	}
	folder := strings.Trim(req.DriveFolderID, "/")

	resolved = make([]model.Attachment, 0, len(refs))
	for _, ref := range refs {
		if a, ok := attached[ref.ID]; ok {
			resolved = append(resolved, a)
			continue
		}
		if folder == "" || path.Clean(ref.ID) != ref.ID || !strings.HasPrefix(ref.ID, folder+"/") {
			return nil, ref.ID, nil
		}
		exists, err := s.store.FileExists(ctx, ref.ID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to look up %s: %w", ref.ID, err)
		}
		if !exists {
			return nil, ref.ID, nil
		}
		if strings.TrimSpace(ref.Name) == "" {
			ref.Name = path.Base(ref.ID)
		}
		resolved = append(resolved, ref)
	}
	return resolved, "", nil
}

// discardFiles deletes the uploaded files whose ids are not in kept.
func (s *requestService) discardFiles(ctx context.Context, uploaded []model.Attachment, kept map[string]bool) {
	ctx = context.WithoutCancel(ctx)
	for _, a := range uploaded {
		if kept[a.ID] {
			continue
		}
		if err := s.store.Delete(ctx, a.ID); err != nil && !isStorageNotFound(err) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("file_id", a.ID).Msg("unused upload not deleted")
		}
	}
}

func attachmentIDs(list []model.Attachment) map[string]bool {
	ids := make(map[string]bool, len(list))
	for _, a := range list {
		ids[a.ID] = true
	}
	return ids
}

// capAttachments returns existing plus the new files not yet present, cut at
// limit, and how many were added.
func capAttachments(existing, incoming []model.Attachment, limit int) ([]model.Attachment, int) {
	merged := mergeUnique(existing, nil)
	before := len(merged)
	for _, a := range mergeUnique(incoming, nil) {
		if len(merged) >= limit {
			break
		}
		dup := false
		for _, e := range merged {
			if e.ID == a.ID {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, a)
		}
	}
	return merged, len(merged) - before
}
