package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"request-portal/internal/document"
	"request-portal/internal/model"
	"request-portal/internal/notify"
	"request-portal/internal/repository"
	"request-portal/internal/storage"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

const pdfMime = "application/pdf"

type plannedEffect struct {
	kind    string
	payload interface{}
}

// record writes one pending marker per planned step. Callers run it inside the
// transaction of the change the steps belong to.
func (s *requestService) record(ctx context.Context, customID string, planned ...plannedEffect) ([]*model.SideEffect, error) {
	out := make([]*model.SideEffect, 0, len(planned))
	for _, p := range planned {
		e := &model.SideEffect{
			RequestCustomID: customID,
			Kind:            p.kind,
			Status:          model.SideEffectPending,
		}
		if p.payload != nil {
			raw, err := json.Marshal(p.payload)
			if err != nil {
				return nil, fmt.Errorf("encode %s payload: %w", p.kind, err)
			}
			e.Payload = datatypes.JSON(raw)
		}
		if err := s.effects.Create(ctx, e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *requestService) runEffects(ctx context.Context, effects []*model.SideEffect) {
	for _, e := range effects {
		_ = s.execute(ctx, e)
	}
}

func (s *requestService) RetrySideEffect(ctx context.Context, effect model.SideEffect) error {
	return s.execute(ctx, &effect)
}

// execute claims a marker, performs its step and settles it. A marker held by
// another worker is left alone. Failures are logged and counted.
func (s *requestService) execute(ctx context.Context, e *model.SideEffect) error {
	lg := zerolog.Ctx(ctx).With().
		Str("custom_id", e.RequestCustomID).
		Str("side_effect", e.Kind).
		Uint("marker_id", e.ID).
		Logger()

	claimed, err := s.effects.Claim(ctx, e.ID)
	if err != nil {
		lg.Warn().Err(err).Msg("side effect not claimed")
		return err
	}
	if !claimed {
		lg.Debug().Msg("side effect already running or done, skipped")
		return nil
	}

	err = s.perform(ctx, e)
	if err != nil {
		sideEffectFailures.WithLabelValues(e.Kind).Inc()
		lg.Error().Err(err).Msg("side effect failed")
		if mErr := s.effects.MarkFailed(ctx, e.ID, err); mErr != nil {
			lg.Warn().Err(mErr).Msg("side effect marker not updated")
		}
		return err
	}
	if mErr := s.effects.MarkDone(ctx, e.ID); mErr != nil {
		lg.Warn().Err(mErr).Msg("side effect marker not updated")
	}
	return nil
}

func (s *requestService) perform(ctx context.Context, e *model.SideEffect) error {
	switch e.Kind {
	case model.SideEffectInitialDocument:
		return s.initialDocument(ctx, e.RequestCustomID)
	case model.SideEffectPODocument:
		return s.poDocument(ctx, e.RequestCustomID)
	case model.SideEffectCompletionDocument:
		return s.completionDocument(ctx, e.RequestCustomID)
	case model.SideEffectNotifyRequester:
		if s.notifier == nil {
			return nil
		}
		var msg notify.Message
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return fmt.Errorf("decode notification payload: %w", err)
		}
		return s.notifier.Notify(ctx, msg)
	}
	return fmt.Errorf("unknown side effect kind %q", e.Kind)
}

// initialDocument renders the submission receipt: a PR for purchases and a
// plain receipt for the other types.
func (s *requestService) initialDocument(ctx context.Context, customID string) error {
	req, err := s.requests.FindByCustomID(ctx, customID)
	if err != nil {
		return err
	}
	name := customID + ".pdf"
	if hasAttachment(req, name) {
		return nil
	}

	var pdf []byte
	if req.Type == model.RequestTypePurchase {
		pdf, err = s.renderer.RenderPR(req)
	} else {
		pdf, err = s.renderer.RenderPlain(req)
	}
	if err != nil {
		return fmt.Errorf("render receipt: %w", err)
	}
	return s.uploadDocument(ctx, req, pdf, name, s.ensureFolder(ctx, req))
}

// poDocument creates the PO subfolder and stores the approved purchase order in it.
func (s *requestService) poDocument(ctx context.Context, customID string) error {
	req, err := s.requests.FindByCustomID(ctx, customID)
	if err != nil {
		return err
	}
	if !req.HasPONumber() {
		return nil
	}
	name := *req.PONumber + ".pdf"
	if hasAttachment(req, name) {
		return nil
	}

	folderID, err := s.ensurePOFolder(ctx, req)
	if err != nil {
		return err
	}
	pdf, err := s.renderer.RenderPO(req, false)
	if err != nil {
		return fmt.Errorf("render purchase order: %w", err)
	}
	return s.uploadDocument(ctx, req, pdf, name, folderID)
}

// completionDocument stores the closing document. Requests with a PO get the
// completed PO merged with the first PDF delivery proof; the others get a
// plain receipt.
func (s *requestService) completionDocument(ctx context.Context, customID string) error {
	req, err := s.requests.FindByCustomID(ctx, customID)
	if err != nil {
		return err
	}
	lg := zerolog.Ctx(ctx)

	if !req.HasPONumber() {
		name := customID + "-completed.pdf"
		if hasAttachment(req, name) {
			return nil
		}
		pdf, err := s.renderer.RenderPlain(req)
		if err != nil {
			return fmt.Errorf("render completion receipt: %w", err)
		}
		return s.uploadDocument(ctx, req, pdf, name, s.ensureFolder(ctx, req))
	}

	name := *req.PONumber + "-completed.pdf"
	if hasAttachment(req, name) {
		return nil
	}
	pdf, err := s.renderer.RenderPO(req, true)
	if err != nil {
		return fmt.Errorf("render completed purchase order: %w", err)
	}
	if proof := s.pdfProof(ctx, req); proof != nil {
		merged, err := s.renderer.MergePDFPages(pdf, proof)
		if err != nil {
			lg.Warn().Err(err).Str("custom_id", customID).Msg("delivery proof not merged, storing purchase order alone")
		} else {
			pdf = merged
			if n, err := s.renderer.PageCount(pdf); err == nil {
				lg.Debug().Str("custom_id", customID).Int("pages", n).Msg("delivery proof merged into purchase order")
			}
		}
	}

	folderID := req.POFolderID
	if folderID == "" {
		if folderID, err = s.ensurePOFolder(ctx, req); err != nil {
			folderID = s.ensureFolder(ctx, req)
		}
	}
	return s.uploadDocument(ctx, req, pdf, name, folderID)
}

// pdfProof returns the content of the first delivery proof that is a PDF.
func (s *requestService) pdfProof(ctx context.Context, req *model.Request) []byte {
	for _, p := range req.DeliveryProof {
		data, err := s.store.Download(ctx, p.ID)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("file_id", p.ID).Msg("delivery proof not readable")
			continue
		}
		if document.IsPDF(data) {
			return data
		}
	}
	return nil
}

func (s *requestService) uploadDocument(ctx context.Context, req *model.Request, pdf []byte, name, folderID string) error {
	att, err := s.store.Upload(ctx, pdf, name, pdfMime, folderID)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return s.appendAttachments(ctx, req.CustomID, att)
}

// appendAttachments adds generated documents to the request without a history entry.
func (s *requestService) appendAttachments(ctx context.Context, customID string, atts ...model.Attachment) error {
	return s.withFreshRequest(ctx, customID, func(req *model.Request) (map[string]interface{}, *model.StatusHistory, error) {
		return map[string]interface{}{
			"attachments": jsonList(mergeUnique(req.Attachments, atts)),
			"updated_at":  s.now(),
		}, nil, nil
	})
}

func (s *requestService) withFreshRequest(ctx context.Context, customID string, build func(req *model.Request) (map[string]interface{}, *model.StatusHistory, error)) error {
	_, err := s.versionedWrite(ctx, customID, build)
	return err
}

// versionedWrite loads the request, lets build compute the write and retries
// when another writer got there first.
func (s *requestService) versionedWrite(ctx context.Context, customID string, build func(req *model.Request) (map[string]interface{}, *model.StatusHistory, error)) (*model.Request, error) {
	for attempt := 1; ; attempt++ {
		req, err := s.requests.FindByCustomID(ctx, customID)
		if err != nil {
			return nil, fromRepo(err)
		}
		updates, entry, err := build(req)
		if err != nil {
			return nil, err
		}
		updated, err := s.requests.UpdateVersioned(ctx, customID, req.Version, updates, entry)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, repository.ErrVersionConflict) && attempt < maxWriteAttempts {
			continue
		}
		return nil, fromRepo(err)
	}
}

// ensureFolder returns the request folder, recreating it when it is missing.
// On failure the store root is used.
func (s *requestService) ensureFolder(ctx context.Context, req *model.Request) string {
	lg := zerolog.Ctx(ctx)
	if req.DriveFolderID != "" {
		ok, err := s.store.FolderExists(ctx, req.DriveFolderID)
		if err == nil && ok {
			return req.DriveFolderID
		}
		if err != nil {
			lg.Warn().Err(err).Str("folder_id", req.DriveFolderID).Msg("folder lookup failed")
			return req.DriveFolderID
		}
	}

	folderID, err := s.store.CreateFolder(ctx, req.CustomID, s.rootFolder)
	if err != nil {
		lg.Warn().Err(err).Str("custom_id", req.CustomID).Msg("request folder not created")
		return s.rootFolder
	}
	if folderID != req.DriveFolderID {
		err := s.withFreshRequest(ctx, req.CustomID, func(*model.Request) (map[string]interface{}, *model.StatusHistory, error) {
			return map[string]interface{}{"drive_folder_id": folderID}, nil, nil
		})
		if err != nil {
			lg.Warn().Err(err).Str("custom_id", req.CustomID).Msg("folder id not saved")
		}
	}
	req.DriveFolderID = folderID
	return folderID
}

// ensurePOFolder creates the PO subfolder inside the request folder once.
func (s *requestService) ensurePOFolder(ctx context.Context, req *model.Request) (string, error) {
	if req.POFolderID != "" {
		if ok, err := s.store.FolderExists(ctx, req.POFolderID); err == nil && ok {
			return req.POFolderID, nil
		}
	}
	parent := s.ensureFolder(ctx, req)
	folderID, err := s.store.CreateFolder(ctx, *req.PONumber, parent)
	if err != nil {
		return "", fmt.Errorf("create PO folder: %w", err)
	}
	err = s.withFreshRequest(ctx, req.CustomID, func(*model.Request) (map[string]interface{}, *model.StatusHistory, error) {
		return map[string]interface{}{"po_folder_id": folderID}, nil, nil
	})
	if err != nil {
		return "", err
	}
	req.POFolderID = folderID
	return folderID, nil
}

// notifyRoles sends msg to every user holding one of roles except skipID.
func (s *requestService) notifyRoles(ctx context.Context, roles []string, skipID string, msg notify.Message) {
	if s.notifier == nil || s.users == nil {
		return
	}
	lg := zerolog.Ctx(ctx)
	users, err := s.users.ListByRoles(ctx, roles...)
	if err != nil {
		lg.Warn().Err(err).Strs("roles", roles).Msg("approvers not loaded")
		return
	}
	for _, u := range users {
		if u.ID.String() == skipID {
			continue
		}
		m := msg
		m.UserID = u.ID
		if err := s.notifier.Notify(ctx, m); err != nil {
			lg.Warn().Err(err).Str("user_id", u.ID.String()).Msg("approver notification failed")
		}
	}
}

func hasAttachment(req *model.Request, name string) bool {
	for _, a := range req.Attachments {
		if strings.EqualFold(a.Name, name) {
			return true
		}
	}
	return false
}

func isStorageNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
