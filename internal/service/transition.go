package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"request-portal/internal/model"
	"request-portal/internal/notify"
	"request-portal/internal/repository"
	"request-portal/internal/workflow"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// Transition moves a request to in.To. The status change, its history entry
// and the side-effect markers are stored atomically; documents and
// notifications run afterwards and never fail the call.
func (s *requestService) Transition(ctx context.Context, actor Actor, customID string, in TransitionDTO) (*model.Request, error) {
	in.To = strings.TrimSpace(in.To)
	in.PONumber = strings.TrimSpace(in.PONumber)
	if !workflow.ValidStatus(in.To) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, in.To)
	}
	if err := checkUploads(in.ProofFiles); err != nil {
		return nil, err
	}
	takesProof := in.To == model.StatusAwaitingDelivery || in.To == model.StatusCompleted
	lg := zerolog.Ctx(ctx).With().Str("custom_id", customID).Str("to", in.To).Logger()

	var (
		uploaded []model.Attachment
		kept     map[string]bool
		current  *model.Request
		updated  *model.Request
		markers  []*model.SideEffect
	)
	// Proof files that did not end up on the request are removed again.
	defer func() { s.discardFiles(ctx, uploaded, kept) }()

	for attempt := 1; ; attempt++ {
		req, err := s.requests.FindByCustomID(ctx, customID)
		if err != nil {
			return nil, fromRepo(err)
		}

		var referenced []model.Attachment
		if takesProof && len(in.DeliveryProof) > 0 {
			var bad string
			if referenced, bad, err = s.resolveFiles(ctx, req, in.DeliveryProof); err != nil {
				return nil, err
			}
			if bad != "" {
				return nil, fmt.Errorf("%w: delivery proof %s is not a file of request %s", ErrInvalidTransition, bad, customID)
			}
		}

		pendingFiles := 0
		if takesProof && uploaded == nil && len(in.ProofFiles) > 0 {
			free := model.MaxAttachments - len(mergeUnique(req.Attachments, referenced))
			if free <= 0 {
				return nil, validationf("request %s already holds %d attachments", customID, len(req.Attachments))
			}
			if len(in.ProofFiles) > free {
				lg.Debug().Int("dropped", len(in.ProofFiles)-free).Msg("proof files beyond the attachment cap ignored")
				in.ProofFiles = in.ProofFiles[:free]
			}
			pendingFiles = len(in.ProofFiles)
		}

		proofs := mergeUnique(referenced, uploaded)
		_, err = workflow.Check(workflow.Attempt{
			RequestType:      req.Type,
			From:             req.Status,
			To:               in.To,
			Role:             actor.Role,
			Comment:          in.Comment,
			PONumber:         in.PONumber,
			HasDeliveryProof: len(proofs) > 0 || pendingFiles > 0 || len(req.DeliveryProof) > 0,
			Carrier:          in.Carrier,
			TrackingCode:     in.TrackingCode,
		})
		if err != nil {
			return nil, err
		}

		if in.To == model.StatusFinanceApproved && in.PONumber != "" {
			taken, err := s.requests.PONumberTaken(ctx, in.PONumber)
			if err != nil {
				return nil, err
			}
			if taken {
				return nil, validationf("PO number %s is already assigned", in.PONumber)
			}
		}

		// Proof files are stored once, after the first successful check.
		if pendingFiles > 0 {
			folderID := s.ensureFolder(ctx, req)
			for _, f := range in.ProofFiles {
				att, err := s.store.Upload(ctx, f.Data, f.Name, f.MimeType, folderID)
				if err != nil {
					return nil, fmt.Errorf("failed to store delivery proof %s: %w", f.Name, err)
				}
				uploaded = append(uploaded, att)
			}
			in.ProofFiles = nil
			proofs = mergeUnique(referenced, uploaded)
		}

		now := s.now()
		updates, entry, attached := s.transitionChanges(req, actor, in, proofs)
		updates["updated_at"] = now
		entry.ChangedAt = now
		planned := s.transitionEffects(req, in.To)

		err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
			var err error
			if updated, err = s.requests.UpdateVersioned(txCtx, customID, req.Version, updates, entry); err != nil {
				return err
			}
			markers, err = s.record(txCtx, customID, planned...)
			return err
		})
		if err == nil {
			current = req
			kept = attached
			break
		}
		if errors.Is(err, repository.ErrVersionConflict) && attempt < maxWriteAttempts {
			lg.Debug().Int("attempt", attempt).Msg("concurrent update, retrying transition")
			continue
		}
		return nil, fromRepo(err)
	}

	transitionsTotal.WithLabelValues(current.Status, in.To).Inc()
	lg.Info().Str("from", current.Status).Str("actor", actor.displayName()).Msg("request transitioned")

	s.runEffects(ctx, markers)
	s.notifyNextApprovers(ctx, updated)

	return s.reload(ctx, updated)
}

// transitionChanges computes the column updates and the history entry of a
// checked transition, and the ids of the attachments the request holds after it.
// Delivery proofs join the attachments under the attachment cap.
func (s *requestService) transitionChanges(req *model.Request, actor Actor, in TransitionDTO, proofs []model.Attachment) (map[string]interface{}, *model.StatusHistory, map[string]bool) {
	name := actor.displayName()
	updates := map[string]interface{}{"status": in.To}
	attached := attachmentIDs(req.Attachments)
	entry := &model.StatusHistory{
		Status:    in.To,
		ChangedBy: name,
		Comment:   strings.TrimSpace(in.Comment),
	}

	switch in.To {
	case model.StatusNeedApproved:
		if req.NeedApprovedBy == "" {
			updates["need_approved_by"] = name
		}
	case model.StatusFinanceApproved:
		if req.FinanceApprovedBy == "" {
			updates["finance_approved_by"] = name
		}
		if req.Type != model.RequestTypeMaintenance && in.PONumber != "" {
			po := in.PONumber
			updates["po_number"] = po
			entry.PONumber = &po
		}
	case model.StatusInProgress:
		if req.ExecutedBy == "" {
			updates["executed_by"] = name
		}
	case model.StatusAwaitingDelivery, model.StatusCompleted:
		if c := strings.TrimSpace(in.Carrier); c != "" {
			updates["carrier"] = c
		}
		if t := strings.TrimSpace(in.TrackingCode); t != "" {
			updates["tracking_code"] = t
		}
		if len(proofs) > 0 {
			merged, _ := capAttachments(req.Attachments, proofs, model.MaxAttachments)
			attached = attachmentIDs(merged)
			var accepted []model.Attachment
			for _, p := range proofs {
				if attached[p.ID] {
					accepted = append(accepted, p)
				}
			}
			updates["delivery_proof"] = jsonList(mergeUnique(req.DeliveryProof, accepted))
			updates["attachments"] = jsonList(merged)
		}
	}
	return updates, entry, attached
}

func (s *requestService) transitionEffects(req *model.Request, to string) []plannedEffect {
	var planned []plannedEffect
	switch to {
	case model.StatusFinanceApproved:
		if req.Type != model.RequestTypeMaintenance {
			planned = append(planned, plannedEffect{kind: model.SideEffectPODocument})
		}
	case model.StatusCompleted:
		planned = append(planned, plannedEffect{kind: model.SideEffectCompletionDocument})
	}
	if req.RequesterID != nil {
		planned = append(planned, plannedEffect{
			kind:    model.SideEffectNotifyRequester,
			payload: requesterMessage(req, to),
		})
	}
	return planned
}

// requesterMessage tells the requester about a status change. Rejections,
// shipments and completions are also emailed.
func requesterMessage(req *model.Request, to string) notify.Message {
	msg := notify.Message{
		UserID: *req.RequesterID,
		Link:   requestLink(req.CustomID),
	}
	switch to {
	case model.StatusNeedApproved:
		msg.Title = "Request " + req.CustomID + " approved by supervisor"
		msg.Body = fmt.Sprintf("%q passed the first approval and waits for finance.", req.Title)
	case model.StatusFinanceApproved:
		msg.Title = "Request " + req.CustomID + " approved by finance"
		msg.Body = fmt.Sprintf("%q was approved by finance.", req.Title)
	case model.StatusRejected:
		msg.Title = "Request " + req.CustomID + " rejected"
		msg.Body = fmt.Sprintf("%q was rejected. See the history for the reason.", req.Title)
		msg.SendEmail = true
	case model.StatusInProgress:
		msg.Title = "Request " + req.CustomID + " in progress"
		msg.Body = fmt.Sprintf("Work on %q has started.", req.Title)
	case model.StatusAwaitingDelivery:
		msg.Title = "Request " + req.CustomID + " shipped"
		msg.Body = fmt.Sprintf("%q is on its way. The delivery proof is attached to the request.", req.Title)
		msg.SendEmail = true
	case model.StatusCompleted:
		msg.Title = "Request " + req.CustomID + " completed"
		msg.Body = fmt.Sprintf("%q is completed.", req.Title)
		msg.SendEmail = true
	default:
		msg.Title = "Request " + req.CustomID + " updated"
		msg.Body = fmt.Sprintf("%q moved to %s.", req.Title, to)
	}
	return msg
}

// notifyNextApprovers tells the roles that can act next that a request waits for them.
func (s *requestService) notifyNextApprovers(ctx context.Context, req *model.Request) {
	if req == nil {
		return
	}
	var roles []string
	switch req.Status {
	case model.StatusNeedApproved:
		roles = []string{model.RoleAdmin}
	case model.StatusFinanceApproved:
		roles = []string{model.RoleManager}
	default:
		return
	}
	s.notifyRoles(ctx, roles, "", notify.Message{
		Title: "Request " + req.CustomID + " needs your action",
		Body:  fmt.Sprintf("%q is now %s.", req.Title, strings.ReplaceAll(req.Status, "_", " ")),
		Link:  requestLink(req.CustomID),
	})
}

func jsonList(list []model.Attachment) datatypes.JSONSlice[model.Attachment] {
	if list == nil {
		list = []model.Attachment{}
	}
	return datatypes.JSONSlice[model.Attachment](list)
}

// mergeUnique appends the items of extra missing from base, keyed by file id.
func mergeUnique(base, extra []model.Attachment) []model.Attachment {
	out := make([]model.Attachment, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, list := range [][]model.Attachment{base, extra} {
		for _, a := range list {
			if a.ID == "" || seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			out = append(out, a)
		}
	}
	return out
}
