package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"request-portal/internal/database"
	"request-portal/internal/document"
	"request-portal/internal/model"
	"request-portal/internal/notify"
	"request-portal/internal/repository"
	"request-portal/internal/sequence"
	"request-portal/internal/storage"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var fixedNow = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))
	return db
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) to(userID uuid.UUID) []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Message
	for _, m := range n.msgs {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// flakyStore fails the next failUploads uploads once okUploads more have passed.
type flakyStore struct {
	*storage.MemoryStore
	mu          sync.Mutex
	okUploads   int
	failUploads int
}

func (f *flakyStore) failAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.okUploads = n
	f.failUploads = 1
}

func (f *flakyStore) Upload(ctx context.Context, data []byte, filename, mimeType, folderID string) (model.Attachment, error) {
	f.mu.Lock()
	if f.okUploads > 0 {
		f.okUploads--
	} else if f.failUploads > 0 {
		f.failUploads--
		f.mu.Unlock()
		return model.Attachment{}, errors.New("storage unavailable")
	}
	f.mu.Unlock()
	return f.MemoryStore.Upload(ctx, data, filename, mimeType, folderID)
}

// conflictingRequests reports a lost race for the next conflicts versioned updates.
type conflictingRequests struct {
	repository.RequestRepository
	conflicts int
}

func (c *conflictingRequests) UpdateVersioned(ctx context.Context, customID string, version int64, updates map[string]interface{}, entry *model.StatusHistory) (*model.Request, error) {
	if c.conflicts > 0 {
		c.conflicts--
		return nil, fmt.Errorf("request %s: %w", customID, repository.ErrVersionConflict)
	}
	return c.RequestRepository.UpdateVersioned(ctx, customID, version, updates, entry)
}

type fixture struct {
	db       *gorm.DB
	svc      RequestService
	requests repository.RequestRepository
	effects  repository.SideEffectRepository
	store    *flakyStore
	renderer *document.PDFRenderer
	notifier *recordingNotifier

	requester, supervisor, admin, manager Actor
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, func(r repository.RequestRepository) repository.RequestRepository { return r })
}

func newFixtureWith(t *testing.T, wrap func(repository.RequestRepository) repository.RequestRepository) *fixture {
	t.Helper()
	db := newTestDB(t)
	users := repository.NewUserRepository(db)
	base := repository.NewRequestRepository(db)

	f := &fixture{
		db:       db,
		requests: base,
		effects:  repository.NewSideEffectRepository(db),
		store:    &flakyStore{MemoryStore: storage.NewMemoryStore()},
		renderer: document.NewPDFRenderer("Acme Ltd"),
		notifier: &recordingNotifier{},
	}
	mk := func(name, role string) Actor {
		u := &model.User{Name: name, Email: strings.ToLower(name) + "@example.com", Password: "x", Role: role}
		require.NoError(t, users.Create(context.Background(), u))
		return Actor{ID: u.ID.String(), Name: name, Role: role}
	}
	f.requester = mk("Alice", model.RoleUser)
	f.supervisor = mk("Sam", model.RoleSupervisor)
	f.admin = mk("Ada", model.RoleAdmin)
	f.manager = mk("Max", model.RoleManager)

	f.svc = NewRequestService(RequestServiceDeps{
		Requests:    wrap(base),
		Users:       users,
		SideEffects: f.effects,
		Tx:          repository.NewTransactionManager(db),
		Store:       f.store,
		Renderer:    f.renderer,
		Notifier:    f.notifier,
		IDs:         sequence.NewGenerator(sequence.NewDBCounter(db), base),
		RootFolder:  "requests",
		Now:         func() time.Time { return fixedNow },
	})
	return f
}

func purchaseDTO() SubmitRequestDTO {
	return SubmitRequestDTO{
		Type:        model.RequestTypePurchase,
		Title:       "Laptops for new hires",
		Description: "Three developers join in February",
		ProductName: "ThinkPad T14",
		Quantity:    3,
		UnitPrice:   decimal.RequireFromString("1249.90"),
		Supplier:    "Lenovo",
	}
}

func (f *fixture) submit(t *testing.T, in SubmitRequestDTO) *model.Request {
	t.Helper()
	req, err := f.svc.Submit(context.Background(), f.requester, in)
	require.NoError(t, err)
	return req
}

func (f *fixture) move(t *testing.T, actor Actor, customID string, in TransitionDTO) *model.Request {
	t.Helper()
	req, err := f.svc.Transition(context.Background(), actor, customID, in)
	require.NoError(t, err)
	return req
}

func (f *fixture) proofPDF(t *testing.T) []byte {
	t.Helper()
	pdf, err := f.renderer.RenderPlain(&model.Request{CustomID: "PROOF", Type: model.RequestTypeITTicket, Title: "Signed delivery note", RequesterName: "Courier"})
	require.NoError(t, err)
	return pdf
}

func attachmentNamed(req *model.Request, name string) (model.Attachment, bool) {
	for _, a := range req.Attachments {
		if a.Name == name {
			return a, true
		}
	}
	return model.Attachment{}, false
}

func statuses(entries []model.StatusHistory) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Status)
	}
	return out
}

func TestSubmit_PurchaseCreatesReceiptAndHistory(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, purchaseDTO())

	assert.Equal(t, "PR-20250101-001", req.CustomID)
	assert.Equal(t, model.StatusPending, req.Status)
	assert.Equal(t, int64(374970), req.TotalCents())
	assert.Equal(t, "requests/PR-20250101-001", req.DriveFolderID)
	require.Len(t, req.StatusHistory, 1)
	assert.Equal(t, model.StatusPending, req.StatusHistory[0].Status)
	assert.Equal(t, "Alice", req.StatusHistory[0].ChangedBy)

	receipt, ok := attachmentNamed(req, "PR-20250101-001.pdf")
	require.True(t, ok, "submission receipt attached")
	data, err := f.store.Download(context.Background(), receipt.ID)
	require.NoError(t, err)
	assert.True(t, document.IsPDF(data))

	markers, err := f.effects.ListByRequest(context.Background(), req.CustomID)
	require.NoError(t, err)
	for _, m := range markers {
		assert.Equal(t, model.SideEffectDone, m.Status, m.Kind)
	}

	requesterID := uuid.MustParse(f.requester.ID)
	require.Len(t, f.notifier.to(requesterID), 1)
	assert.Len(t, f.notifier.to(uuid.MustParse(f.admin.ID)), 1)
	assert.Len(t, f.notifier.to(uuid.MustParse(f.supervisor.ID)), 1)
	assert.Empty(t, f.notifier.to(uuid.MustParse(f.manager.ID)))
}

func TestSubmit_SequentialIDsAndTypePrefixes(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, purchaseDTO())
	second := f.submit(t, purchaseDTO())
	ticket := f.submit(t, SubmitRequestDTO{Type: model.RequestTypeITTicket, Title: "VPN broken", Category: "network", Priority: model.PriorityHigh})
	repair := f.submit(t, SubmitRequestDTO{Type: model.RequestTypeMaintenance, Title: "AC leaking", Equipment: "AC unit 3", Location: "Floor 2"})

	assert.Equal(t, "PR-20250101-001", first.CustomID)
	assert.Equal(t, "PR-20250101-002", second.CustomID)
	assert.Equal(t, "SR-20250101-001", ticket.CustomID)
	assert.Equal(t, "MR-20250101-001", repair.CustomID)

	_, ok := attachmentNamed(ticket, "SR-20250101-001.pdf")
	assert.True(t, ok)
}

func TestSubmit_SkipsIDsAlreadyStored(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, purchaseDTO())
	require.Equal(t, "PR-20250101-001", first.CustomID)

	// A reset counter hands out 001 again.
	require.NoError(t, f.db.Model(&model.Sequence{}).
		Where("scope = ?", "request:purchase:20250101").
		Update("value", 0).Error)

	second := f.submit(t, purchaseDTO())
	assert.Equal(t, "PR-20250101-002", second.CustomID)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]SubmitRequestDTO{
		"unknown type":        {Type: "travel", Title: "x"},
		"missing title":       {Type: model.RequestTypeITTicket, Category: "network"},
		"purchase no product": {Type: model.RequestTypePurchase, Title: "x", Quantity: 1},
		"purchase zero qty":   {Type: model.RequestTypePurchase, Title: "x", ProductName: "Pen"},
		"negative price":      {Type: model.RequestTypePurchase, Title: "x", ProductName: "Pen", Quantity: 1, UnitPrice: decimal.NewFromInt(-1)},
		"maintenance no item": {Type: model.RequestTypeMaintenance, Title: "x"},
		"ticket no category":  {Type: model.RequestTypeITTicket, Title: "x"},
		"bad priority":        {Type: model.RequestTypeITTicket, Title: "x", Category: "hw", Priority: "urgent"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), f.requester, in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestTransition_FullPurchaseLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, purchaseDTO())
	id := req.CustomID

	req = f.move(t, f.supervisor, id, TransitionDTO{To: model.StatusNeedApproved, Comment: "Budget ok"})
	assert.Equal(t, "Sam", req.NeedApprovedBy)

	po, err := f.svc.ReservePONumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PO-2025-0001", po)

	req = f.move(t, f.admin, id, TransitionDTO{To: model.StatusFinanceApproved, Comment: "Approved", PONumber: po})
	require.True(t, req.HasPONumber())
	assert.Equal(t, po, *req.PONumber)
	assert.Equal(t, "Ada", req.FinanceApprovedBy)
	assert.Equal(t, "requests/PR-20250101-001/PO-2025-0001", req.POFolderID)
	_, ok := attachmentNamed(req, "PO-2025-0001.pdf")
	assert.True(t, ok, "purchase order stored")

	req = f.move(t, f.manager, id, TransitionDTO{To: model.StatusInProgress, Comment: "Ordered"})
	assert.Equal(t, "Max", req.ExecutedBy)

	proof := f.proofPDF(t)
	req = f.move(t, f.manager, id, TransitionDTO{
		To:         model.StatusCompleted,
		Comment:    "Delivered",
		ProofFiles: []FileUpload{{Name: "delivery.pdf", MimeType: "application/pdf", Data: proof}},
	})
	assert.Equal(t, model.StatusCompleted, req.Status)
	require.Len(t, req.DeliveryProof, 1)
	assert.Equal(t, "delivery.pdf", req.DeliveryProof[0].Name)

	completed, ok := attachmentNamed(req, "PO-2025-0001-completed.pdf")
	require.True(t, ok, "completed purchase order stored")
	merged, err := f.store.Download(ctx, completed.ID)
	require.NoError(t, err)

	alone, err := f.renderer.RenderPO(req, true)
	require.NoError(t, err)
	poPages, err := f.renderer.PageCount(alone)
	require.NoError(t, err)
	proofPages, err := f.renderer.PageCount(proof)
	require.NoError(t, err)
	mergedPages, err := f.renderer.PageCount(merged)
	require.NoError(t, err)
	assert.Equal(t, poPages+proofPages, mergedPages)

	history, err := f.svc.History(ctx, f.admin, id)
	require.NoError(t, err)
	assert.Equal(t, []string{
		model.StatusPending,
		model.StatusNeedApproved,
		model.StatusFinanceApproved,
		model.StatusInProgress,
		model.StatusCompleted,
	}, statuses(history))
	for i, e := range history {
		assert.Equal(t, i+1, e.Seq)
	}
	require.NotNil(t, history[2].PONumber)
	assert.Equal(t, po, *history[2].PONumber)

	mails := 0
	for _, m := range f.notifier.to(uuid.MustParse(f.requester.ID)) {
		if m.SendEmail {
			mails++
		}
	}
	assert.Equal(t, 1, mails, "only completion is emailed on this path")
}

func TestTransition_IllegalMovesLeaveRequestUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, purchaseDTO())

	attempts := []struct {
		name  string
		actor Actor
		in    TransitionDTO
	}{
		{"skip approval", f.admin, TransitionDTO{To: model.StatusFinanceApproved, Comment: "x", PONumber: "PO-2025-0009"}},
		{"manager approves", f.manager, TransitionDTO{To: model.StatusNeedApproved, Comment: "x"}},
		{"requester approves", f.requester, TransitionDTO{To: model.StatusNeedApproved, Comment: "x"}},
		{"complete from pending", f.admin, TransitionDTO{To: model.StatusCompleted, Comment: "x", DeliveryProof: []model.Attachment{{ID: "p", Name: "p.pdf"}}}},
		{"missing comment", f.supervisor, TransitionDTO{To: model.StatusNeedApproved, Comment: "  "}},
		{"back to pending", f.admin, TransitionDTO{To: model.StatusPending, Comment: "x"}},
		{"unknown status", f.admin, TransitionDTO{To: "archived", Comment: "x"}},
	}
	for _, a := range attempts {
		t.Run(a.name, func(t *testing.T) {
			_, err := f.svc.Transition(ctx, a.actor, req.CustomID, a.in)
			require.ErrorIs(t, err, ErrInvalidTransition)

			after, err := f.requests.FindByCustomID(ctx, req.CustomID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusPending, after.Status)
			assert.Equal(t, req.Version, after.Version)
			assert.Len(t, after.StatusHistory, 1)
			assert.Nil(t, after.PONumber)
		})
	}
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, purchaseDTO())
	rejected := f.move(t, f.supervisor, req.CustomID, TransitionDTO{To: model.StatusRejected, Comment: "Out of budget"})
	assert.Equal(t, model.StatusRejected, rejected.Status)

	msgs := f.notifier.to(uuid.MustParse(f.requester.ID))
	require.NotEmpty(t, msgs)
	assert.True(t, msgs[len(msgs)-1].SendEmail, "rejection is emailed")

	_, err := f.svc.Transition(context.Background(), f.admin, req.CustomID, TransitionDTO{To: model.StatusNeedApproved, Comment: "retry"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_FinanceApprovalNeedsPONumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, purchaseDTO())
	f.move(t, f.supervisor, req.CustomID, TransitionDTO{To: model.StatusNeedApproved, Comment: "ok"})

	_, err := f.svc.Transition(ctx, f.admin, req.CustomID, TransitionDTO{To: model.StatusFinanceApproved, Comment: "ok"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.move(t, f.admin, req.CustomID, TransitionDTO{To: model.StatusFinanceApproved, Comment: "ok", PONumber: "PO-2025-0042"})

	other := f.submit(t, purchaseDTO())
	f.move(t, f.supervisor, other.CustomID, TransitionDTO{To: model.StatusNeedApproved, Comment: "ok"})
	_, err = f.svc.Transition(ctx, f.admin, other.CustomID, TransitionDTO{To: model.StatusFinanceApproved, Comment: "ok", PONumber: "PO-2025-0042"})
	assert.ErrorIs(t, err, ErrValidation, "PO numbers are unique")
}

func TestTransition_MaintenanceSkipsPurchaseOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, SubmitRequestDTO{Type: model.RequestTypeMaintenance, Title: "Fix door", Equipment: "Main door"})
	f.move(t, f.supervisor, req.CustomID, TransitionDTO{To: model.StatusNeedApproved, Comment: "ok"})

	_, err := f.svc.Transition(ctx, f.admin, req.CustomID, TransitionDTO{To: model.StatusFinanceApproved, Comment: "ok", PONumber: "PO-2025-0001"})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	req = f.move(t, f.admin, req.CustomID, TransitionDTO{To: model.StatusFinanceApproved, Comment: "ok"})
	assert.False(t, req.HasPONumber())
	assert.Empty(t, req.POFolderID)

	req = f.move(t, f.manager, req.CustomID, TransitionDTO{To: model.StatusInProgress, Comment: "scheduled"})
	req = f.move(t, f.manager, req.CustomID, TransitionDTO{
		To:         model.StatusCompleted,
		Comment:    "fixed",
		ProofFiles: []FileUpload{{Name: "photo.png", MimeType: "image/png", Data: []byte("\x89PNG\r\n")}},
	})
	_, ok := attachmentNamed(req, req.CustomID+"-completed.pdf")
	assert.True(t, ok)
}

func TestTransition_DeliveryPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, purchaseDTO())
	id := req.CustomID
	f.move(t, f.supervisor, id, TransitionDTO{To: model.StatusNeedApproved, Comment: "ok"})
	f.move(t, f.admin, id, TransitionDTO{To: model.StatusFinanceApproved, Comment: "ok", PONumber: "PO-2025-0001"})
	f.move(t, f.manager, id, TransitionDTO{To: model.StatusInProgress, Comment: "ok"})

	_, err := f.svc.Transition(ctx, f.manager, id, TransitionDTO{To: model.StatusCompleted, Comment: "done"})
	assert.ErrorIs(t, err, ErrInvalidTransition, "proof required")

	stored, err := f.requests.FindByCustomID(ctx, id)
	require.NoError(t, err)
	note, err := f.store.Upload(ctx, f.proofPDF(t), "note.pdf", pdfMime, stored.DriveFolderID)
	require.NoError(t, err)
	proof := []model.Attachment{{ID: note.ID, Name: note.Name}}
	_, err = f.svc.Transition(ctx, f.manager, id, TransitionDTO{To: model.StatusAwaitingDelivery, Comment: "shipped", DeliveryProof: proof})
	assert.ErrorIs(t, err, ErrInvalidTransition, "carrier or tracking code required")

	req = f.move(t, f.manager, id, TransitionDTO{To: model.StatusAwaitingDelivery, Comment: "shipped", DeliveryProof: proof, Carrier: "DHL", TrackingCode: "JD0001"})
	assert.Equal(t, "DHL", req.Carrier)
	assert.Equal(t, "JD0001", req.TrackingCode)
	require.Len(t, req.DeliveryProof, 1)
	assert.Equal(t, "note.pdf", req.DeliveryProof[0].Name)
	_, ok := attachmentNamed(req, "note.pdf")
	assert.True(t, ok, "proof joins the attachments")

	// The stored proof satisfies the final step.
	req = f.move(t, f.manager, id, TransitionDTO{To: model.StatusCompleted, Comment: "received"})
	assert.Equal(t, model.StatusCompleted, req.Status)
	assert.Len(t, req.DeliveryProof, 1)
}

// inProgressPurchase walks a purchase up to in_progress. It then holds the
// receipt and the purchase order.
func (f *fixture) inProgressPurchase(t *testing.T, po string) *model.Request {
	t.Helper()
	req := f.submit(t, purchaseDTO())
	f.move(t, f.supervisor, req.CustomID, TransitionDTO{To: model.StatusNeedApproved, Comment: "ok"})
	f.move(t, f.admin, req.CustomID, TransitionDTO{To: model.StatusFinanceApproved, Comment: "ok", PONumber: po})
	req = f.move(t, f.manager, req.CustomID, TransitionDTO{To: model.StatusInProgress, Comment: "ok"})
	require.Len(t, req.Attachments, 2)
	return req
}

func TestTransition_RejectsUnknownProofReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.inProgressPurchase(t, "PO-2025-0011")
	other := f.submit(t, purchaseDTO())
	foreign, ok := attachmentNamed(other, other.CustomID+".pdf")
	require.True(t, ok)
	loose, err := f.store.Upload(ctx, f.proofPDF(t), "loose.pdf", pdfMime, "requests")
	require.NoError(t, err)

	refs := map[string]model.Attachment{
		"never uploaded":        {ID: "does/not/exist.pdf", Name: "exist.pdf"},
		"missing in own folder": {ID: req.DriveFolderID + "/ghost.pdf", Name: "ghost.pdf"},
		"other request":         foreign,
		"outside any request":   loose,
		"escapes the folder":    {ID: req.DriveFolderID + "/../" + other.CustomID + "/" + path.Base(foreign.ID)},
	}
	for name, ref := range refs {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Transition(ctx, f.manager, req.CustomID, TransitionDTO{
				To:            model.StatusAwaitingDelivery,
				Comment:       "shipped",
				Carrier:       "DHL",
				DeliveryProof: []model.Attachment{ref},
			})
			require.ErrorIs(t, err, ErrInvalidTransition)

			after, err := f.requests.FindByCustomID(ctx, req.CustomID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusInProgress, after.Status)
			assert.Equal(t, req.Version, after.Version)
			assert.Len(t, after.Attachments, 2)
			assert.Empty(t, after.DeliveryProof)
		})
	}
}

func TestTransition_ProofFilesRespectAttachmentCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.inProgressPurchase(t, "PO-2025-0012")
	before := len(f.store.Files(req.DriveFolderID))

	pdf := f.proofPDF(t)
	var files []FileUpload
	for i := 0; i < 6; i++ {
		files = append(files, FileUpload{Name: fmt.Sprintf("box-%d.pdf", i), MimeType: pdfMime, Data: pdf})
	}
	req = f.move(t, f.manager, req.CustomID, TransitionDTO{
		To:         model.StatusAwaitingDelivery,
		Comment:    "shipped",
		Carrier:    "DHL",
		ProofFiles: files,
	})
	assert.Len(t, req.Attachments, model.MaxAttachments)
	assert.Len(t, req.DeliveryProof, model.MaxAttachments-2)
	for _, p := range req.DeliveryProof {
		_, ok := attachmentNamed(req, p.Name)
		assert.True(t, ok, "proof %s is attached", p.Name)
	}
	assert.Len(t, f.store.Files(req.DriveFolderID), before+model.MaxAttachments-2, "files past the cap are not stored")

	_, err := f.svc.Transition(ctx, f.manager, req.CustomID, TransitionDTO{
		To:         model.StatusCompleted,
		Comment:    "received",
		ProofFiles: []FileUpload{{Name: "late.pdf", MimeType: pdfMime, Data: pdf}},
	})
	assert.ErrorIs(t, err, ErrValidation, "no free slot for another proof")
}

func TestTransition_FailedWriteDeletesUploadedProofs(t *testing.T) {
	var wrapped *conflictingRequests
	f := newFixtureWith(t, func(r repository.RequestRepository) repository.RequestRepository {
		wrapped = &conflictingRequests{RequestRepository: r}
		return wrapped
	})
	ctx := context.Background()
	req := f.inProgressPurchase(t, "PO-2025-0013")
	before := f.store.Files(req.DriveFolderID)

	wrapped.conflicts = maxWriteAttempts
	_, err := f.svc.Transition(ctx, f.manager, req.CustomID, TransitionDTO{
		To:         model.StatusCompleted,
		Comment:    "received",
		ProofFiles: []FileUpload{{Name: "note.pdf", MimeType: pdfMime, Data: f.proofPDF(t)}},
	})
	require.ErrorIs(t, err, ErrConflict)
	assert.ElementsMatch(t, before, f.store.Files(req.DriveFolderID))

	// A failing second upload removes the first one.
	files := []FileUpload{
		{Name: "a.pdf", MimeType: pdfMime, Data: f.proofPDF(t)},
		{Name: "b.pdf", MimeType: pdfMime, Data: f.proofPDF(t)},
	}
	f.store.failAfter(1)
	_, err = f.svc.Transition(ctx, f.manager, req.CustomID, TransitionDTO{To: model.StatusCompleted, Comment: "received", ProofFiles: files})
	require.Error(t, err)
	assert.ElementsMatch(t, before, f.store.Files(req.DriveFolderID))

	after, err := f.requests.FindByCustomID(ctx, req.CustomID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, after.Status)
}

func TestTransition_BlankActorNameIsRecordedAsUnknown(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, purchaseDTO())
	nameless := f.supervisor
	nameless.Name = ""

	req = f.move(t, nameless, req.CustomID, TransitionDTO{To: model.StatusNeedApproved, Comment: "ok"})
	last := req.StatusHistory[len(req.StatusHistory)-1]
	assert.Equal(t, model.StatusNeedApproved, last.Status)
	assert.Equal(t, model.UnknownActor, last.ChangedBy)
	assert.Equal(t, model.UnknownActor, req.NeedApprovedBy)
}

func TestTransition_CorruptPDFProofStoresPurchaseOrderOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.inProgressPurchase(t, "PO-2025-0014")

	req = f.move(t, f.manager, req.CustomID, TransitionDTO{
		To:         model.StatusCompleted,
		Comment:    "received",
		ProofFiles: []FileUpload{{Name: "broken.pdf", MimeType: pdfMime, Data: []byte("%PDF-1.4 not really a pdf")}},
	})
	assert.Equal(t, model.StatusCompleted, req.Status)

	var completed []model.Attachment
	for _, a := range req.Attachments {
		if a.Name == "PO-2025-0014-completed.pdf" {
			completed = append(completed, a)
		}
	}
	require.Len(t, completed, 1)
	assert.Len(t, req.Attachments, 4)

	data, err := f.store.Download(ctx, completed[0].ID)
	require.NoError(t, err)
	alone, err := f.renderer.RenderPO(req, true)
	require.NoError(t, err)
	want, err := f.renderer.PageCount(alone)
	require.NoError(t, err)
	got, err := f.renderer.PageCount(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTransition_NonPDFProofStoresPurchaseOrderAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, purchaseDTO())
	id := req.CustomID
	f.move(t, f.supervisor, id, TransitionDTO{To: model.StatusNeedApproved, Comment: "ok"})
	f.move(t, f.admin, id, TransitionDTO{To: model.StatusFinanceApproved, Comment: "ok", PONumber: "PO-2025-0003"})
	f.move(t, f.manager, id, TransitionDTO{To: model.StatusInProgress, Comment: "ok"})
	req = f.move(t, f.manager, id, TransitionDTO{
		To:         model.StatusCompleted,
		Comment:    "received",
		ProofFiles: []FileUpload{{Name: "signed.jpg", MimeType: "image/jpeg", Data: []byte("\xff\xd8\xff\xe0 jpeg")}},
	})

	completed, ok := attachmentNamed(req, "PO-2025-0003-completed.pdf")
	require.True(t, ok)
	data, err := f.store.Download(ctx, completed.ID)
	require.NoError(t, err)

	alone, err := f.renderer.RenderPO(req, true)
	require.NoError(t, err)
	want, err := f.renderer.PageCount(alone)
	require.NoError(t, err)
	got, err := f.renderer.PageCount(data)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTransition_RetriesOnVersionConflict(t *testing.T) {
	var wrapped *conflictingRequests
	f := newFixtureWith(t, func(r repository.RequestRepository) repository.RequestRepository {
		wrapped = &conflictingRequests{RequestRepository: r}
		return wrapped
	})
	req := f.submit(t, purchaseDTO())

	wrapped.conflicts = 1
	req = f.move(t, f.supervisor, req.CustomID, TransitionDTO{To: model.StatusNeedApproved, Comment: "ok"})
	assert.Equal(t, model.StatusNeedApproved, req.Status)
	assert.Len(t, req.StatusHistory, 2)

	wrapped.conflicts = maxWriteAttempts
	_, err := f.svc.Transition(context.Background(), f.admin, req.CustomID, TransitionDTO{To: model.StatusRejected, Comment: "no"})
	assert.ErrorIs(t, err, ErrConflict)

	after, err := f.requests.FindByCustomID(context.Background(), req.CustomID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNeedApproved, after.Status)
}

func TestRetrySideEffect_CompletesFailedDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.failUploads = 1

	req := f.submit(t, purchaseDTO())
	assert.Equal(t, model.StatusPending, req.Status, "submission survives a failed receipt")
	_, ok := attachmentNamed(req, req.CustomID+".pdf")
	require.False(t, ok)

	pending, err := f.effects.ListRetryable(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.SideEffectInitialDocument, pending[0].Kind)
	assert.Equal(t, model.SideEffectFailed, pending[0].Status)
	assert.Equal(t, 1, pending[0].Attempts)

	require.NoError(t, f.svc.RetrySideEffect(ctx, pending[0]))

	req, err = f.svc.Get(ctx, f.admin, req.CustomID)
	require.NoError(t, err)
	_, ok = attachmentNamed(req, req.CustomID+".pdf")
	assert.True(t, ok)

	// Running it again does not duplicate the document.
	require.NoError(t, f.svc.RetrySideEffect(ctx, pending[0]))
	req, err = f.svc.Get(ctx, f.admin, req.CustomID)
	require.NoError(t, err)
	assert.Len(t, req.Attachments, 1)

	pending, err = f.effects.ListRetryable(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRetrySideEffect_SkipsClaimedMarker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, purchaseDTO())
	f.move(t, f.supervisor, req.CustomID, TransitionDTO{To: model.StatusRejected, Comment: "no"})
	sent := len(f.notifier.to(uuid.MustParse(f.requester.ID)))

	marker := &model.SideEffect{
		RequestCustomID: req.CustomID,
		Kind:            model.SideEffectNotifyRequester,
		Payload:         []byte(`{"title":"again"}`),
	}
	require.NoError(t, f.effects.Create(ctx, marker))

	claimed, err := f.effects.Claim(ctx, marker.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = f.effects.Claim(ctx, marker.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "a running marker has one owner")

	pending, err := f.effects.ListRetryable(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, f.svc.RetrySideEffect(ctx, *marker))
	assert.Len(t, f.notifier.to(uuid.MustParse(f.requester.ID)), sent, "claimed marker is not run twice")

	// An abandoned claim is taken over.
	require.NoError(t, f.db.Model(&model.SideEffect{}).Where("id = ?", marker.ID).
		UpdateColumn("updated_at", time.Now().Add(-2*repository.ClaimTimeout)).Error)
	pending, err = f.effects.ListRetryable(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, marker.ID, pending[0].ID)

	require.NoError(t, f.svc.RetrySideEffect(ctx, pending[0]))
	assert.Len(t, f.notifier.to(uuid.Nil), 1)
	stored, err := f.effects.ListByRequest(ctx, req.CustomID)
	require.NoError(t, err)
	for _, e := range stored {
		assert.Equal(t, model.SideEffectDone, e.Status, e.Kind)
	}
}

func TestAddAttachments_CapsAtFive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, purchaseDTO())
	require.Len(t, req.Attachments, 1)

	var files []model.Attachment
	for i := 0; i < 6; i++ {
		att, err := f.store.Upload(ctx, []byte("quote"), fmt.Sprintf("quote-%d.pdf", i), pdfMime, req.DriveFolderID)
		require.NoError(t, err)
		files = append(files, model.Attachment{ID: att.ID, Name: att.Name})
	}
	req, err := f.svc.AddAttachments(ctx, f.requester, req.CustomID, "Supplier quotes", files)
	require.NoError(t, err)
	assert.Len(t, req.Attachments, model.MaxAttachments)
	assert.Equal(t, model.HistoryAttachmentAdded, req.StatusHistory[len(req.StatusHistory)-1].Status)
	assert.Equal(t, model.StatusPending, req.Status)

	_, err = f.svc.AddAttachments(ctx, f.requester, req.CustomID, "One more", files[5:])
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.AddAttachments(ctx, f.requester, req.CustomID, "", files)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAddAttachments_RejectsFilesOutsideTheRequestFolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, purchaseDTO())
	other := f.submit(t, purchaseDTO())
	foreign, ok := attachmentNamed(other, other.CustomID+".pdf")
	require.True(t, ok)

	for _, ref := range []model.Attachment{{ID: "ext-1", Name: "quote.pdf"}, foreign} {
		_, err := f.svc.AddAttachments(ctx, f.requester, req.CustomID, "Supplier quote", []model.Attachment{ref})
		assert.ErrorIs(t, err, ErrValidation, ref.ID)
	}
	after, err := f.requests.FindByCustomID(ctx, req.CustomID)
	require.NoError(t, err)
	assert.Len(t, after.Attachments, 1)
}

func TestUploadFiles_EmptyFileStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, SubmitRequestDTO{Type: model.RequestTypeITTicket, Title: "Printer jam", Category: "hardware"})
	before := f.store.Files(req.DriveFolderID)

	_, err := f.svc.UploadFiles(ctx, f.requester, req.CustomID, "Photos", []FileUpload{
		{Name: "front.png", MimeType: "image/png", Data: []byte("png")},
		{Name: "back.png", MimeType: "image/png"},
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.ElementsMatch(t, before, f.store.Files(req.DriveFolderID))

	f.store.failAfter(1)
	_, err = f.svc.UploadFiles(ctx, f.requester, req.CustomID, "Photos", []FileUpload{
		{Name: "front.png", MimeType: "image/png", Data: []byte("png")},
		{Name: "back.png", MimeType: "image/png", Data: []byte("png")},
	})
	require.Error(t, err)
	assert.ElementsMatch(t, before, f.store.Files(req.DriveFolderID), "partial upload is removed")

	after, err := f.requests.FindByCustomID(ctx, req.CustomID)
	require.NoError(t, err)
	assert.Len(t, after.Attachments, 1)
}

func TestUploadAndRemoveAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.submit(t, SubmitRequestDTO{Type: model.RequestTypeITTicket, Title: "Printer jam", Category: "hardware"})

	req, err := f.svc.UploadFiles(ctx, f.requester, req.CustomID, "Photo of the jam", []FileUpload{
		{Name: "jam.png", MimeType: "image/png", Data: []byte("png")},
	})
	require.NoError(t, err)
	att, ok := attachmentNamed(req, "jam.png")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(att.ID, "requests/"+req.CustomID+"/"))

	data, err := f.svc.DownloadFile(ctx, f.requester, att.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	req, err = f.svc.RemoveAttachment(ctx, f.requester, req.CustomID, att.ID, "Wrong photo")
	require.NoError(t, err)
	_, ok = attachmentNamed(req, "jam.png")
	assert.False(t, ok)
	assert.Equal(t, model.HistoryAttachmentRemoved, req.StatusHistory[len(req.StatusHistory)-1].Status)

	_, err = f.store.Download(ctx, att.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.svc.RemoveAttachment(ctx, f.requester, req.CustomID, att.ID, "again")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVisibility_UsersSeeOnlyTheirRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.submit(t, purchaseDTO())
	theirs, err := f.svc.Submit(ctx, f.manager, SubmitRequestDTO{Type: model.RequestTypeITTicket, Title: "New monitor", Category: "hardware"})
	require.NoError(t, err)

	list, total, err := f.svc.List(ctx, f.requester, ListRequestsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)
	assert.Equal(t, mine.CustomID, list[0].CustomID)

	_, total, err = f.svc.List(ctx, f.admin, ListRequestsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	_, err = f.svc.Get(ctx, f.requester, theirs.CustomID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.GetByID(ctx, f.requester, theirs.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	receipt, ok := attachmentNamed(theirs, theirs.CustomID+".pdf")
	require.True(t, ok)
	_, err = f.svc.DownloadFile(ctx, f.requester, receipt.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = f.svc.List(ctx, f.admin, ListRequestsFilter{Status: "archived"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRequestIDFromFile(t *testing.T) {
	assert.Equal(t, "PR-20250101-001", requestIDFromFile("requests/PR-20250101-001/ab12-file.pdf", "requests"))
	assert.Equal(t, "PR-20250101-001", requestIDFromFile("requests/PR-20250101-001/PO-2025-0001/x.pdf", "/requests/"))
	assert.Equal(t, "", requestIDFromFile("loose.pdf", "requests"))
}

func TestFormatCents(t *testing.T) {
	assert.Equal(t, "3749.70", FormatCents(374970))
	assert.Equal(t, "0.00", FormatCents(0))
	assert.Equal(t, int64(125), toCents(decimal.RequireFromString("1.245")))
}
