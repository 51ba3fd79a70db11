package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"request-portal/internal/document"
	"request-portal/internal/model"
	"request-portal/internal/notify"
	"request-portal/internal/repository"
	"request-portal/internal/sequence"
	"request-portal/internal/storage"
	"request-portal/internal/workflow"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxWriteAttempts bounds the optimistic retry loop of a versioned write.
const maxWriteAttempts = 3

// --- DTOs ---

// Actor is the authenticated user performing an operation.
type Actor struct {
	ID   string
	Name string
	Role string
}

func (a Actor) displayName() string {
	if strings.TrimSpace(a.Name) == "" {
		return model.UnknownActor
	}
	return a.Name
}

func (a Actor) userID() *uuid.UUID {
	id, err := uuid.Parse(a.ID)
	if err != nil {
		return nil
	}
	return &id
}

type SubmitRequestDTO struct {
	Type            string          `json:"type" binding:"required,oneof=purchase maintenance it_ticket"`
	Title           string          `json:"title" binding:"required"`
	RequesterName   string          `json:"requester_name"`
	Description     string          `json:"description"`
	ProductName     string          `json:"product_name"`
	Quantity        int             `json:"quantity" binding:"gte=0"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Supplier        string          `json:"supplier"`
	Equipment       string          `json:"equipment"`
	Location        string          `json:"location"`
	MaintenanceType string          `json:"maintenance_type"`
	Priority        string          `json:"priority" binding:"omitempty,oneof=low medium high"`
	Category        string          `json:"category"`
}

// TransitionDTO carries a status change and the facts its preconditions need.
// ProofFiles are uploaded to the request folder before the change is stored.
type TransitionDTO struct {
	To            string             `json:"status" binding:"required"`
	Comment       string             `json:"comment"`
	PONumber      string             `json:"po_number"`
	Carrier       string             `json:"carrier"`
	TrackingCode  string             `json:"tracking_code"`
	DeliveryProof []model.Attachment `json:"delivery_proof"`
	ProofFiles    []FileUpload       `json:"-"`
}

// FileUpload is a file received from a client.
type FileUpload struct {
	Name     string
	MimeType string
	Data     []byte
}

type ListRequestsFilter struct {
	Status string
	Type   string
	Search string
	Page   int
	Limit  int
}

// --- Interface ---

type RequestService interface {
	Submit(ctx context.Context, actor Actor, in SubmitRequestDTO) (*model.Request, error)
	Transition(ctx context.Context, actor Actor, customID string, in TransitionDTO) (*model.Request, error)
	AddAttachments(ctx context.Context, actor Actor, customID, comment string, files []model.Attachment) (*model.Request, error)
	RemoveAttachment(ctx context.Context, actor Actor, customID, fileID, comment string) (*model.Request, error)
	UploadFiles(ctx context.Context, actor Actor, customID, comment string, files []FileUpload) (*model.Request, error)
	Get(ctx context.Context, actor Actor, customID string) (*model.Request, error)
	GetByID(ctx context.Context, actor Actor, id uint) (*model.Request, error)
	List(ctx context.Context, actor Actor, filter ListRequestsFilter) ([]model.Request, int64, error)
	History(ctx context.Context, actor Actor, customID string) ([]model.StatusHistory, error)
	DownloadFile(ctx context.Context, actor Actor, fileID string) ([]byte, error)
	ReservePONumber(ctx context.Context) (string, error)
	// RetrySideEffect re-runs a recorded best-effort step and updates its marker.
	RetrySideEffect(ctx context.Context, effect model.SideEffect) error
}

// RequestServiceDeps groups the collaborators of the lifecycle engine.
type RequestServiceDeps struct {
	Requests    repository.RequestRepository
	Users       repository.UserRepository
	SideEffects repository.SideEffectRepository
	Tx          repository.TransactionManager
	Store       storage.ObjectStore
	Renderer    document.Renderer
	Notifier    notify.Notifier
	IDs         *sequence.Generator
	RootFolder  string
	Now         func() time.Time
}

type requestService struct {
	requests   repository.RequestRepository
	users      repository.UserRepository
	effects    repository.SideEffectRepository
	tx         repository.TransactionManager
	store      storage.ObjectStore
	renderer   document.Renderer
	notifier   notify.Notifier
	ids        *sequence.Generator
	rootFolder string
	now        func() time.Time
}

func NewRequestService(deps RequestServiceDeps) RequestService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &requestService{
		requests:   deps.Requests,
		users:      deps.Users,
		effects:    deps.SideEffects,
		tx:         deps.Tx,
		store:      deps.Store,
		renderer:   deps.Renderer,
		notifier:   deps.Notifier,
		ids:        deps.IDs,
		rootFolder: deps.RootFolder,
		now:        now,
	}
}

// --- Implementation ---

// FormatCents renders minor currency units as a fixed two decimal amount.
func FormatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func buildRequest(actor Actor, in SubmitRequestDTO) (*model.Request, error) {
	if _, ok := sequence.Prefix(in.Type); !ok {
		return nil, validationf("unknown request type %q", in.Type)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, validationf("title is required")
	}
	requester := strings.TrimSpace(in.RequesterName)
	if requester == "" {
		requester = strings.TrimSpace(actor.Name)
	}
	if requester == "" {
		return nil, validationf("requester name is required")
	}
	if in.Quantity < 0 {
		return nil, validationf("quantity must not be negative")
	}
	if in.UnitPrice.IsNegative() {
		return nil, validationf("unit price must not be negative")
	}
	switch in.Priority {
	case "", model.PriorityLow, model.PriorityMedium, model.PriorityHigh:
	default:
		return nil, validationf("priority must be low, medium or high")
	}

	req := &model.Request{
		Type:          in.Type,
		Status:        model.StatusPending,
		RequesterName: requester,
		RequesterID:   actor.userID(),
		Title:         title,
		Description:   strings.TrimSpace(in.Description),
		Priority:      in.Priority,
	}
	switch in.Type {
	case model.RequestTypePurchase:
		if strings.TrimSpace(in.ProductName) == "" || in.Quantity < 1 {
			return nil, validationf("purchase requests need a product name and a quantity of at least 1")
		}
		req.ProductName = strings.TrimSpace(in.ProductName)
		req.Quantity = in.Quantity
		req.UnitPriceCents = toCents(in.UnitPrice)
		req.Supplier = strings.TrimSpace(in.Supplier)
	case model.RequestTypeMaintenance:
		if strings.TrimSpace(in.Equipment) == "" {
			return nil, validationf("maintenance requests need the equipment")
		}
		req.Equipment = strings.TrimSpace(in.Equipment)
		req.Location = strings.TrimSpace(in.Location)
		req.MaintenanceType = strings.TrimSpace(in.MaintenanceType)
	case model.RequestTypeITTicket:
		if strings.TrimSpace(in.Category) == "" {
			return nil, validationf("IT tickets need a category")
		}
		req.Category = strings.TrimSpace(in.Category)
	}
	return req, nil
}

// allocateCustomID skips ids already present in the store, which happens when
// a counter was reset while rows of the same day remained.
func (s *requestService) allocateCustomID(ctx context.Context, requestType string, now time.Time) (string, error) {
	for attempt := 1; ; attempt++ {
		id, err := s.ids.NextCustomID(ctx, requestType, now)
		if err != nil {
			return "", err
		}
		taken, err := s.requests.Exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
		if attempt >= maxWriteAttempts {
			return "", fmt.Errorf("%w: could not allocate a free id for %s", ErrConflict, requestType)
		}
		zerolog.Ctx(ctx).Warn().Str("custom_id", id).Msg("custom id already taken, allocating another")
	}
}

// Submit creates a request: id allocation, storage folder, store row with its
// detail and first history entry, then the initial document and notifications.
func (s *requestService) Submit(ctx context.Context, actor Actor, in SubmitRequestDTO) (*model.Request, error) {
	req, err := buildRequest(actor, in)
	if err != nil {
		return nil, err
	}
	lg := zerolog.Ctx(ctx)

	now := s.now()
	customID, err := s.allocateCustomID(ctx, req.Type, now)
	if err != nil {
		return nil, err
	}
	req.CustomID = customID
	req.CreatedAt = now
	req.UpdatedAt = now

	if folderID, err := s.store.CreateFolder(ctx, customID, s.rootFolder); err != nil {
		lg.Warn().Err(err).Str("custom_id", customID).Msg("request folder not created")
	} else {
		req.DriveFolderID = folderID
	}

	first := &model.StatusHistory{
		Status:    model.StatusPending,
		ChangedAt: now,
		ChangedBy: actor.displayName(),
		Comment:   "Request submitted",
	}

	planned := []plannedEffect{{kind: model.SideEffectInitialDocument}}
	if req.RequesterID != nil {
		planned = append(planned, plannedEffect{
			kind: model.SideEffectNotifyRequester,
			payload: notify.Message{
				UserID: *req.RequesterID,
				Title:  "Request " + customID + " submitted",
				Body:   fmt.Sprintf("Your %s request %q was submitted and is waiting for approval.", typeLabel(req.Type), req.Title),
				Link:   requestLink(customID),
			},
		})
	}

	var markers []*model.SideEffect
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.requests.Create(txCtx, req, model.DetailFor(req), first); err != nil {
			return err
		}
		var recErr error
		markers, recErr = s.record(txCtx, customID, planned...)
		return recErr
	})
	if err != nil {
		return nil, fromRepo(err)
	}
	submissionsTotal.WithLabelValues(req.Type).Inc()
	lg.Info().Str("custom_id", customID).Str("type", req.Type).Msg("request submitted")

	s.runEffects(ctx, markers)
	s.notifyRoles(ctx, []string{model.RoleAdmin, model.RoleSupervisor}, actor.ID, notify.Message{
		Title: "New request " + customID,
		Body:  fmt.Sprintf("%s submitted %q and it needs approval.", req.RequesterName, req.Title),
		Link:  requestLink(customID),
	})

	return s.reload(ctx, req)
}

func (s *requestService) Get(ctx context.Context, actor Actor, customID string) (*model.Request, error) {
	req, err := s.requests.FindByCustomID(ctx, customID)
	if err != nil {
		return nil, fromRepo(err)
	}
	if !canView(actor, req) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, customID)
	}
	return req, nil
}

func (s *requestService) GetByID(ctx context.Context, actor Actor, id uint) (*model.Request, error) {
	req, err := s.requests.FindByID(ctx, id)
	if err != nil {
		return nil, fromRepo(err)
	}
	if !canView(actor, req) {
		return nil, fmt.Errorf("%w: request %d", ErrNotFound, id)
	}
	return req, nil
}

// List returns requests newest first. Plain users only see their own.
func (s *requestService) List(ctx context.Context, actor Actor, filter ListRequestsFilter) ([]model.Request, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Status != "" && !workflow.ValidStatus(filter.Status) {
		return nil, 0, validationf("unknown status %q", filter.Status)
	}
	if filter.Type != "" {
		if _, ok := sequence.Prefix(filter.Type); !ok {
			return nil, 0, validationf("unknown request type %q", filter.Type)
		}
	}

	repoFilter := repository.RequestFilter{
		Status: filter.Status,
		Type:   filter.Type,
		Search: filter.Search,
		Page:   filter.Page,
		Limit:  filter.Limit,
	}
	if actor.Role == model.RoleUser {
		id := actor.userID()
		if id == nil {
			return []model.Request{}, 0, nil
		}
		repoFilter.RequesterID = id
	}
	return s.requests.List(ctx, repoFilter)
}

func (s *requestService) History(ctx context.Context, actor Actor, customID string) ([]model.StatusHistory, error) {
	if _, err := s.Get(ctx, actor, customID); err != nil {
		return nil, err
	}
	entries, err := s.requests.History(ctx, customID)
	if err != nil {
		return nil, fromRepo(err)
	}
	return entries, nil
}

// DownloadFile streams a stored object. Plain users may only fetch files of their own requests.
func (s *requestService) DownloadFile(ctx context.Context, actor Actor, fileID string) ([]byte, error) {
	fileID = strings.Trim(fileID, "/")
	if fileID == "" {
		return nil, validationf("file id is required")
	}
	if actor.Role == model.RoleUser {
		customID := requestIDFromFile(fileID, s.rootFolder)
		if customID == "" {
			return nil, fmt.Errorf("%w: file %s", ErrNotFound, fileID)
		}
		if _, err := s.Get(ctx, actor, customID); err != nil {
			return nil, err
		}
	}
	data, err := s.store.Download(ctx, fileID)
	if err != nil {
		if isStorageNotFound(err) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, err
	}
	return data, nil
}

// ReservePONumber allocates the next free PO number of the current year.
func (s *requestService) ReservePONumber(ctx context.Context) (string, error) {
	for i := 0; i < maxWriteAttempts; i++ {
		po, err := s.ids.NextPONumber(ctx, s.now())
		if err != nil {
			return "", err
		}
		taken, err := s.requests.PONumberTaken(ctx, po)
		if err != nil {
			return "", err
		}
		if !taken {
			return po, nil
		}
	}
	return "", fmt.Errorf("%w: no free PO number after %d attempts", ErrConflict, maxWriteAttempts)
}

func (s *requestService) reload(ctx context.Context, req *model.Request) (*model.Request, error) {
	fresh, err := s.requests.FindByCustomID(ctx, req.CustomID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("custom_id", req.CustomID).Msg("reload after write failed")
		return req, nil
	}
	return fresh, nil
}

func canView(actor Actor, req *model.Request) bool {
	if actor.Role != model.RoleUser {
		return true
	}
	id := actor.userID()
	return id != nil && req.RequesterID != nil && *id == *req.RequesterID
}

// requestIDFromFile extracts the custom id from keys laid out as
// <root>/<custom id>/... by the storage folders.
func requestIDFromFile(fileID, root string) string {
	rest := strings.TrimPrefix(fileID, strings.Trim(root, "/")+"/")
	if i := strings.Index(rest, "/"); i > 0 {
		return rest[:i]
	}
	return ""
}

func requestLink(customID string) string {
	return "/requests/" + customID
}

func typeLabel(t string) string {
	switch t {
	case model.RequestTypeITTicket:
		return "IT ticket"
	default:
		return t
	}
}
