package handler

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"request-portal/internal/middleware"
	"request-portal/internal/model"
	"request-portal/internal/service"
	"request-portal/pkg/pagination"
	"request-portal/pkg/response"

	"github.com/gin-gonic/gin"
)

type RequestHandler struct {
	requestService service.RequestService
	auth           *middleware.Auth
	maxUpload      int64
}

func NewRequestHandler(requestService service.RequestService, auth *middleware.Auth, maxUpload int64) *RequestHandler {
	return &RequestHandler{requestService: requestService, auth: auth, maxUpload: maxUpload}
}

type AttachmentsRequest struct {
	Comment string             `json:"comment" binding:"required"`
	Files   []model.Attachment `json:"files" binding:"required,min=1"`
}

type RemoveAttachmentRequest struct {
	FileID  string `json:"file_id" binding:"required"`
	Comment string `json:"comment" binding:"required"`
}

func (h *RequestHandler) RegisterRoutes(router *gin.RouterGroup) {
	requests := router.Group("/requests", h.auth.Authenticated())
	{
		requests.POST("", h.Submit)
		requests.GET("", h.List)
		requests.GET("/:id", h.Get)
		requests.GET("/:id/history", h.History)
		requests.PUT("/:id/status", h.Transition)
		requests.POST("/:id/attachments", h.AddAttachments)
		requests.DELETE("/:id/attachments", h.RemoveAttachment)
		requests.POST("/:id/files", h.UploadFiles)
	}

	router.GET("/files/*id", h.auth.Authenticated(), h.DownloadFile)
	router.POST("/po-numbers", h.auth.RequireRole(model.RoleAdmin), h.ReservePONumber)
}

// Submit creates a request
// @Summary      Submit a request
// @Description  Creates a purchase, maintenance or IT ticket request in status pending
// @Tags         requests
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.SubmitRequestDTO  true  "Request"
// @Success      201      {object}  response.Response{data=model.Request}
// @Failure      400      {object}  response.Response
// @Router       /requests [post]
func (h *RequestHandler) Submit(c *gin.Context) {
	var req service.SubmitRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	created, err := h.requestService.Submit(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, created))
}

// List returns requests newest first
// @Summary      List requests
// @Description  Users with role user only see their own requests
// @Tags         requests
// @Produce      json
// @Security     BearerAuth
// @Param        status  query  string  false  "Status filter"
// @Param        type    query  string  false  "Type filter"
// @Param        q       query  string  false  "Search in title, id and requester"
// @Param        page    query  int     false  "Page"
// @Param        limit   query  int     false  "Page size"
// @Success      200  {object}  response.Response{data=response.Page}
// @Failure      400  {object}  response.Response
// @Router       /requests [get]
func (h *RequestHandler) List(c *gin.Context) {
	p := pagination.Parse(c)
	list, total, err := h.requestService.List(c.Request.Context(), actorFrom(c), service.ListRequestsFilter{
		Status: c.Query("status"),
		Type:   c.Query("type"),
		Search: c.Query("q"),
		Page:   p.Page,
		Limit:  p.Limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, list, total, p.Page, p.Limit))
}

// Get returns one request by custom id or numeric id
// @Summary      Get request
// @Tags         requests
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Custom id (PR-20250101-001) or numeric id"
// @Success      200  {object}  response.Response{data=model.Request}
// @Failure      404  {object}  response.Response
// @Router       /requests/{id} [get]
func (h *RequestHandler) Get(c *gin.Context) {
	id := c.Param("id")
	var (
		req *model.Request
		err error
	)
	if n, convErr := strconv.ParseUint(id, 10, 64); convErr == nil {
		req, err = h.requestService.GetByID(c.Request.Context(), actorFrom(c), uint(n))
	} else {
		req, err = h.requestService.Get(c.Request.Context(), actorFrom(c), id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, req))
}

// History returns the status history of a request
// @Summary      Request history
// @Tags         requests
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Custom id"
// @Success      200  {object}  response.Response{data=[]model.StatusHistory}
// @Failure      404  {object}  response.Response
// @Router       /requests/{id}/history [get]
func (h *RequestHandler) History(c *gin.Context) {
	entries, err := h.requestService.History(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, entries))
}

// Transition changes the status of a request
// @Summary      Change request status
// @Description  Accepts JSON, or multipart/form-data with delivery proof files in the field "proof"
// @Tags         requests
// @Accept       json,mpfd
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                 true  "Custom id"
// @Param        payload  body      service.TransitionDTO  true  "Transition"
// @Success      200      {object}  response.Response{data=model.Request}
// @Failure      400      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Failure      422      {object}  response.Response
// @Router       /requests/{id}/status [put]
func (h *RequestHandler) Transition(c *gin.Context) {
	var in service.TransitionDTO
	if isMultipart(c) {
		form, err := h.multipartForm(c)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		in = service.TransitionDTO{
			To:           formValue(form, "status"),
			Comment:      formValue(form, "comment"),
			PONumber:     formValue(form, "po_number"),
			Carrier:      formValue(form, "carrier"),
			TrackingCode: formValue(form, "tracking_code"),
		}
		if in.ProofFiles, err = readFiles(form.File["proof"]); err != nil {
			badRequest(c, err.Error())
			return
		}
		if in.To == "" {
			badRequest(c, "status is required")
			return
		}
	} else if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	updated, err := h.requestService.Transition(c.Request.Context(), actorFrom(c), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, updated))
}

// AddAttachments links already stored files to a request
// @Summary      Add attachments
// @Tags         requests
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string              true  "Custom id"
// @Param        payload  body      AttachmentsRequest  true  "Files and comment"
// @Success      200      {object}  response.Response{data=model.Request}
// @Failure      400      {object}  response.Response
// @Router       /requests/{id}/attachments [post]
func (h *RequestHandler) AddAttachments(c *gin.Context) {
	var req AttachmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	updated, err := h.requestService.AddAttachments(c.Request.Context(), actorFrom(c), c.Param("id"), req.Comment, req.Files)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, updated))
}

// RemoveAttachment unlinks a file and deletes it from storage
// @Summary      Remove attachment
// @Tags         requests
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                   true  "Custom id"
// @Param        payload  body      RemoveAttachmentRequest  true  "File and comment"
// @Success      200      {object}  response.Response{data=model.Request}
// @Failure      404      {object}  response.Response
// @Router       /requests/{id}/attachments [delete]
func (h *RequestHandler) RemoveAttachment(c *gin.Context) {
	var req RemoveAttachmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}
	updated, err := h.requestService.RemoveAttachment(c.Request.Context(), actorFrom(c), c.Param("id"), req.FileID, req.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, updated))
}

// UploadFiles stores files in the request folder and attaches them
// @Summary      Upload files
// @Tags         requests
// @Accept       mpfd
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string  true  "Custom id"
// @Param        comment  formData  string  true  "Comment"
// @Param        files    formData  file    true  "Files"
// @Success      200      {object}  response.Response{data=model.Request}
// @Failure      400      {object}  response.Response
// @Router       /requests/{id}/files [post]
func (h *RequestHandler) UploadFiles(c *gin.Context) {
	form, err := h.multipartForm(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	files, err := readFiles(form.File["files"])
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	updated, err := h.requestService.UploadFiles(c.Request.Context(), actorFrom(c), c.Param("id"), formValue(form, "comment"), files)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, updated))
}

// DownloadFile streams a stored document
// @Summary      Download file
// @Tags         files
// @Produce      octet-stream
// @Security     BearerAuth
// @Param        id   path  string  true  "File id"
// @Success      200
// @Failure      404  {object}  response.Response
// @Router       /files/{id} [get]
func (h *RequestHandler) DownloadFile(c *gin.Context) {
	fileID := strings.TrimPrefix(c.Param("id"), "/")
	data, err := h.requestService.DownloadFile(c.Request.Context(), actorFrom(c), fileID)
	if err != nil {
		writeError(c, err)
		return
	}
	contentType := http.DetectContentType(data)
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", path.Base(fileID)))
	c.Data(http.StatusOK, contentType, data)
}

// ReservePONumber returns the next free PO number
// @Summary      Reserve PO number
// @Tags         requests
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response
// @Router       /po-numbers [post]
func (h *RequestHandler) ReservePONumber(c *gin.Context) {
	po, err := h.requestService.ReservePONumber(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"po_number": po}))
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

func (h *RequestHandler) multipartForm(c *gin.Context) (*multipart.Form, error) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	return form, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func readFiles(headers []*multipart.FileHeader) ([]service.FileUpload, error) {
	files := make([]service.FileUpload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", fh.Filename, err)
		}
		mimeType := fh.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}
		files = append(files, service.FileUpload{Name: fh.Filename, MimeType: mimeType, Data: data})
	}
	return files, nil
}
