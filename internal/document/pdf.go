package document

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"request-portal/internal/model"

	"github.com/jung-kurt/gofpdf/v2"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/shopspring/decimal"
)

func init() {
	// keep pdfcpu from creating a config directory in the user's home
	pdfmodel.ConfigPath = "disable"
}

// PDFRenderer draws documents with gofpdf and merges them with pdfcpu.
type PDFRenderer struct {
	company string
	now     func() time.Time
}

func NewPDFRenderer(company string) *PDFRenderer {
	if company == "" {
		company = "Request Portal"
	}
	return &PDFRenderer{company: company, now: time.Now}
}

func (r *PDFRenderer) RenderPlain(req *model.Request) ([]byte, error) {
	d := r.newDoc("REQUEST RECEIPT", req)
	d.section("Request")
	d.detailRows(req)
	if req.Description != "" {
		d.section("Description")
		d.paragraph(req.Description)
	}
	d.approvals(req)
	d.delivery(req)
	d.history(req)
	return d.bytes()
}

func (r *PDFRenderer) RenderPR(req *model.Request) ([]byte, error) {
	d := r.newDoc("PURCHASE REQUEST", req)
	d.section("Request")
	d.pair("Requester", req.RequesterName, "Supplier", req.Supplier)
	d.section("Items")
	d.items(req)
	if req.Description != "" {
		d.section("Justification")
		d.paragraph(req.Description)
	}
	d.signatures("Requested by", req.RequesterName, "Approved by", "")
	return d.bytes()
}

func (r *PDFRenderer) RenderPO(req *model.Request, completed bool) ([]byte, error) {
	title := "PURCHASE ORDER"
	if completed {
		title = "PURCHASE ORDER - COMPLETED"
	}
	d := r.newDoc(title, req)
	po := ""
	if req.PONumber != nil {
		po = *req.PONumber
	}
	d.section("Order")
	d.pair("PO Number", po, "Supplier", req.Supplier)
	d.pair("Requester", req.RequesterName, "Request", req.CustomID)
	d.section("Items")
	d.items(req)
	d.approvals(req)
	if completed {
		d.delivery(req)
		d.history(req)
	}
	d.signatures("Finance approval", req.FinanceApprovedBy, "Executed by", req.ExecutedBy)
	return d.bytes()
}

func (r *PDFRenderer) MergePDFPages(primary, secondary []byte) ([]byte, error) {
	if !IsPDF(primary) || !IsPDF(secondary) {
		return nil, fmt.Errorf("merge requires two PDF documents")
	}
	var out bytes.Buffer
	rs := []io.ReadSeeker{bytes.NewReader(primary), bytes.NewReader(secondary)}
	if err := api.MergeRaw(rs, &out, false, pdfConfig()); err != nil {
		return nil, fmt.Errorf("failed to merge PDF pages: %w", err)
	}
	return out.Bytes(), nil
}

func (r *PDFRenderer) PageCount(pdf []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(pdf), pdfConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to count PDF pages: %w", err)
	}
	return n, nil
}

func pdfConfig() *pdfmodel.Configuration {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	return conf
}

// doc wraps a gofpdf page with the layout helpers shared by all receipts.
type doc struct {
	pdf *gofpdf.Fpdf
	tr  func(string) string
	req *model.Request
}

func (r *PDFRenderer) newDoc(title string, req *model.Request) *doc {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title+" "+req.CustomID, true)
	pdf.SetCreator(r.company, true)
	pdf.SetFillColor(235, 235, 235)
	pdf.AddPage()

	d := &doc{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor(""), req: req}

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(190, 10, d.tr(r.company+" - "+title), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(190, 6, d.tr(fmt.Sprintf("%s | Status: %s | Generated: %s",
		req.CustomID, req.Status, r.now().Format("02-Jan-2006 15:04"))), "", 1, "C", false, 0, "")
	pdf.Ln(4)
	return d
}

func (d *doc) section(name string) {
	d.pdf.Ln(2)
	d.pdf.SetFont("Arial", "B", 12)
	d.pdf.CellFormat(190, 8, d.tr(name), "1", 1, "L", true, 0, "")
	d.pdf.SetFont("Arial", "", 10)
}

func (d *doc) pair(k1, v1, k2, v2 string) {
	d.pdf.CellFormat(95, 7, d.tr(k1+": "+v1), "LB", 0, "L", false, 0, "")
	d.pdf.CellFormat(95, 7, d.tr(k2+": "+v2), "RB", 1, "L", false, 0, "")
}

func (d *doc) paragraph(text string) {
	d.pdf.MultiCell(190, 6, d.tr(text), "1", "L", false)
}

func (d *doc) detailRows(req *model.Request) {
	d.pair("Type", req.Type, "Requester", req.RequesterName)
	d.pair("Title", req.Title, "Submitted", req.CreatedAt.Format("02-Jan-2006"))
	switch req.Type {
	case model.RequestTypePurchase:
		d.pair("Product", req.ProductName, "Supplier", req.Supplier)
		d.pair("Quantity", fmt.Sprintf("%d", req.Quantity), "Total", formatCents(req.TotalCents()))
	case model.RequestTypeMaintenance:
		d.pair("Equipment", req.Equipment, "Location", req.Location)
		d.pair("Maintenance", req.MaintenanceType, "Priority", req.Priority)
	case model.RequestTypeITTicket:
		d.pair("Category", req.Category, "Priority", req.Priority)
	}
}

func (d *doc) items(req *model.Request) {
	d.pdf.SetFont("Arial", "B", 10)
	d.pdf.CellFormat(80, 7, "Product", "1", 0, "C", true, 0, "")
	d.pdf.CellFormat(25, 7, "Qty", "1", 0, "C", true, 0, "")
	d.pdf.CellFormat(40, 7, "Unit Price", "1", 0, "C", true, 0, "")
	d.pdf.CellFormat(45, 7, "Total", "1", 1, "C", true, 0, "")

	name := req.ProductName
	if name == "" {
		name = req.Title
	}
	d.pdf.SetFont("Arial", "", 10)
	d.pdf.CellFormat(80, 6, d.tr(name), "1", 0, "L", false, 0, "")
	d.pdf.CellFormat(25, 6, fmt.Sprintf("%d", req.Quantity), "1", 0, "C", false, 0, "")
	d.pdf.CellFormat(40, 6, formatCents(req.UnitPriceCents), "1", 0, "R", false, 0, "")
	d.pdf.CellFormat(45, 6, formatCents(req.TotalCents()), "1", 1, "R", false, 0, "")
}

func (d *doc) approvals(req *model.Request) {
	if req.NeedApprovedBy == "" && req.FinanceApprovedBy == "" && req.ExecutedBy == "" {
		return
	}
	d.section("Approvals")
	d.pair("Supervisor", req.NeedApprovedBy, "Finance", req.FinanceApprovedBy)
	d.pair("Executed by", req.ExecutedBy, "", "")
}

func (d *doc) delivery(req *model.Request) {
	if req.Carrier == "" && req.TrackingCode == "" && len(req.DeliveryProof) == 0 {
		return
	}
	d.section("Delivery")
	d.pair("Carrier", req.Carrier, "Tracking", req.TrackingCode)
	for _, p := range req.DeliveryProof {
		d.pdf.CellFormat(190, 6, d.tr("Proof: "+p.Name), "LRB", 1, "L", false, 0, "")
	}
}

func (d *doc) history(req *model.Request) {
	if len(req.StatusHistory) == 0 {
		return
	}
	d.section("History")
	d.pdf.SetFont("Arial", "B", 9)
	d.pdf.CellFormat(35, 6, "Status", "1", 0, "C", true, 0, "")
	d.pdf.CellFormat(35, 6, "Date", "1", 0, "C", true, 0, "")
	d.pdf.CellFormat(40, 6, "By", "1", 0, "C", true, 0, "")
	d.pdf.CellFormat(80, 6, "Comment", "1", 1, "C", true, 0, "")
	d.pdf.SetFont("Arial", "", 9)
	for _, h := range req.StatusHistory {
		d.pdf.CellFormat(35, 6, d.tr(h.Status), "1", 0, "L", false, 0, "")
		d.pdf.CellFormat(35, 6, h.ChangedAt.Format("02-Jan-2006 15:04"), "1", 0, "L", false, 0, "")
		d.pdf.CellFormat(40, 6, d.tr(truncate(h.ChangedBy, 24)), "1", 0, "L", false, 0, "")
		d.pdf.CellFormat(80, 6, d.tr(truncate(h.Comment, 50)), "1", 1, "L", false, 0, "")
	}
}

func (d *doc) signatures(l1, n1, l2, n2 string) {
	d.pdf.Ln(12)
	d.pdf.SetFont("Arial", "", 10)
	d.pdf.CellFormat(95, 6, "______________________________", "", 0, "C", false, 0, "")
	d.pdf.CellFormat(95, 6, "______________________________", "", 1, "C", false, 0, "")
	d.pdf.CellFormat(95, 6, d.tr(l1+": "+n1), "", 0, "C", false, 0, "")
	d.pdf.CellFormat(95, 6, d.tr(l2+": "+n2), "", 1, "C", false, 0, "")
}

func (d *doc) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", d.req.CustomID, err)
	}
	return buf.Bytes(), nil
}

// formatCents renders minor currency units as a fixed two decimal amount.
func formatCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
