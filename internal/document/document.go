// Package document renders request receipts and purchase orders as PDF and
// merges delivery proofs into them.
package document

import (
	"bytes"

	"request-portal/internal/model"
)

// Renderer turns a request snapshot into PDF bytes.
type Renderer interface {
	// RenderPlain renders a receipt of any request type.
	RenderPlain(req *model.Request) ([]byte, error)
	// RenderPR renders the purchase request submitted for approval.
	RenderPR(req *model.Request) ([]byte, error)
	// RenderPO renders the approved purchase order, stamped as completed when requested.
	RenderPO(req *model.Request, completed bool) ([]byte, error)
	// MergePDFPages appends the pages of secondary after the pages of primary.
	MergePDFPages(primary, secondary []byte) ([]byte, error)
	PageCount(pdf []byte) (int, error)
}

// IsPDF sniffs the PDF header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("%PDF-"))
}
