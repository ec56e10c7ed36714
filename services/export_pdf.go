package services

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
)

// PDFRenderer writes one page per frame with the image centered inside a
// quarter-inch margin and the frame's timestamp below it.
type PDFRenderer struct {
	widthIn  float64
	heightIn float64
}

func NewPDFRenderer(widthIn, heightIn float64) *PDFRenderer {
	return &PDFRenderer{widthIn: widthIn, heightIn: heightIn}
}

func (r *PDFRenderer) Format() string      { return "pdf" }
func (r *PDFRenderer) Extension() string   { return ".pdf" }
func (r *PDFRenderer) ContentType() string { return "application/pdf" }

func (r *PDFRenderer) Render(frames []ExportFrame, title string) ([]byte, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("pdf: %w", ErrInvalidSelection)
	}

	// Explicit page size in portrait mode keeps fpdf from swapping the sides.
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "in",
		Size:           fpdf.SizeType{Wd: r.widthIn, Ht: r.heightIn},
	})
	pdf.SetTitle(title, true)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(96, 96, 96)

	const margin = 0.25
	boxW := r.widthIn - 2*margin
	boxH := r.heightIn - 2*margin

	for i, f := range frames {
		pdf.AddPage()

		name := fmt.Sprintf("frame-%d-%d", i, f.Ref.Index)
		opts := fpdf.ImageOptions{ImageType: "JPG"}
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(f.JPEG))

		x, y, w, h := fitRect(f.Width, f.Height, boxW, boxH)
		pdf.ImageOptions(name, x+margin, y+margin, w, h, false, opts, 0, "")

		pdf.SetXY(0, r.heightIn-margin+0.02)
		pdf.CellFormat(r.widthIn, 0.2, FormatTimestamp(f.Ref.Timestamp), "", 0, "C", false, 0, "")

		if err := pdf.Error(); err != nil {
			return nil, fmt.Errorf("pdf: page %d: %w", i+1, err)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf: %w", err)
	}
	return buf.Bytes(), nil
}
