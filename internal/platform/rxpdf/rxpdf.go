// Package rxpdf renders prescriptions as PDF documents. Output is a pure
// function of its input: the same document and branding always produce the
// same bytes, which is what lets a stored digest stay verifiable.
package rxpdf

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

const producer = "prontivus rxpdf"

var ErrInvalidMedication = errors.New("invalid medication entry")

type Medication struct {
	Name      string
	Dosage    string
	Frequency string
	Duration  string
}

// Document is the renderable view of a prescription.
type Document struct {
	ID          string
	PatientID   string
	DoctorID    string
	Type        string
	Medications []Medication
	Notes       string
	CreatedAt   time.Time
}

// Branding is the clinic letterhead printed on every page.
type Branding struct {
	Name    string
	Address string
	Footer  string
}

// Seal carries what the signed document adds on top of the body.
type Seal struct {
	QR            []byte // PNG
	URL           string
	SignerName    string
	Registration  string
	SignedAt      time.Time
	ExpiresAt     time.Time // zero when the prescription does not lapse
	ContentDigest string
	Envelope      []byte // CMS SignedData, attached as prescription.p7m
}

// EnvelopeFileName is the name of the embedded CMS attachment.
const EnvelopeFileName = "prescription.p7m"

var typeTitles = map[string]string{
	"simple":        "Receita Simples",
	"antimicrobial": "Receita de Antimicrobiano",
	"controlled":    "Receita de Controle Especial",
}

// Renderer lays out prescriptions under one clinic branding.
type Renderer struct {
	branding Branding
}

// NewRenderer returns a Renderer printing b on every document.
func NewRenderer(b Branding) *Renderer {
	return &Renderer{branding: b}
}

func (r *Renderer) Branding() Branding { return r.branding }

// Check reports the first structural problem that would stop rendering.
func Check(doc Document) error {
	if len(doc.Medications) == 0 {
		return fmt.Errorf("%w: medication list is empty", ErrInvalidMedication)
	}
	for i, m := range doc.Medications {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("%w: entry %d has no name", ErrInvalidMedication, i+1)
		}
		if strings.TrimSpace(m.Dosage) == "" {
			return fmt.Errorf("%w: entry %d (%s) has no dosage", ErrInvalidMedication, i+1, m.Name)
		}
	}
	return nil
}

// Render produces the unsigned document.
func (r *Renderer) Render(doc Document) ([]byte, error) {
	if err := Check(doc); err != nil {
		return nil, err
	}
	pdf, tr := r.begin(doc, doc.CreatedAt)
	r.body(pdf, tr, doc)
	return finish(pdf)
}

// Seal produces the final document: the body, a verification block and the
// CMS envelope as an embedded file.
func (r *Renderer) Seal(doc Document, s Seal) ([]byte, error) {
	if err := Check(doc); err != nil {
		return nil, err
	}
	if len(s.Envelope) == 0 {
		return nil, errors.New("seal has no signature envelope")
	}

	pdf, tr := r.begin(doc, s.SignedAt)
	r.body(pdf, tr, doc)
	if err := r.verificationBlock(pdf, tr, s); err != nil {
		return nil, err
	}
	pdf.SetAttachments([]fpdf.Attachment{{
		Content:     s.Envelope,
		Filename:    EnvelopeFileName,
		Description: "Assinatura CMS (PKCS#7) do documento",
	}})
	return finish(pdf)
}

func (r *Renderer) begin(doc Document, stamp time.Time) (*fpdf.Fpdf, func(string) string) {
	stamp = stamp.UTC().Truncate(time.Second)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(stamp)
	pdf.SetModificationDate(stamp)
	pdf.SetCatalogSort(true)
	pdf.SetProducer(producer, false)
	pdf.SetCreator(producer, false)
	pdf.SetTitle("Receita "+doc.ID, true)
	pdf.SetAuthor(r.branding.Name, true)
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	footer := r.branding.Footer
	pdf.SetFooterFunc(func() {
		pdf.SetY(-18)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(110, 110, 110)
		if footer != "" {
			pdf.CellFormat(0, 4, tr(footer), "", 1, "C", false, 0, "")
		}
		pdf.CellFormat(0, 4, fmt.Sprintf("%d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AliasNbPages("")
	pdf.AddPage()
	return pdf, tr
}

func (r *Renderer) body(pdf *fpdf.Fpdf, tr func(string) string, doc Document) {
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 15)
	pdf.CellFormat(0, 8, tr(r.branding.Name), "", 1, "L", false, 0, "")
	if r.branding.Address != "" {
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, 4.5, tr(r.branding.Address), "", "L", false)
	}
	pdf.Ln(2)
	y := pdf.GetY()
	pdf.Line(20, y, 190, y)
	pdf.Ln(6)

	title, ok := typeTitles[doc.Type]
	if !ok {
		title = "Receita"
	}
	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 7, tr(strings.ToUpper(title)), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 5, tr("Paciente: "+doc.PatientID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, tr("Prescritor: "+doc.DoctorID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, tr("Emissão: "+doc.CreatedAt.UTC().Format("02/01/2006")), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 5, tr("Documento: "+doc.ID), "", 1, "L", false, 0, "")
	pdf.Ln(6)

	for i, m := range doc.Medications {
		pdf.SetFont("Helvetica", "B", 11)
		pdf.MultiCell(0, 6, tr(fmt.Sprintf("%d. %s", i+1, m.Name)), "", "L", false)
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetX(26)
		pdf.MultiCell(0, 5, tr(posology(m)), "", "L", false)
		pdf.Ln(3)
	}

	if doc.Notes != "" {
		pdf.Ln(2)
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(0, 6, tr("Observações"), "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, 5, tr(doc.Notes), "", "L", false)
	}
}

func posology(m Medication) string {
	parts := []string{m.Dosage}
	if m.Frequency != "" {
		parts = append(parts, m.Frequency)
	}
	if m.Duration != "" {
		parts = append(parts, "por "+m.Duration)
	}
	return strings.Join(parts, " | ")
}

const qrEdge = 32.0

func (r *Renderer) verificationBlock(pdf *fpdf.Fpdf, tr func(string) string, s Seal) error {
	qr, err := grayPNG(s.QR)
	if err != nil {
		return fmt.Errorf("qr image: %w", err)
	}

	pdf.Ln(8)
	if pdf.GetY()+qrEdge+14 > 270 {
		pdf.AddPage()
	}
	top := pdf.GetY()
	pdf.Line(20, top, 190, top)
	top += 4

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("verification-qr", opts, bytes.NewReader(qr))
	pdf.ImageOptions("verification-qr", 20, top, qrEdge, qrEdge, false, opts, 0, "")

	pdf.SetXY(20+qrEdge+6, top)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(0, 5, tr("Documento assinado digitalmente"), "", 2, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 8.5)
	signer := s.SignerName
	if s.Registration != "" {
		signer += " - " + s.Registration
	}
	lines := []string{
		"Assinado por: " + signer,
		"Data da assinatura: " + s.SignedAt.UTC().Format("02/01/2006 15:04:05 MST"),
	}
	if !s.ExpiresAt.IsZero() {
		lines = append(lines, "Válida até: "+s.ExpiresAt.UTC().Format("02/01/2006"))
	}
	lines = append(lines, "SHA-256: "+s.ContentDigest, "Verifique em:")
	for _, l := range lines {
		pdf.CellFormat(0, 4.5, tr(l), "", 2, "L", false, 0, "")
	}
	pdf.SetFont("Courier", "", 7)
	pdf.MultiCell(0, 3.5, s.URL, "", "L", false)
	pdf.SetY(top + qrEdge + 2)
	return pdf.Error()
}

// grayPNG re-encodes a PNG as 8-bit grayscale so the embedded image does not
// depend on the bit depth the QR encoder picked.
func grayPNG(data []byte) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	gray := image.NewGray(src.Bounds())
	draw.Draw(gray, gray.Bounds(), src, src.Bounds().Min, draw.Src)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, gray); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func finish(pdf *fpdf.Fpdf) ([]byte, error) {
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("rendering pdf: %w", err)
	}
	return buf.Bytes(), nil
}
