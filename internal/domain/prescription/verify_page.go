package prescription

import (
	"bytes"
	"html/template"
	"mime"
	"strings"
	"time"
)

// pageCSP lets the verification page use its inline stylesheet and nothing else.
const pageCSP = "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'"

var outcomeTitles = map[Reason]string{
	ReasonNotFound:    "Receita não encontrada",
	ReasonTampered:    "Documento adulterado",
	ReasonRevoked:     "Receita revogada",
	ReasonExpired:     "Receita vencida",
	ReasonUnavailable: "Verificação indisponível",
}

var outcomeDetails = map[Reason]string{
	ReasonNotFound:    "O código informado não corresponde a nenhuma receita assinada.",
	ReasonTampered:    "O documento armazenado não confere com a assinatura digital. Não dispense.",
	ReasonRevoked:     "O médico revogou esta receita. Não dispense.",
	ReasonExpired:     "O prazo de validade desta receita terminou.",
	ReasonUnavailable: "Não foi possível concluir a verificação. Tente novamente em instantes.",
}

const verifyPageHTML = `<!DOCTYPE html>
<html lang="pt-BR">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:36rem;margin:2rem auto;padding:0 1rem;color:#222}
.badge{padding:1rem;border-radius:.5rem;color:#fff}
.ok{background:#1b7f3b}.bad{background:#b3261e}
dt{font-weight:600;margin-top:.75rem}dd{margin:0}
li{margin:.25rem 0}
</style>
</head>
<body>
<div class="badge {{if .Valid}}ok{{else}}bad{{end}}">
<h1>{{.Title}}</h1>
<p>{{.Detail}}</p>
</div>
{{with .Result}}{{if .PrescriptionID}}
<dl>
<dt>Receita</dt><dd>{{.PrescriptionID}}</dd>
{{if .DoctorName}}<dt>Médico(a)</dt><dd>{{.DoctorName}}{{if .DoctorRegistration}} - {{.DoctorRegistration}}{{end}}</dd>{{end}}
{{if .IssuedAt}}<dt>Assinada em</dt><dd>{{date .IssuedAt}}</dd>{{end}}
{{if .ExpiresAt}}<dt>Válida até</dt><dd>{{date .ExpiresAt}}</dd>{{end}}
{{if .RevokedAt}}<dt>Revogada em</dt><dd>{{date .RevokedAt}}</dd>{{end}}
</dl>
{{if .Medications}}
<h2>Medicamentos</h2>
<ul>
{{range .Medications}}<li><strong>{{.Name}}</strong>{{if .Dosage}} - {{.Dosage}}{{end}}{{if .Frequency}}, {{.Frequency}}{{end}}{{if .Duration}}, {{.Duration}}{{end}}</li>
{{end}}</ul>
{{end}}{{end}}{{end}}
</body>
</html>
`

var verifyPage = template.Must(template.New("verify").Funcs(template.FuncMap{
	"date": func(t *time.Time) string { return t.UTC().Format("02/01/2006 15:04 MST") },
}).Parse(verifyPageHTML))

type verifyPageData struct {
	Valid  bool
	Title  string
	Detail string
	Result Result
}

// renderVerifyPage renders res for people scanning the printed QR code. It
// shows exactly the fields of the JSON result.
func renderVerifyPage(res Result) ([]byte, error) {
	data := verifyPageData{
		Valid:  res.Valid,
		Title:  "Receita válida",
		Detail: "Assinatura digital conferida. O documento não foi alterado.",
		Result: res,
	}
	if !res.Valid {
		data.Title = outcomeTitles[res.Reason]
		data.Detail = outcomeDetails[res.Reason]
	}
	var buf bytes.Buffer
	if err := verifyPage.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// wantsHTML reports whether an Accept header asks for a page rather than JSON,
// as browsers opening the QR link do.
func wantsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case "text/html", "application/xhtml+xml":
			return true
		case "application/json":
			return false
		}
	}
	return false
}
