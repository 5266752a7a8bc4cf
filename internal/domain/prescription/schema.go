package prescription

import (
	"embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	createSchema = mustSchema("schemas/create.json")
	signSchema   = mustSchema("schemas/sign.json")
	revokeSchema = mustSchema("schemas/revoke.json")
)

func mustSchema(name string) *gojsonschema.Schema {
	src, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(err)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(src))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return s
}

// validateBody checks a raw request body against schema.
func validateBody(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return invalid("request body is not valid JSON")
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.Field()+": "+e.Description())
	}
	return &ValidationError{Problems: problems}
}

// Substances that require full posology on a controlled prescription.
var controlledSubstances = []string{
	"morfina", "fentanil", "metadona", "codeína", "codeina", "tramadol", "oxicodona", "metilfenidato",
}

const maxAntimicrobialDays = 14

// validateMedications applies the per-type prescribing rules.
func validateMedications(t Type, meds []Medication) error {
	var problems []string
	if !t.Valid() {
		problems = append(problems, fmt.Sprintf("type: unknown prescription type %q", t))
	}
	if len(meds) == 0 {
		problems = append(problems, "medications: at least one medication is required")
	}

	for i, m := range meds {
		field := fmt.Sprintf("medications.%d", i)
		if strings.TrimSpace(m.Name) == "" {
			problems = append(problems, field+".name: required")
			continue
		}

		needsFull := false
		switch t {
		case TypeAntimicrobial:
			needsFull = true
			if days, ok := durationDays(m.Duration); ok && days > maxAntimicrobialDays {
				problems = append(problems, fmt.Sprintf("%s.duration: antimicrobial treatment may not exceed %d days", field, maxAntimicrobialDays))
			}
		case TypeControlled:
			needsFull = isControlled(m.Name)
		}
		if !needsFull {
			continue
		}
		if strings.TrimSpace(m.Dosage) == "" {
			problems = append(problems, field+".dosage: required for "+m.Name)
		}
		if strings.TrimSpace(m.Frequency) == "" {
			problems = append(problems, field+".frequency: required for "+m.Name)
		}
		if strings.TrimSpace(m.Duration) == "" {
			problems = append(problems, field+".duration: required for "+m.Name)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func isControlled(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range controlledSubstances {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// durationDays reads durations written as "<n> dias" / "<n> days" / "<n>d".
// Anything else is free text and reports ok=false.
func durationDays(d string) (int, bool) {
	fields := strings.Fields(strings.ToLower(d))
	if len(fields) == 0 {
		return 0, false
	}
	num, unit := fields[0], ""
	if len(fields) > 1 {
		unit = fields[1]
	} else if strings.HasSuffix(num, "d") {
		num, unit = strings.TrimSuffix(num, "d"), "d"
	}
	if unit != "d" && !strings.HasPrefix(unit, "dia") && !strings.HasPrefix(unit, "day") {
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	return n, true
}
