package chunker

import (
	"fmt"
	"strings"
)

// Record is the subset of a raw STJ JSON resource record that
// fromSTJRecord projects into canonical text + metadata (spec §4.1).
type Record struct {
	Processo                 string
	Classe                   string
	Relator                  string
	OrgaoJulgador             string
	DataJulgamento            string
	DataPublicacao            string
	Ementa                    string
	Decisao                   string
	Acordao                   string
	ReferenciasLegislativas   []string // list-or-string in the source JSON
	PalavrasChave             string
	Tema                      string
	Ramo                      string
	Notas                     string
	InformacoesComplementares string

	// Extra holds any other string fields present on the raw record; the
	// catch-all rule (spec §4.1, §9 open question) appends any entry here
	// longer than 50 characters and not already substring-included in the
	// projected text. Preserved as-is per spec's explicit instruction.
	Extra map[string]string
}

type labeledField struct {
	label string
	value string
}

// FromSTJRecord projects a typed STJ record into a labeled text body plus a
// metadata dict, per spec §4.1's record mapper contract.
func FromSTJRecord(r Record) (string, map[string]string) {
	fields := []labeledField{
		{"Processo", r.Processo},
		{"Classe", r.Classe},
		{"Relator", r.Relator},
		{"Órgão Julgador", r.OrgaoJulgador},
		{"Data de Julgamento", r.DataJulgamento},
		{"Data de Publicação", r.DataPublicacao},
		{"EMENTA", r.Ementa},
		{"Decisão", r.Decisao},
		{"Acórdão", r.Acordao},
		{"Referências Legislativas", strings.Join(r.ReferenciasLegislativas, "; ")},
		{"Palavras-Chave", r.PalavrasChave},
		{"Tema", r.Tema},
		{"Ramo", r.Ramo},
		{"Notas", r.Notas},
		{"Informações Complementares", r.InformacoesComplementares},
	}

	var sections []string
	for _, f := range fields {
		v := strings.TrimSpace(f.value)
		if v == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("%s: %s", f.label, v))
	}

	joined := strings.Join(sections, "\n\n")

	// Catch-all: any remaining string field > 50 chars not already a
	// substring of the projected text gets appended verbatim.
	for key, v := range r.Extra {
		v = strings.TrimSpace(v)
		if len(v) <= 50 {
			continue
		}
		if strings.Contains(joined, v) {
			continue
		}
		section := fmt.Sprintf("%s: %s", key, v)
		sections = append(sections, section)
		joined = strings.Join(sections, "\n\n")
	}

	metadata := map[string]string{}
	if r.Processo != "" {
		metadata["processo"] = r.Processo
	}
	if r.Relator != "" {
		metadata["relator"] = r.Relator
	}
	if r.OrgaoJulgador != "" {
		metadata["orgaoJulgador"] = r.OrgaoJulgador
	}
	if r.Tema != "" {
		metadata["tema"] = r.Tema
	}

	return joined, metadata
}
