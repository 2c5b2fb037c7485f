package provenance

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Term is the object of a statement: an IRI when Datatype is empty, otherwise
// a typed literal.
type Term struct {
	Value    string `json:"value"`
	Datatype IRI    `json:"datatype,omitempty"`
}

// Ref makes an IRI term.
func Ref(iri IRI) Term { return Term{Value: string(iri)} }

// Lit makes a typed literal.
func Lit(value string, datatype IRI) Term { return Term{Value: value, Datatype: datatype} }

// IsIRI reports whether the term names a resource.
func (t Term) IsIRI() bool { return t.Datatype == "" }

// Statement is one subject-predicate-object triple.
type Statement struct {
	Subject   IRI  `json:"subject"`
	Predicate IRI  `json:"predicate"`
	Object    Term `json:"object"`
}

func (s Statement) String() string {
	if s.Object.IsIRI() {
		return fmt.Sprintf("<%s> <%s> <%s> .", s.Subject, s.Predicate, s.Object.Value)
	}
	return fmt.Sprintf("<%s> <%s> %q^^<%s> .", s.Subject, s.Predicate, s.Object.Value, s.Object.Datatype)
}

func (s Statement) less(o Statement) bool {
	if s.Subject != o.Subject {
		return s.Subject < o.Subject
	}
	if s.Predicate != o.Predicate {
		return s.Predicate < o.Predicate
	}
	if s.Object.Value != o.Object.Value {
		return s.Object.Value < o.Object.Value
	}
	return s.Object.Datatype < o.Object.Datatype
}

// Normalize sorts statements and drops duplicates.
func Normalize(stmts []Statement) []Statement {
	sort.Slice(stmts, func(i, j int) bool { return stmts[i].less(stmts[j]) })
	out := stmts[:0]
	for i, s := range stmts {
		if i > 0 && s == stmts[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// NTriples renders statements one per line.
func NTriples(stmts []Statement) string {
	var b strings.Builder
	for _, s := range stmts {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Duration renders d as an xsd:duration, e.g. P0DT1H0M0S.
func Duration(d time.Duration) string {
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	return fmt.Sprintf("P%dDT%dH%dM%dS", days, hours, minutes, seconds)
}
