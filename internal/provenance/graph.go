package provenance

import (
	"fmt"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// EntitySource is the read side of the catalog the graph is assembled from.
type EntitySource interface {
	Mirrors() ([]domain.MirrorObject, error)
	Superseded() ([]domain.MirrorObject, error)
	Composites() ([]domain.CompositeObject, error)
	Jobs() ([]domain.Job, error)
}

// Graph assembles the statement set for everything recorded in src, plus the
// regions and remote sources those records point at. Superseded mirrors stay
// in the graph so older jobs and composites still resolve to what they used.
// The result is sorted, free of duplicates and checked for closure.
func (m *Mapper) Graph(src EntitySource) ([]Statement, error) {
	mirrors, err := src.Mirrors()
	if err != nil {
		return nil, fmt.Errorf("graph mirrors: %w", err)
	}
	replaced, err := src.Superseded()
	if err != nil {
		return nil, fmt.Errorf("graph superseded mirrors: %w", err)
	}
	mirrors = append(mirrors, replaced...)
	composites, err := src.Composites()
	if err != nil {
		return nil, fmt.Errorf("graph composites: %w", err)
	}
	jobs, err := src.Jobs()
	if err != nil {
		return nil, fmt.Errorf("graph jobs: %w", err)
	}

	entities := make([]any, 0, m.regions.Len()+2*len(mirrors)+len(composites)+len(jobs))
	for _, r := range m.regions.Regions() {
		entities = append(entities, r)
	}
	for _, mo := range mirrors {
		entities = append(entities, mo, mo.SourceRef)
	}
	for _, co := range composites {
		entities = append(entities, co)
	}
	for _, j := range jobs {
		entities = append(entities, j)
		if tj, ok := j.(*domain.TransferJob); ok {
			for _, s := range tj.Used {
				entities = append(entities, s)
			}
		}
	}

	var all []Statement
	for _, e := range entities {
		stmts, err := m.Statements(e)
		if err != nil {
			return nil, err
		}
		all = append(all, stmts...)
	}
	all = Normalize(all)
	if err := CheckClosure(all); err != nil {
		return nil, err
	}
	return all, nil
}

// CheckClosure verifies that every entity-to-entity link in stmts points at a
// subject the same set declares a type for.
func CheckClosure(stmts []Statement) error {
	typed := make(map[IRI]bool)
	for _, s := range stmts {
		if s.Predicate == RDFType {
			typed[s.Subject] = true
		}
	}
	for _, s := range stmts {
		if !linkPredicates[s.Predicate] {
			continue
		}
		if !s.Object.IsIRI() {
			return fmt.Errorf("%s %s has a literal object", s.Subject, s.Predicate)
		}
		if !typed[IRI(s.Object.Value)] {
			return fmt.Errorf("%s %s %s: %w", s.Subject, s.Predicate, s.Object.Value, domain.ErrDanglingReference)
		}
	}
	return nil
}
