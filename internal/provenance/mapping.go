package provenance

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// Mapper turns catalog entities into statements. It holds only naming
// configuration, so the mapping is a pure function of its input.
type Mapper struct {
	regions    *domain.RegionSet
	storeBase  string
	sourceBase string
}

// NewMapper names stored artifacts under storeBase (e.g. "s3://bucket") and
// remote archives under sourceBase (the source server root URL).
func NewMapper(regions *domain.RegionSet, storeBase, sourceBase string) *Mapper {
	return &Mapper{
		regions:    regions,
		storeBase:  strings.TrimSuffix(storeBase, "/"),
		sourceBase: strings.TrimSuffix(sourceBase, "/"),
	}
}

// StorageIRI names an artifact in the durable store.
func (m *Mapper) StorageIRI(key string) IRI { return IRI(m.storeBase + "/" + key) }

// MirrorIRI names one version of a mirror. The storage key is reused when an
// upstream archive changes, so the content checksum is part of the name.
func (m *Mapper) MirrorIRI(key, checksum string) IRI { return m.StorageIRI(key) + IRI("@"+checksum) }

// SourceIRI names one version of a remote archive.
func (m *Mapper) SourceIRI(src domain.SourceObject) IRI {
	return IRI(m.sourceBase + "/" + src.RemotePath + "@" + src.Version())
}

// RegionIRI names a River Forecast Center, e.g. aorc:ABRFC.
func RegionIRI(id domain.RegionID) IRI { return IRI(AORC + string(id) + "RFC") }

// JobIRI names a job.
func JobIRI(id string) IRI { return IRI("urn:uuid:" + id) }

// ImageIRI names the container image a job ran in.
func ImageIRI(s domain.ScriptIdentity) IRI {
	return IRI("oci://" + s.ImageTag + "@" + s.ImageDigest)
}

// ScriptIRI names the script within a source revision.
func ScriptIRI(s domain.ScriptIdentity) IRI {
	if s.ScriptPath == "" {
		return IRI(s.SourceRevisionURI)
	}
	return IRI(strings.TrimSuffix(s.SourceRevisionURI, "/") + "#" + s.ScriptPath)
}

// Statements maps one entity to its statements. Supported entities are
// domain.Region, domain.SourceObject, domain.MirrorObject,
// domain.CompositeObject, *domain.TransferJob and *domain.CompositeJob.
// Each required property is emitted exactly once per entity.
func (m *Mapper) Statements(entity any) ([]Statement, error) {
	var out []Statement
	switch e := entity.(type) {
	case domain.Region:
		out = m.region(e)
	case domain.SourceObject:
		out = m.source(e)
	case domain.MirrorObject:
		out = m.mirror(e)
	case domain.CompositeObject:
		out = m.composite(e)
	case *domain.TransferJob:
		out = m.transferJob(e)
	case *domain.CompositeJob:
		out = m.compositeJob(e)
	default:
		return nil, fmt.Errorf("no provenance mapping for %T", entity)
	}
	return Normalize(out), nil
}

func (m *Mapper) region(r domain.Region) []Statement {
	s := RegionIRI(r.ID)
	return []Statement{
		{s, RDFType, Ref(ClassRFC)},
		{s, HasRFCAlias, Lit(string(r.ID), XSDString)},
		{s, HasRFCName, Lit(r.Name, XSDString)},
	}
}

func (m *Mapper) source(src domain.SourceObject) []Statement {
	s := m.SourceIRI(src)
	ym := src.YearMonth()
	last := ym.Next().Start().AddDate(0, 0, -1)
	out := []Statement{
		{s, RDFType, Ref(ClassSourceDataset)},
		{s, HasRFC, Ref(RegionIRI(src.Region))},
		{s, DcatByteSize, Lit(strconv.FormatInt(src.ByteSize, 10), XSDPositiveInteger)},
		{s, DctModified, Lit(src.LastModified.UTC().Format(time.RFC3339), XSDDateTime)},
		{s, DcatStartDate, Lit(ym.Start().Format(time.DateOnly), XSDDate)},
		{s, DcatEndDate, Lit(last.Format(time.DateOnly), XSDDate)},
		{s, DctPeriodicity, Ref(FREQ + "monthly")},
		{s, DcatCompressFormat, Ref(IANAPP + "zip")},
	}
	if src.ETag != "" {
		out = append(out, Statement{s, DctIdentifier, Lit(src.ETag, XSDString)})
	}
	return out
}

func (m *Mapper) mirror(mo domain.MirrorObject) []Statement {
	s := m.MirrorIRI(mo.StorageKey, mo.Checksum)
	title := mo.DatasetID()
	if r, ok := m.regions.Get(mo.Region); ok {
		title = mo.Title(r)
	}
	out := []Statement{
		{s, RDFType, Ref(ClassMirrorDataset)},
		{s, DctIdentifier, Lit(mo.DatasetID(), XSDString)},
		{s, DctTitle, Lit(title, XSDString)},
		{s, HasSourceDataset, Ref(m.SourceIRI(mo.SourceRef))},
		{s, HasRFC, Ref(RegionIRI(mo.Region))},
		{s, SpdxChecksum, Lit("sha256:"+mo.Checksum, XSDString)},
		{s, DcatByteSize, Lit(strconv.FormatInt(mo.ByteSize, 10), XSDPositiveInteger)},
		{s, DcatStartDate, Lit(mo.Coverage.Start.UTC().Format(time.RFC3339), XSDDateTime)},
		{s, DcatEndDate, Lit(mo.Coverage.End.UTC().Format(time.RFC3339), XSDDateTime)},
		{s, DcatTemporalResolution, Lit(Duration(mo.TemporalResolution), XSDDuration)},
	}
	if mo.SpatialResolution > 0 {
		out = append(out, Statement{s, DcatSpatialResolution,
			Lit(strconv.FormatFloat(mo.SpatialResolution, 'f', 2, 64), XSDDecimal)})
	}
	if mo.ReplacedBy != "" {
		out = append(out, Statement{s, DctReplacedBy, Ref(m.MirrorIRI(mo.StorageKey, mo.ReplacedBy))})
	}
	return out
}

func (m *Mapper) composite(co domain.CompositeObject) []Statement {
	s := m.StorageIRI(co.StorageKey)
	ts := co.Timestamp.UTC()
	title := "CONUS AORC precipitation composite " + ts.Format(time.RFC3339)
	if co.Partial {
		title += " (partial)"
	}
	out := []Statement{
		{s, RDFType, Ref(ClassCompositeDataset)},
		{s, DctTitle, Lit(title, XSDString)},
		{s, SpdxChecksum, Lit("sha256:"+co.Checksum, XSDString)},
		{s, DcatStartDate, Lit(ts.Format(time.RFC3339), XSDDateTime)},
		{s, DcatEndDate, Lit(ts.Add(time.Hour).Format(time.RFC3339), XSDDateTime)},
		{s, LocnGeometry, Lit(co.Extent.WKT(), WKTLiteral)},
	}
	for _, key := range co.Used {
		out = append(out, Statement{s, IsCompositeOf, Ref(m.MirrorIRI(key, co.UsedChecksums[key]))})
	}
	if co.Partial {
		missing := m.regions.Missing(presence(co.ContributingRegions))
		ids := make([]string, len(missing))
		for i, id := range missing {
			ids[i] = string(id)
		}
		out = append(out, Statement{s, DctDescription,
			Lit("partial composite, missing regions: "+strings.Join(ids, ","), XSDString)})
	}
	return out
}

func (m *Mapper) transferJob(j *domain.TransferJob) []Statement {
	s := JobIRI(j.ID)
	out := append(jobCommon(s, ClassTransferJob, j), scriptStatements(j.Identity, ClassTransferScript, HasTransferScript)...)
	for _, mo := range j.Produced {
		o := m.MirrorIRI(mo.StorageKey, mo.Checksum)
		out = append(out,
			Statement{s, Transferred, Ref(o)},
			Statement{o, WasTransferredBy, Ref(s)},
		)
	}
	for _, src := range j.Used {
		out = append(out, Statement{s, ProvUsed, Ref(m.SourceIRI(src))})
	}
	return out
}

func (m *Mapper) compositeJob(j *domain.CompositeJob) []Statement {
	s := JobIRI(j.ID)
	out := append(jobCommon(s, ClassCompositeJob, j), scriptStatements(j.Identity, ClassCompositeScript, HasCompositeScript)...)
	for _, co := range j.Produced {
		o := m.StorageIRI(co.StorageKey)
		out = append(out,
			Statement{s, CreatedComposite, Ref(o)},
			Statement{o, WasCompositedBy, Ref(s)},
		)
	}
	for _, mo := range j.Used {
		out = append(out, Statement{s, ProvUsed, Ref(m.MirrorIRI(mo.StorageKey, mo.Checksum))})
	}
	return out
}

func jobCommon(s IRI, class IRI, j domain.Job) []Statement {
	started, finished := j.Window()
	return []Statement{
		{s, RDFType, Ref(class)},
		{s, DctIdentifier, Lit(j.Fingerprint(), XSDString)},
		{s, ProvStartedAt, Lit(started.UTC().Format(time.RFC3339), XSDDateTime)},
		{s, ProvEndedAt, Lit(finished.UTC().Format(time.RFC3339), XSDDateTime)},
		{s, ProvWasStarted, Ref(ScriptIRI(j.Script()))},
	}
}

func scriptStatements(id domain.ScriptIdentity, class, hasScript IRI) []Statement {
	script, image := ScriptIRI(id), ImageIRI(id)
	out := []Statement{
		{script, RDFType, Ref(class)},
		{script, DctSource, Ref(IRI(id.SourceRevisionURI))},
		{script, HasDockerImage, Ref(image)},
		{image, RDFType, Ref(ClassDockerImage)},
		{image, DctIdentifier, Lit(id.ImageDigest, XSDString)},
		{image, hasScript, Ref(script)},
	}
	if len(id.Command) > 0 {
		out = append(out, Statement{script, DctDescription, Lit(strings.Join(id.Command, " "), XSDString)})
	}
	return out
}

func presence(ids []domain.RegionID) map[domain.RegionID]bool {
	p := make(map[domain.RegionID]bool, len(ids))
	for _, id := range ids {
		p[id] = true
	}
	return p
}
