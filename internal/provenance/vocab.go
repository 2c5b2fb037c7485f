// Package provenance maps catalog entities to linked-data statements and
// records the jobs that produced them.
package provenance

// IRI identifies a resource or property.
type IRI string

// Namespaces used by the mapping.
const (
	AORC   = "https://raw.githubusercontent.com/Dewberry/blobfish/v0.9/semantics/rdf/aorc.ttl#"
	RDF    = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	XSD    = "http://www.w3.org/2001/XMLSchema#"
	PROV   = "http://www.w3.org/ns/prov#"
	DCAT   = "http://www.w3.org/ns/dcat#"
	DCT    = "http://purl.org/dc/terms/"
	LOCN   = "http://www.w3.org/ns/locn#"
	SPDX   = "http://spdx.org/rdf/terms#"
	GEO    = "http://www.opengis.net/ont/geosparql#"
	FREQ   = "http://purl.org/cld/freq/"
	IANAPP = "https://www.iana.org/assignments/media-types/application/"
)

// Classes.
const (
	ClassSourceDataset    IRI = AORC + "SourceDataset"
	ClassMirrorDataset    IRI = AORC + "MirrorDataset"
	ClassCompositeDataset IRI = AORC + "CompositeDataset"
	ClassTransferJob      IRI = AORC + "TransferJob"
	ClassCompositeJob     IRI = AORC + "CompositeJob"
	ClassTransferScript   IRI = AORC + "TransferScript"
	ClassCompositeScript  IRI = AORC + "CompositeScript"
	ClassDockerImage      IRI = AORC + "DockerImage"
	ClassRFC              IRI = AORC + "RFC"
)

// Properties.
const (
	RDFType IRI = RDF + "type"

	HasRFC             IRI = AORC + "hasRFC"
	HasRFCAlias        IRI = AORC + "hasRFCAlias"
	HasRFCName         IRI = AORC + "hasRFCName"
	HasSourceDataset   IRI = AORC + "hasSourceDataset"
	Transferred        IRI = AORC + "transferred"
	WasTransferredBy   IRI = AORC + "wasTransferredBy"
	IsCompositeOf      IRI = AORC + "isCompositeOf"
	CreatedComposite   IRI = AORC + "createdComposite"
	WasCompositedBy    IRI = AORC + "wasCompositedBy"
	HasDockerImage     IRI = AORC + "hasDockerImage"
	HasTransferScript  IRI = AORC + "hasTransferScript"
	HasCompositeScript IRI = AORC + "hasCompositeScript"

	ProvUsed       IRI = PROV + "used"
	ProvStartedAt  IRI = PROV + "startedAtTime"
	ProvEndedAt    IRI = PROV + "endedAtTime"
	ProvWasStarted IRI = PROV + "wasStartedBy"

	DcatStartDate          IRI = DCAT + "startDate"
	DcatEndDate            IRI = DCAT + "endDate"
	DcatTemporalResolution IRI = DCAT + "temporalResolution"
	DcatSpatialResolution  IRI = DCAT + "spatialResolutionInMeters"
	DcatByteSize           IRI = DCAT + "byteSize"
	DcatCompressFormat     IRI = DCAT + "compressFormat"

	DctIdentifier  IRI = DCT + "identifier"
	DctTitle       IRI = DCT + "title"
	DctModified    IRI = DCT + "modified"
	DctSource      IRI = DCT + "source"
	DctDescription IRI = DCT + "description"
	DctPeriodicity IRI = DCT + "accrualPeriodicity"
	DctReplacedBy  IRI = DCT + "isReplacedBy"

	LocnGeometry IRI = LOCN + "geometry"
	SpdxChecksum IRI = SPDX + "checksumValue"
)

// Datatypes.
const (
	XSDString          IRI = XSD + "string"
	XSDDate            IRI = XSD + "date"
	XSDDateTime        IRI = XSD + "dateTime"
	XSDDuration        IRI = XSD + "duration"
	XSDDecimal         IRI = XSD + "decimal"
	XSDPositiveInteger IRI = XSD + "positiveInteger"
	XSDBoolean         IRI = XSD + "boolean"
	WKTLiteral         IRI = GEO + "wktLiteral"
)

// linkPredicates point from one recorded entity to another. Closure requires
// the object of each to be a typed subject in the same graph.
var linkPredicates = map[IRI]bool{
	HasRFC:             true,
	HasSourceDataset:   true,
	Transferred:        true,
	WasTransferredBy:   true,
	IsCompositeOf:      true,
	CreatedComposite:   true,
	WasCompositedBy:    true,
	HasDockerImage:     true,
	HasTransferScript:  true,
	HasCompositeScript: true,
	ProvUsed:           true,
	ProvWasStarted:     true,
	DctReplacedBy:      true,
}
