// Package domain models NOAA Analysis of Record for Calibration (AORC)
// precipitation archives, the mirrors and national composites derived from
// them, and the jobs that record how each artifact was produced.
//
// # Data Source
//
// AORC precipitation is published per River Forecast Center (RFC) as one zip
// archive per calendar month, under
// https://hydrology.nws.noaa.gov/pub/aorc-historic/. The remote layout is:
//
//	AORC_<rfc>RFC_4km/<rfc>RFC_precip_partition/AORC_APCP_4KM_<rfc>RFC_<YYYYMM>.zip
//
// e.g. "AORC_ABRFC_4km/ABRFC_precip_partition/AORC_APCP_4KM_ABRFC_202005.zip"
// is the Arkansas-Red Basin archive for May 2020. Each archive holds one grid
// per hour, named with a YYYYMMDDHH suffix. Regional archives do not agree on
// month boundaries: some start at hour 00 of the first day, others at hour 01
// and run into hour 00 of the following month.
//
// # Regions
//
// The region set is the fixed list of twelve RFCs (AB, CB, CN, LM, MA, MB, NC,
// NE, NW, OH, SE, WG). Together they partition the contiguous United States;
// a composite is "complete" only when every region contributed.
//
// # Storage Keys
//
// Keys are pure functions of their identity so re-runs converge on the same
// objects:
//
//	mirror:    mirrors/aorc/precip/<remote path>             see [MirrorKey]
//	composite: transforms/aorc/precipitation/<YYYY>/<YYYYMMDDHH>.zarr  see [CompositeKey]
//
// # Provenance
//
// Every mirror is produced by a [TransferJob] that used exactly one
// [SourceObject]; every composite is produced by a [CompositeJob] that used
// the contributing [MirrorObject]s. Jobs are append-only and identified by a
// deterministic fingerprint so a retried recording step never duplicates them.
package domain
