package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/aorc-composite-service/internal/config"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/grid"
	"github.com/couchcryptid/aorc-composite-service/internal/pipeline"
	"github.com/couchcryptid/aorc-composite-service/internal/provenance"
)

func TestRootCommand_Subcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCommand().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"mirror", "composite", "provenance", "mask"} {
		assert.True(t, names[want], want)
	}
}

func TestMirrorCommand_RequiresRange(t *testing.T) {
	root := rootCommand()
	root.SetArgs([]string{"mirror", "--from", "2020-05"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	require.Error(t, root.Execute())
}

func TestReport(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	s := pipeline.Summary{Stage: pipeline.StageMirror, Succeeded: 11, Failed: 1}
	err := report(cmd, s, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 failed units")

	var decoded pipeline.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, 11, decoded.Succeeded)

	out.Reset()
	require.NoError(t, report(cmd, pipeline.Summary{Stage: pipeline.StageComposite, Deferred: 3}, nil))

	fatal := errors.New("dangling")
	assert.Equal(t, fatal, report(cmd, pipeline.Summary{}, fatal))
}

func TestWriteMask_RoundTrip(t *testing.T) {
	g, err := config.LoadGrid("")
	require.NoError(t, err)
	m := grid.BuildMask(g.Reference, g.Regions)

	path := filepath.Join(t.TempDir(), "mask.bin")
	require.NoError(t, writeMask(path, m))

	loaded, err := loadMask(&config.Grid{Regions: g.Regions, Reference: g.Reference, MaskPath: path})
	require.NoError(t, err)
	assert.Equal(t, m.Owner, loaded.Owner)
	require.NoError(t, loaded.Check(g.Reference, g.Regions))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestWriteStatements(t *testing.T) {
	stmts := []provenance.Statement{{
		Subject:   provenance.RegionIRI("AB"),
		Predicate: provenance.RDFType,
		Object:    provenance.Ref(provenance.ClassRFC),
	}}

	var js bytes.Buffer
	require.NoError(t, writeStatements(&js, "json", stmts))
	var decoded []provenance.Statement
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, stmts, decoded)

	var nt bytes.Buffer
	require.NoError(t, writeStatements(&nt, "ntriples", stmts))
	assert.Contains(t, nt.String(), "<"+string(provenance.RegionIRI("AB"))+">")
}

func TestRegionFilter(t *testing.T) {
	g, err := config.LoadGrid("")
	require.NoError(t, err)
	a := &app{grid: g}

	ids, err := regionFilter(a, []string{"ab", " CN "})
	require.NoError(t, err)
	assert.Equal(t, []domain.RegionID{"AB", "CN"}, ids)

	_, err = regionFilter(a, []string{"ZZ"})
	require.Error(t, err)
}
