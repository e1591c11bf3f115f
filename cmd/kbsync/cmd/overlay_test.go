package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/drukkhua/druk-helper-sub000/internal/errors"
	"github.com/drukkhua/druk-helper-sub000/internal/index"
	"github.com/drukkhua/druk-helper-sub000/internal/knowledge"
	"github.com/drukkhua/druk-helper-sub000/internal/search"
)

func TestOverlayCmd_AdditionSurvivesFullRebuild(t *testing.T) {
	// Given: a synced project with an operator addition
	p := syncedProject(t)
	out, err := p.run(t, "overlay", "add",
		"--category", "prices",
		"--label", "Знижка студентам",
		"--keywords", "знижка, студент",
		"--ukr", "Студентам знижка 10%.")
	require.NoError(t, err)
	assert.Contains(t, out, "Added operator_")

	// When: a full rebuild runs
	var res index.SyncResult
	p.mustRunJSON(t, &res, "sync", "--full")
	require.True(t, res.Success)

	// Then: the addition is still listed and searchable
	var records []*knowledge.Record
	p.mustRunJSON(t, &records, "overlay", "list")
	require.Len(t, records, 1)
	assert.Equal(t, knowledge.OriginOperatorAddition, records[0].Origin)
	assert.True(t, strings.HasPrefix(records[0].ID, "operator_"))

	var found search.Result
	p.mustRunJSON(t, &found, "search", "знижка")
	require.NotEmpty(t, found.Hits)
	assert.Equal(t, records[0].ID, found.Hits[0].ID)
}

func TestOverlayCmd_AddRejectsIncompleteRecord(t *testing.T) {
	p := syncedProject(t)

	_, err := p.run(t, "overlay", "add", "--category", "prices", "--keywords", "знижка")

	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))
}

func TestOverlayCmd_CorrectionWinsOverSourceEdit(t *testing.T) {
	// Given: a corrected record
	p := syncedProject(t)
	var before search.Result
	p.mustRunJSON(t, &before, "search", "доставка")
	require.NotEmpty(t, before.Hits)
	id := before.Hits[0].ID

	_, err := p.run(t, "overlay", "correct", id, "--ukr", "Доставка Укрпоштою.")
	require.NoError(t, err)

	// When: the source edits the same record and a sync runs
	p.writeCSV(t, strings.Replace(sampleCSV, "Доставляємо Новою поштою.", "Доставляємо кур'єром.", 1))
	var res index.SyncResult
	p.mustRunJSON(t, &res, "sync")

	// Then: the edit is preserved instead of applied
	assert.Equal(t, 1, res.Preserved)
	var after search.Result
	p.mustRunJSON(t, &after, "search", "доставка")
	require.NotEmpty(t, after.Hits)
	assert.Equal(t, id, after.Hits[0].ID)
	assert.Equal(t, "Доставка Укрпоштою.", after.Hits[0].Answer)

	// When: the correction is removed and the next sync runs
	_, err = p.run(t, "overlay", "remove", id)
	require.NoError(t, err)
	p.mustRunJSON(t, &res, "sync")

	// Then: the source version is restored
	p.mustRunJSON(t, &after, "search", "доставка")
	require.NotEmpty(t, after.Hits)
	assert.Equal(t, "Доставляємо кур'єром.", after.Hits[0].Answer)
}

func TestOverlayCmd_CorrectUnknownID(t *testing.T) {
	p := syncedProject(t)

	_, err := p.run(t, "overlay", "correct", "nope", "--ukr", "x")

	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeRecordNotFound, kberrors.GetCode(err))
	assert.Equal(t, 2, ExitCode(err))
}

func TestOverlayCmd_RemoveImportedRecordRefused(t *testing.T) {
	p := syncedProject(t)
	var res search.Result
	p.mustRunJSON(t, &res, "search", "футболка")
	require.NotEmpty(t, res.Hits)

	_, err := p.run(t, "overlay", "remove", res.Hits[0].ID)

	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))
}

func TestOverlayCmd_ListEmpty(t *testing.T) {
	p := syncedProject(t)

	var records []*knowledge.Record
	p.mustRunJSON(t, &records, "overlay", "list")
	assert.Empty(t, records)

	out, err := p.run(t, "overlay", "list", "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "No operator records")
}
