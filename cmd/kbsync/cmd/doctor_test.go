package cmd

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drukkhua/druk-helper-sub000/internal/preflight"
)

func TestDoctorCmd_Ready(t *testing.T) {
	// Given: a project whose source is readable
	p := newProject(t, sampleCSV)

	// When
	var report doctorReport
	p.mustRunJSON(t, &report, "doctor")

	// Then
	assert.NotEqual(t, "failed", report.Status)
	require.NotEmpty(t, report.Checks)
	assert.Equal(t, "source", report.Checks[0].Name)
	assert.Equal(t, preflight.StatusPass, report.Checks[0].Status)
	assert.Equal(t, "4 rows", report.Checks[0].Message)
}

func TestDoctorCmd_MissingSourceFails(t *testing.T) {
	// Given: the source export is gone
	p := newProject(t, sampleCSV)
	require.NoError(t, os.Remove(p.csv))

	// When
	out, err := p.run(t, "doctor", "--format", "text")

	// Then
	require.Error(t, err)
	assert.Contains(t, out, "[FAIL] source")
	assert.Contains(t, out, "Status: FAILED")
}
