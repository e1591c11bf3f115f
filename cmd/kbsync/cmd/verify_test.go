package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifyJSON struct {
	Checked         int  `json:"checked"`
	Repaired        bool `json:"repaired"`
	Inconsistencies []struct {
		Type     string `json:"type"`
		RecordID string `json:"record_id"`
	} `json:"inconsistencies"`
}

func TestVerifyCmd_ConsistentAfterSync(t *testing.T) {
	p := syncedProject(t)

	var rep verifyJSON
	p.mustRunJSON(t, &rep, "verify")

	assert.Equal(t, 4, rep.Checked)
	assert.Empty(t, rep.Inconsistencies)
	assert.False(t, rep.Repaired)

	out, err := p.run(t, "verify", "--format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "Index consistent")
}

func TestVerifyCmd_OperatorRecordsIgnored(t *testing.T) {
	// Given: an operator addition that sync never applied
	p := syncedProject(t)
	_, err := p.run(t, "overlay", "add", "--category", "prices", "--keywords", "знижка", "--ukr", "Знижка 10%.")
	require.NoError(t, err)

	// When: verifying
	var rep verifyJSON
	p.mustRunJSON(t, &rep, "verify", "--repair")

	// Then: it is not reported as unexpected
	assert.Empty(t, rep.Inconsistencies)
	assert.False(t, rep.Repaired)
}
