package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleCSV = `category;subcategory;button_text;keywords;answer_ukr;answer_rus;sort_order
prices;tshirts;Друк футболок;футболка, друк;Від 250 грн за футболку.;От 250 грн за футболку.;1
prices;cards;Візитки;візитки, ціна;100 візиток від 300 грн.;100 визиток от 300 грн.;2
delivery;;Доставка;доставка, нова пошта;Доставляємо Новою поштою.;Доставляем Новой почтой.;1
timing;;Терміни;термін, строк;Виготовлення 2-3 дні.;Изготовление 2-3 дня.;1
`

// project is a temporary directory with a CSV export and a config file.
type project struct {
	dir    string
	csv    string
	config string
}

func newProject(t *testing.T, csv string) *project {
	t.Helper()
	dir := t.TempDir()
	p := &project{
		dir:    dir,
		csv:    filepath.Join(dir, "knowledge.csv"),
		config: filepath.Join(dir, ".kbsync.yaml"),
	}
	p.writeCSV(t, csv)
	cfg := `source:
  files:
    - path: knowledge.csv
embeddings:
  dimensions: 32
sync:
  restore_backoff: 1ms
storage:
  data_dir: .kbsync
`
	require.NoError(t, os.WriteFile(p.config, []byte(cfg), 0o644))
	return p
}

func (p *project) writeCSV(t *testing.T, csv string) {
	t.Helper()
	require.NoError(t, os.WriteFile(p.csv, []byte(csv), 0o644))
}

// run executes kbsync with args against the project and returns stdout.
func (p *project) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(append([]string{"--config", p.config}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

// mustRunJSON runs args with --format json and decodes stdout into v.
func (p *project) mustRunJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := p.run(t, append(args, "--format", "json")...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
