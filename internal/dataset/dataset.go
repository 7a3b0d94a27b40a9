// Package dataset describes the CSV datasets the search tools run against.
package dataset

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed datasets.yaml
var defaultCatalogue []byte

type Example struct {
	Title string `yaml:"title"`
	SQL   string `yaml:"sql"`
}

type Dataset struct {
	// Name is the tool name exposed to the model.
	Name string `yaml:"name"`
	// File is the CSV file name, relative to the data directory.
	File string `yaml:"file"`
	// Table is the placeholder the model writes in FROM clauses.
	Table        string    `yaml:"table"`
	Summary      string    `yaml:"summary"`
	Coverage     []string  `yaml:"coverage"`
	Schema       string    `yaml:"schema"`
	Examples     []Example `yaml:"examples"`
	EmptyMessage string    `yaml:"empty_message"`

	// Path is File resolved against the data directory.
	Path string `yaml:"-"`
}

type catalogue struct {
	Datasets []Dataset `yaml:"datasets"`
}

// Load parses the built-in catalogue and resolves every dataset against
// dataDir. Missing CSV files are an error.
func Load(dataDir string) ([]Dataset, error) {
	return Parse(defaultCatalogue, dataDir)
}

// Parse reads a YAML catalogue and resolves it against dataDir.
func Parse(data []byte, dataDir string) ([]Dataset, error) {
	var c catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse dataset catalogue: %w", err)
	}
	if len(c.Datasets) == 0 {
		return nil, errors.New("dataset catalogue is empty")
	}

	seen := make(map[string]bool, len(c.Datasets))
	for i := range c.Datasets {
		ds := &c.Datasets[i]
		if err := ds.validate(); err != nil {
			return nil, fmt.Errorf("invalid dataset %d: %w", i, err)
		}
		if seen[ds.Name] {
			return nil, fmt.Errorf("duplicate dataset name %q", ds.Name)
		}
		seen[ds.Name] = true

		ds.Path = filepath.Join(dataDir, ds.File)
		if _, err := os.Stat(ds.Path); err != nil {
			return nil, fmt.Errorf("dataset %s: %w", ds.Name, err)
		}
	}
	return c.Datasets, nil
}

func (d *Dataset) validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if d.File == "" {
		return fmt.Errorf("%s: file is required", d.Name)
	}
	if d.Table == "" {
		return fmt.Errorf("%s: table is required", d.Name)
	}
	if d.Summary == "" {
		return fmt.Errorf("%s: summary is required", d.Name)
	}
	if strings.TrimSpace(d.Schema) == "" {
		return fmt.Errorf("%s: schema is required", d.Name)
	}
	return nil
}

// Description renders the text shown to the model for this dataset's
// search tool.
func (d Dataset) Description(maxRows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", d.Name, d.Summary)

	if len(d.Coverage) > 0 {
		b.WriteString("\nCoverage:\n")
		for _, c := range d.Coverage {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	fmt.Fprintf(&b, "\nUsage:\n- Pass a single SELECT statement in sql_query.\n- Use '%s' in the FROM clause.\n", d.Table)
	b.WriteString("- INSERT, UPDATE, DELETE and other modifying statements are rejected.\n")
	fmt.Fprintf(&b, "- At most %d rows are returned. LIMIT %d is added when missing and larger limits are lowered.\n", maxRows, maxRows)

	fmt.Fprintf(&b, "\nTable: %s\nColumns:\n%s", d.Table, strings.TrimRight(d.Schema, "\n"))
	b.WriteString("\n")

	if len(d.Examples) > 0 {
		b.WriteString("\nExamples:\n")
		for i, ex := range d.Examples {
			fmt.Fprintf(&b, "%d. %s:\n   %s\n", i+1, ex.Title, ex.SQL)
		}
	}
	return b.String()
}

// Resolve rewrites every reference to the table placeholder in sql to the
// dataset's CSV path.
func (d Dataset) Resolve(sql string) string {
	path := "'" + strings.ReplaceAll(d.Path, "'", "''") + "'"
	sql = strings.ReplaceAll(sql, "'"+d.Table+"'", path)
	sql = strings.ReplaceAll(sql, `"`+d.Table+`"`, path)
	return sql
}
