package roundtrip

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

const ReportSchemaVersion = "report.v1"

// Report is the machine-consumed result of a run.
type Report struct {
	SchemaVersion  string          `json:"schema_version"`
	RunID          string          `json:"run_id"`
	GeneratedAtUTC string          `json:"generated_at_utc"`
	Orchestrator   string          `json:"orchestrator"`
	Environment    string          `json:"environment"`
	ConfigSHA256   string          `json:"config_sha256"`
	Projects       []ProjectReport `json:"projects"`
	Tally          Tally           `json:"tally"`
	Passed         bool            `json:"passed"`
}

// ProjectReport is one project's matrix.
type ProjectReport struct {
	Name   string       `json:"name"`
	Dir    string       `json:"dir"`
	Binary string       `json:"binary"`
	Cells  []CellResult `json:"cells"`
	Tally  Tally        `json:"tally"`
	Passed bool         `json:"passed"`
}

// CellResult is every stage run for one matrix cell.
type CellResult struct {
	Cell    Cell          `json:"cell"`
	Stages  []StageResult `json:"stages"`
	Defects int           `json:"structural_defects"`
	// StructuralReadError is set when the IR existed but could not be read.
	StructuralReadError string `json:"structural_read_error,omitempty"`
}

// Stage returns the result recorded for stage, if it ran.
func (c CellResult) Stage(stage Stage) (StageResult, bool) {
	for _, s := range c.Stages {
		if s.Stage == stage {
			return s, true
		}
	}
	return StageResult{}, false
}

// add folds a project into the report totals.
func (r *Report) add(p ProjectReport) {
	r.Projects = append(r.Projects, p)
	r.Tally.Add(p.Tally)
	r.Passed = r.Tally.Passed()
}

// configDigest is the SHA-256 of the canonical JSON of v.
func configDigest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	canon, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize config: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalReport returns the RFC 8785 canonical form of r plus a newline.
func MarshalReport(r *Report) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("report is nil")
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	canon, err := jsoncanonicalizer.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize report: %w", err)
	}
	return append(canon, '\n'), nil
}

func WriteReport(path string, r *Report) error {
	data, err := MarshalReport(r)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}
	return nil
}

//nolint:gosec // report path is explicit operator input.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if r.SchemaVersion != ReportSchemaVersion {
		return nil, fmt.Errorf("unsupported report schema %q", r.SchemaVersion)
	}
	return &r, nil
}

// Summary prints one line per cell and the totals.
func Summary(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s\t%s\t%s\n", r.RunID, r.GeneratedAtUTC, r.Environment)
	for _, p := range r.Projects {
		fmt.Fprintf(tw, "\nPROJECT\tCELL\tRESULT\tDETAIL\n")
		for _, c := range p.Cells {
			result, detail := "ok", ""
			for _, s := range c.Stages {
				if !s.OK {
					result, detail = string(s.Stage), s.Detail
					break
				}
			}
			if c.Defects > 0 && result == "ok" {
				result, detail = string(StageVerify), fmt.Sprintf("%d defects", c.Defects)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, c.Cell, result, detail)
		}
		fmt.Fprintf(tw, "%s\ttotal\t%s\t\n", p.Name, p.Tally)
	}
	verdict := "FAIL"
	if r.Passed {
		verdict = "PASS"
	}
	fmt.Fprintf(tw, "\n%s\t%s\n", verdict, r.Tally)
	return tw.Flush()
}
