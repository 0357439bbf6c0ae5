package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/futago/internal/config"
	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/service/incidents"
	"github.com/ashita-ai/futago/internal/storage/sqlite"
	"github.com/ashita-ai/futago/migrations"
)

// caseFile is the YAML fixture read by evaluate. Unset thresholds and
// metadata settings keep the engine defaults.
type caseFile struct {
	Thresholds      dedup.Thresholds     `yaml:"thresholds"`
	Metadata        dedup.MetadataConfig `yaml:"metadata"`
	ActiveIncidents []string             `yaml:"active_incidents"`
	Input           dedup.Input          `yaml:"input"`
	Expect          *expectation         `yaml:"expect"`
}

// expectation makes a fixture self-checking.
type expectation struct {
	Action           dedup.Action `yaml:"action"`
	LinkedIncidentID string       `yaml:"linked_incident_id"`
}

type evaluateOptions struct {
	file   string
	asJSON bool
	dbPath string
	policy string
}

func newEvaluateCmd() *cobra.Command {
	var opts evaluateOptions
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a fixture file offline",
		Long: `Run the duplicate detection engine on a YAML fixture and print the decision.

The fixture holds the record under "input" with its candidates, optional
"thresholds", "metadata" and "active_incidents" overrides, and an optional
"expect" block. When "expect" is present the command fails on a mismatch.

With --db, active incidents come from a futago SQLite database according to
--policy instead of the fixture.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEvaluate(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "fixture file (- for stdin)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the decision as JSON")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database to read active incidents from")
	cmd.Flags().StringVar(&opts.policy, "policy", config.IncidentPolicyFirst, "incident policy with --db: first, product or none")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runEvaluate(ctx context.Context, in io.Reader, out io.Writer, opts evaluateOptions) error {
	raw, err := readFixture(in, opts.file)
	if err != nil {
		return err
	}
	fixture, err := parseCase(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", opts.file, err)
	}

	cfg := dedup.DefaultConfig()
	cfg.Thresholds = fixture.Thresholds
	cfg.Metadata = fixture.Metadata

	switch {
	case opts.dbPath != "" && len(fixture.ActiveIncidents) > 0:
		return errors.New("--db and active_incidents are mutually exclusive")
	case opts.dbPath != "":
		store, err := sqlite.Open(ctx, opts.dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			return err
		}
		defer store.Close(ctx)
		if err := store.RunMigrations(ctx, migrations.SQLite()); err != nil {
			return err
		}
		collab, err := incidents.ForPolicy(opts.policy, store)
		if err != nil {
			return err
		}
		collab.Apply(&cfg)
	case len(fixture.ActiveIncidents) > 0:
		ids := fixture.ActiveIncidents
		cfg.Lister = func(context.Context) ([]string, error) { return ids, nil }
	}

	engine, err := dedup.New(cfg)
	if err != nil {
		return err
	}
	d, err := engine.Evaluate(ctx, fixture.Input)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(d); err != nil {
			return err
		}
	} else {
		printDecision(out, d, len(fixture.Input.Candidates))
	}

	if fixture.Expect != nil {
		return checkExpectation(*fixture.Expect, d)
	}
	return nil
}

func readFixture(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied fixture path
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return raw, nil
}

func parseCase(raw []byte) (caseFile, error) {
	c := caseFile{
		Thresholds: dedup.DefaultThresholds(),
		Metadata:   dedup.DefaultMetadataConfig(),
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return caseFile{}, errors.New("fixture is empty")
		}
		return caseFile{}, err
	}
	if err := c.Input.Validate(); err != nil {
		return caseFile{}, err
	}
	return c, nil
}

func checkExpectation(want expectation, d dedup.Decision) error {
	if want.Action != "" && want.Action != d.Action {
		return fmt.Errorf("expected action %s, got %s", want.Action, d.Action)
	}
	if want.LinkedIncidentID != "" {
		got := ""
		if d.LinkedIncidentID != nil {
			got = *d.LinkedIncidentID
		}
		if got != want.LinkedIncidentID {
			return fmt.Errorf("expected linked incident %q, got %q", want.LinkedIncidentID, got)
		}
	}
	return nil
}

func printDecision(out io.Writer, d dedup.Decision, candidates int) {
	bold := color.New(color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(out, "%s %s\n", bold("record"), d.RecordID)
	fmt.Fprintf(out, "%s %s %s\n", bold("action"), actionColor(d.Action)(string(d.Action)),
		gray(fmt.Sprintf("(%d candidates)", candidates)))
	if d.LinkedIncidentID != nil {
		fmt.Fprintf(out, "%s %s\n", bold("incident"), *d.LinkedIncidentID)
	}
	if len(d.Matches) == 0 {
		fmt.Fprintf(out, "  %s\n", gray("no matches"))
		return
	}
	for _, m := range d.Matches {
		score := "     -"
		if m.Score != nil {
			score = fmt.Sprintf("%.4f", *m.Score)
		}
		fmt.Fprintf(out, "  %-15s %-20s %s  %s\n", m.Kind, m.CandidateID, score, strings.TrimSpace(m.Reason))
	}
}

func actionColor(a dedup.Action) func(...any) string {
	switch a {
	case dedup.ActionLinkAndNotify:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	case dedup.ActionAutoMerge:
		return color.New(color.FgCyan, color.Bold).SprintFunc()
	case dedup.ActionAgentReview:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgGreen).SprintFunc()
	}
}
