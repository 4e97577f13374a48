package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/plugkit/internal/plugin"
)

type report struct {
	Net       string        `json:"net"`
	Backend   string        `json:"backend"`
	Batch     int           `json:"batch"`
	Workspace int64         `json:"workspace_bytes"`
	Stages    []stageReport `json:"stages"`
}

type stageReport struct {
	ID string `json:"id"`
	plugin.Info
}

func inspectCmd(cfg Config) *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "inspect",
		Usage: "Build and configure a layer graph, then print shapes and tuning results",
		Flags: append(commonNetFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyNetConfig(cmd, cfg)
			if batch < 1 {
				return cli.Exit("error: --batch must be >= 1", 1)
			}

			s, err := openSession(ctx, netPath, backendName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = s.Close() }()

			if err := s.graph.Configure(int(batch)); err != nil {
				return cli.Exit(fmt.Sprintf("error: configure: %v", err), 1)
			}
			r, err := buildReport(s, int(batch))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if asJSON {
				return writeJSON(os.Stdout, r)
			}
			writeTables(os.Stdout, r)
			return nil
		},
	}
}

func buildReport(s *session, batch int) (report, error) {
	ws, err := s.graph.Workspace(batch)
	if err != nil {
		return report{}, err
	}
	r := report{Net: s.graph.Name, Backend: s.stack.Name, Batch: batch, Workspace: ws}
	for _, st := range s.graph.Stages {
		r.Stages = append(r.Stages, stageReport{ID: st.Entry.ID, Info: st.Plugin.Info()})
	}
	return r, nil
}

func writeJSON(w io.Writer, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func writeTables(w io.Writer, r report) {
	_, _ = fmt.Fprintf(w, "net %s on %s, batch %d, workspace %s\n\n", r.Net, r.Backend, r.Batch, formatBytes(r.Workspace))

	var data [][]string
	for _, s := range r.Stages {
		data = append(data, []string{s.Name, s.Type, s.In.String(), s.Out.String(), s.Precision, formatBytes(s.Workspace), s.State})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "TYPE", "IN", "OUT", "PRECISION", "WORKSPACE", "STATE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	for _, s := range r.Stages {
		if len(s.Candidates) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(w, "\n%s algorithms\n", s.Name)
		var rows [][]string
		for _, c := range s.Candidates {
			mark := ""
			if c.Selected {
				mark = "*"
			}
			rows = append(rows, []string{c.Algo, strconv.FormatFloat(c.TimeMS, 'f', 3, 64), formatBytes(c.MemoryBytes), mark})
		}
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"ALGO", "TIME (MS)", "MEMORY", "SELECTED"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.AppendBulk(rows)
		table.Render()
	}
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
