package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tissuemaps/tmviewer/internal/render"
	"github.com/tissuemaps/tmviewer/internal/viewer"
)

var (
	okLabel    = color.New(color.FgGreen)
	titleLabel = color.New(color.Bold)
)

// printJSON prints data as indented JSON to stdout
func printJSON(data any) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the server offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			tools, err := client.ListTools(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(tools)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODE\tDESCRIPTION")
			for _, t := range tools {
				mode := "sync"
				if t.LongRunning {
					mode = "long-running"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, mode, t.Description)
			}
			return w.Flush()
		},
	}
}

func newResultsCmd() *cobra.Command {
	var experiment string
	cmd := &cobra.Command{
		Use:   "results --experiment ID",
		Short: "List the saved tool results of an experiment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			results, err := client.ToolResults(cmd.Context(), experiment)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(results)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOOL\tTYPE\tNAME\tLAYERS\tPLOTS")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", r.ID, r.ToolName, r.Type, r.Name, len(r.Layers), len(r.Plots))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&experiment, "experiment", "e", "", "Experiment ID")
	cmd.MarkFlagRequired("experiment")
	return cmd
}

// runOptions are the flags of the run command.
type runOptions struct {
	experiment string
	payload    string
	tile       string
	out        string
	legend     string
	zplane     int
	tpoint     int
	tileSize   int
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run TOOL --experiment ID --payload JSON",
		Short: "Run a tool and wait for its result",
		Long: `Run a tool against an experiment. Long-running tools are awaited over
the push channel. The payload is a JSON object, or @path to read it from a file.

Examples:
  # Heatmap of cell area, with the legend written to a file
  tmclient run Heatmap -e demo -p '{"mapobject_type":"cells","selected_feature":"area"}' --legend legend.png

  # Render tile 1/0/0 of the first label layer
  tmclient run Clustering -e demo -p @clustering.json --tile 1/0/0 --out tile.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTool(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.experiment, "experiment", "e", "", "Experiment ID")
	cmd.Flags().StringVarP(&opts.payload, "payload", "p", "{}", "Tool payload as JSON, or @file")
	cmd.Flags().StringVar(&opts.tile, "tile", "", "Render the label tile z/x/y of the result")
	cmd.Flags().StringVar(&opts.out, "out", "tile.png", "Output file for --tile")
	cmd.Flags().StringVar(&opts.legend, "legend", "", "Write the result legend to this PNG file")
	cmd.Flags().IntVar(&opts.zplane, "zplane", 0, "Z-plane of the label layer to render")
	cmd.Flags().IntVar(&opts.tpoint, "tpoint", 0, "Time point of the label layer to render")
	cmd.Flags().IntVar(&opts.tileSize, "tile-size", 256, "Tile size the server was configured with")
	cmd.MarkFlagRequired("experiment")
	return cmd
}

func runTool(cmd *cobra.Command, toolName string, opts runOptions) error {
	payload, err := parsePayload(opts.payload)
	if err != nil {
		return err
	}
	var x, y, z int
	if opts.tile != "" {
		if z, x, y, err = parseTile(opts.tile); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	conn, err := connect(ctx, opts.experiment)
	if err != nil {
		return err
	}
	defer conn.Close()

	tool, ok := conn.viewer.Tool(toolName)
	if !ok {
		return fmt.Errorf("unknown tool %q", toolName)
	}
	session, err := tool.CreateSession(conn.viewer)
	if err != nil {
		return err
	}
	result, err := session.SendRequest(ctx, payload)
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(resultSummary(result)); err != nil {
			return err
		}
	} else {
		printResult(result)
	}

	if opts.legend != "" {
		if err := writeLegend(result, opts.legend); err != nil {
			return err
		}
		okLabel.Fprintf(os.Stderr, "legend written to %s\n", opts.legend)
	}

	if opts.tile != "" {
		layer := findLayer(result.Layers(), opts.zplane, opts.tpoint)
		if layer == nil {
			return fmt.Errorf("result has no label layer for zplane %d, tpoint %d", opts.zplane, opts.tpoint)
		}
		png, err := viewer.RenderTile(ctx, conn.client, render.NewRenderer(render.Config{TileSize: opts.tileSize}), layer, x, y, z)
		if err != nil {
			return fmt.Errorf("render tile: %w", err)
		}
		if err := os.WriteFile(opts.out, png, 0o644); err != nil {
			return err
		}
		okLabel.Fprintf(os.Stderr, "tile %d/%d/%d of layer %s written to %s\n", z, x, y, layer.ID(), opts.out)
	}
	return nil
}

// parsePayload decodes a JSON object given inline or as @path.
func parsePayload(s string) (map[string]any, error) {
	data := []byte(s)
	if strings.HasPrefix(s, "@") {
		b, err := os.ReadFile(s[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

// parseTile parses "z/x/y".
func parseTile(s string) (z, x, y int, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("tile %q: expected z/x/y", s)
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("tile %q: %q is not a non-negative integer", s, p)
		}
		v[i] = n
	}
	return v[0], v[1], v[2], nil
}

func findLayer(layers []viewer.LabelLayer, zplane, tpoint int) viewer.LabelLayer {
	for _, l := range layers {
		if l.ZPlane() == zplane && l.TPoint() == tpoint {
			return l
		}
	}
	return nil
}

type summary struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	ToolName     string         `json:"tool_name"`
	SubmissionID string         `json:"submission_id,omitempty"`
	Attributes   map[string]any `json:"attributes"`
	Layers       []string       `json:"layers"`
	Plots        []string       `json:"plots"`
	Legend       string         `json:"legend"`
}

func resultSummary(r *viewer.ToolResult) summary {
	s := summary{
		ID:           r.ID(),
		Name:         r.Name(),
		Type:         r.Type(),
		ToolName:     r.ToolName(),
		SubmissionID: r.SubmissionID(),
		Attributes:   r.Attributes(),
		Legend:       describeLegend(r.Legend()),
	}
	for _, l := range r.Layers() {
		s.Layers = append(s.Layers, l.ID())
	}
	for _, p := range r.Plots() {
		s.Plots = append(s.Plots, p.Type()+" "+p.ID())
	}
	return s
}

func describeLegend(l viewer.Legend) string {
	switch l := l.(type) {
	case *viewer.ScalarLabelLegend:
		labels := make([]string, len(l.Entries()))
		for i, e := range l.Entries() {
			labels[i] = e.Label
		}
		return fmt.Sprintf("%s: %s", l.Title(), strings.Join(labels, ", "))
	case *viewer.ContinuousLabelLegend:
		min, max := l.Range()
		return fmt.Sprintf("%s: %g to %g", l.Title(), min, max)
	case nil:
		return ""
	}
	return fmt.Sprintf("%T", l)
}

func printResult(r *viewer.ToolResult) {
	s := resultSummary(r)
	titleLabel.Printf("%s (%s)\n", s.Name, s.Type)
	fmt.Printf("  id:      %s\n", s.ID)
	if s.SubmissionID != "" {
		fmt.Printf("  job:     %s\n", s.SubmissionID)
	}
	fmt.Printf("  legend:  %s\n", s.Legend)
	fmt.Printf("  layers:  %s\n", strings.Join(s.Layers, ", "))
	for _, p := range s.Plots {
		fmt.Printf("  plot:    %s\n", p)
	}
}

func writeLegend(r *viewer.ToolResult, path string) error {
	if r.Legend() == nil {
		return fmt.Errorf("result %s has no legend", r.ID())
	}
	contentType, data := r.Legend().Element().Content()
	if contentType != "image/png" {
		return fmt.Errorf("legend is %s, not a PNG", contentType)
	}
	return os.WriteFile(path, data, 0o644)
}
