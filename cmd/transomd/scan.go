package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/transomlabs/transom/internal/infrastructure/config"
	"github.com/transomlabs/transom/internal/infrastructure/logging"
	"github.com/transomlabs/transom/internal/manifest"
)

// scanEntry is one discovered manifest in scan output.
type scanEntry struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Base    string `json:"base"`
	Sandbox string `json:"sandbox,omitempty"`
	Src     string `json:"src"`
	Path    string `json:"path"`
}

// newScanCommand creates the scan command.
func newScanCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [root]",
		Short: "Discover guest manifests under a directory",
		Long: `Walk a directory tree and list every guest manifest found.

Manifests are transom.json, transom.yaml, transom.yml or transom.toml
files at any depth. Unparseable manifests are skipped; duplicate names
keep the first manifest in path order. Without an argument the root
comes from TRANSOM_GUEST_ROOT.

Example:
  transomd scan ./guests
  transomd scan --format json ./guests`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runScan(opts *rootOptions, args []string, cmd *cobra.Command) error {
	var root string
	if len(args) == 1 {
		root = args[0]
	} else {
		root = config.LoadOrDefault().Host.GuestRoot
	}
	if root == "" {
		return errors.New("no scan root: pass a directory or set TRANSOM_GUEST_ROOT")
	}

	logger := zap.NewNop()
	if opts.Verbose {
		logger = logging.NewDevelopment().Logger
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	manifests, err := manifest.NewScanner(logger).Scan(ctx, root)
	if err != nil {
		return err
	}

	entries := make([]scanEntry, 0, len(manifests))
	for _, m := range manifests {
		entries = append(entries, scanEntry{
			Name:    m.Name,
			Kind:    string(manifest.ClassifySource(m.Src)),
			Base:    m.Base,
			Sandbox: m.Sandbox,
			Src:     m.Src,
			Path:    m.Path,
		})
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		data, err := sonic.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "no manifests found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tBASE\tSRC")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Kind, e.Base, e.Src)
	}
	return w.Flush()
}
