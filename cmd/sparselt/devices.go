package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparselt/internal/inference"
	"github.com/samcharles93/sparselt/internal/sparselinear"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List devices and whether the sparse operator supports them",
		Flags: backendFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyBackendConfig(cmd, LoadConfig())
			lib, err := openLibrary()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: backend: %v", err), 1)
			}
			devices, err := inference.Devices(lib)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: list devices: %v", err), 1)
			}

			caps := make([]string, 0, len(sparselinear.SupportedCapabilities))
			for _, cc := range sparselinear.SupportedCapabilities {
				caps = append(caps, cc.String())
			}
			fmt.Printf("backend: %s (supported capabilities: %s)\n\n", lib.Name(), strings.Join(caps, ", "))

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "INDEX\tNAME\tCAPABILITY\tMEMORY\tSUPPORTED")
			for _, d := range devices {
				mem := "-"
				if d.TotalMemory > 0 {
					mem = fmt.Sprintf("%.1f GB", float64(d.TotalMemory)/(1<<30))
				}
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", d.Index, d.Name, d.Capability, mem, d.Supported)
			}
			return tw.Flush()
		},
	}
}
