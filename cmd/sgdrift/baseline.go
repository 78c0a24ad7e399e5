package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/baseline"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/config"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/securitygroup"
)

// baselineExporter is the part of *baseline.Exporter the export command
// drives.
type baselineExporter interface {
	Snapshot(ctx context.Context, objectID string) (*baseline.Document, error)
	Export(ctx context.Context, objectID string) (*baseline.ExportResult, error)
}

func newBaselineCmd(cfgPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Manage the authorized rule baseline",
	}
	cmd.AddCommand(newBaselineExportCmd(cfgPath))
	return cmd
}

func newBaselineExportCmd(cfgPath func() string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Snapshot the live security group and store it as the baseline",
		Long: "Reads the current rules of the monitored security group, shows the\n" +
			"baseline document that would be written and, once confirmed, uploads it\n" +
			"to the configured bucket with server-side encryption.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath())
			if err != nil {
				return err
			}
			profile, err := common.NewDefaultAWSClientProvider().LoadProfile(cmd.Context(), cfg.Profile, cfg.Region)
			if err != nil {
				return err
			}
			groups := securitygroup.NewClient(profile.Clients.EC2)
			exporter := baseline.NewExporter(profile.Clients.S3, groups, cfg.Baseline.Bucket, cfg.Baseline.Key)
			uri := baseline.NewLoader(profile.Clients.S3, cfg.Baseline.Bucket, cfg.Baseline.Key).URI(cfg.ObjectID)

			return runExport(cmd.Context(), exporter, cfg.ObjectID, uri, yes, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Upload without asking for confirmation")
	return cmd
}

// runExport previews the snapshot of objectID and uploads it when the user
// confirms or yes is set.
func runExport(ctx context.Context, e baselineExporter, objectID, uri string, yes bool, in io.Reader, w io.Writer) error {
	if !yes {
		doc, err := e.Snapshot(ctx, objectID)
		if err != nil {
			return err
		}
		body, err := baseline.Encode(doc, baseline.FormatForKey(uri))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", body)
		fmt.Fprintf(w, "Upload this baseline to %s? [y/N]: ", uri)
		if !confirmed(in) {
			fmt.Fprintln(w, "Aborted; nothing written.")
			return nil
		}
	}

	res, err := e.Export(ctx, objectID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Baseline written to %s (%d ingress, %d egress rules)\n",
		res.URI, res.IngressRules, res.EgressRules)
	return nil
}

func confirmed(in io.Reader) bool {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// writeJSON writes v as indented JSON to w.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	return nil
}
