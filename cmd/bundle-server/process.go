package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirbundle/internal/platform/audit"
	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/ehr/fhirbundle/internal/platform/store"
)

// processCmd runs one bundle file against a fresh in-memory store and prints
// the response bundle. Useful for checking a bundle before sending it.
func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process a bundle file against an in-memory store",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			prefer, _ := cmd.Flags().GetString("prefer")
			baseURL, _ := cmd.Flags().GetString("base-url")
			verbose, _ := cmd.Flags().GetBool("verbose")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open bundle: %w", err)
				}
				defer f.Close()
				in = f
			}

			logger := zerolog.Nop()
			if verbose {
				logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()
			}
			return processBundle(cmd.Context(), in, cmd.OutOrStdout(), baseURL, prefer, logger)
		},
	}
	cmd.Flags().String("file", "", "Bundle JSON file, or - for stdin")
	cmd.Flags().String("prefer", "", "Prefer header value, e.g. return=OperationOutcome")
	cmd.Flags().String("base-url", fhir.DefaultProcessorConfig().BaseURL, "Service base URL used to resolve absolute references")
	cmd.Flags().Bool("verbose", false, "Log processing and audit records to stderr")
	return cmd
}

func processBundle(ctx context.Context, in io.Reader, out io.Writer, baseURL, prefer string, logger zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	b, err := fhir.DecodeBundle(data)
	if err != nil {
		return fmt.Errorf("decode bundle: %w", err)
	}

	pc := fhir.DefaultProcessorConfig()
	pc.BaseURL = baseURL
	processor := newProcessor(pc, store.NewMemory(), audit.NewLogSink(logger), logger)

	res := processor.Process(ctx, b, fhir.ProcessOptions{
		Prefer: fhir.ParsePreferHeader(prefer),
		User:   "cli",
	})

	var body interface{} = res.Outcome
	if res.Bundle != nil {
		body = res.Bundle
	}
	encoded, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := fmt.Fprintln(out, string(encoded)); err != nil {
		return err
	}
	if res.Bundle == nil {
		return fmt.Errorf("bundle %s with status %d", res.State, res.Status)
	}
	return nil
}
