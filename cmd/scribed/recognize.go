package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func newRecognizeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recognize <file.wav>",
		Short: "Transcribe a single WAV file and print the text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel)

			recognizer, err := stt.New(cfg.STT)
			if err != nil {
				return fmt.Errorf("initialize recognizer: %w", err)
			}
			svc := stt.NewService(cfg.STT, recognizer, logger)

			text, err := svc.RecognizeFile(cmd.Context(), args[0], "cli")
			if err != nil {
				return fmt.Errorf("%s: %s", args[0], stt.Reason(err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}
