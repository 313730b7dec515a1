package cmd

import (
	"fmt"

	"github.com/blacktop/cawatch/internal/extract"
	"github.com/spf13/cobra"
)

var extractImages []string

func newExtractCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract [text]",
		Short: "Print the contract addresses found in text or images",
		Example: `  cawatch extract "launching now 0x6982508145454Ce325dDbE47a25d4ec3d2311933"
  cawatch extract --image https://pbs.twimg.com/media/abc.jpg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var addrs []string
			if len(extractImages) == 0 || len(args) > 0 {
				text, err := resolveInput(cmd, args, "", "text")
				if err != nil {
					return err
				}
				addrs = append(addrs, extract.Extract(text)...)
			}

			if len(extractImages) > 0 {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				cfg.OCR.Enabled = true
				reader, err := buildOCR(cfg)
				if err != nil {
					return err
				}
				for _, img := range extractImages {
					text, err := reader.Read(cmd.Context(), img)
					if err != nil {
						return fmt.Errorf("ocr %s: %w", img, err)
					}
					addrs = append(addrs, extract.Extract(text)...)
				}
			}

			addrs = extract.Unique(addrs)
			if len(addrs) == 0 {
				return fmt.Errorf("no contract address found")
			}
			for _, addr := range addrs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", addr, extract.Classify(addr))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&extractImages, "image", nil, "Image URL to run through OCR")
	return cmd
}
