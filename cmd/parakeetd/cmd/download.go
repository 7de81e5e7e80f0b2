package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/herve-wq/mvpwakascribe/internal/models"
)

var downloadCmd = &cobra.Command{
	Use:   "download [backend]",
	Short: "Download model bundles (onnxruntime, openvino, coreml)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := cfg.Backend
		if len(args) == 1 {
			name = args[0]
		}
		if name == "mock" {
			return fmt.Errorf("the mock backend has no models to download")
		}

		fmt.Printf("Downloading %s models to %s\n", name, cfg.ModelsDir)
		if err := models.Download(cfg.ModelsDir, name); err != nil {
			return err
		}
		return models.Verify(cfg.ModelsDir, name)
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}
