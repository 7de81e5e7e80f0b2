package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/herve-wq/mvpwakascribe/internal/audio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio input devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		capture, err := audio.NewCapture()
		if err != nil {
			return err
		}
		defer capture.Close()

		devices, err := capture.Devices()
		if err != nil {
			return err
		}

		for _, d := range devices {
			marker := " "
			if d.IsDefault {
				marker = "*"
			}
			fmt.Printf("%s %s  %s\n", marker, d.ID, d.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
