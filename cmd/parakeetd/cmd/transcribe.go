package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/herve-wq/mvpwakascribe/internal/decode"
)

var (
	flagLanguage     string
	flagBeamWidth    int
	flagTemperature  float64
	flagBlankPenalty float64
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <file>",
	Short: "Transcribe an audio file and print the text",
	Args:  cobra.ExactArgs(1),
	RunE:  runTranscribe,
}

func init() {
	transcribeCmd.Flags().StringVar(&flagLanguage, "language", "auto", "forced language: auto, french, english")
	transcribeCmd.Flags().IntVar(&flagBeamWidth, "beam-width", 1, "beam width (1 = greedy)")
	transcribeCmd.Flags().Float64Var(&flagTemperature, "temperature", 1.0, "logit temperature")
	transcribeCmd.Flags().Float64Var(&flagBlankPenalty, "blank-penalty", 6.0, "penalty subtracted from the blank logit")
	rootCmd.AddCommand(transcribeCmd)
}

func runTranscribe(cmd *cobra.Command, args []string) error {
	lang, err := decode.ParseLanguage(flagLanguage)
	if err != nil {
		return err
	}
	dc := decode.Config{
		BeamWidth:    flagBeamWidth,
		Temperature:  flagTemperature,
		BlankPenalty: flagBlankPenalty,
		Language:     lang,
	}
	if err := dc.Validate(); err != nil {
		return err
	}

	eng, err := buildEngine(cfg, nil, nil, nil)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := eng.TranscribeFile(context.Background(), args[0], dc)
	if err != nil {
		return err
	}
	log.Printf("Transcribed %.1fs of audio in %s (%d segments)",
		float64(result.DurationMS)/1000,
		time.Since(start).Round(time.Millisecond),
		len(result.Segments))

	fmt.Println(result.RawText)
	return nil
}
