package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/00quasr/sokudo-sub009/internal/config"
)

var textsCmd = &cobra.Command{
	Use:   "texts",
	Short: "List the challenge texts",
	Long: `List the challenge texts the server would hand out.

Texts are looked up in this order:
  --texts path, texts.path from config
  ~/.sokudo/texts.yaml
  ./configs/texts.yaml
  the built-in catalogue`,
	RunE: runTexts,
}

func init() {
	textsCmd.Flags().StringVar(&flagTexts, "texts", "", "Path to challenge texts YAML")
}

func runTexts(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Texts.Path
	if flagTexts != "" {
		path = flagTexts
	}

	texts, err := config.LoadTexts(path)
	if err != nil {
		return err
	}
	for i, t := range texts.All() {
		fmt.Printf("%2d. %s (%d chars)\n", i+1, t, len([]rune(t)))
	}
	return nil
}
