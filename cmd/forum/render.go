package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"niuforum/api/internal/directory"
	"niuforum/api/internal/markdown"
	"niuforum/api/internal/store"
)

var (
	renderAuthor     string
	renderNoMentions bool
	renderJSON       bool
)

var renderCmd = &cobra.Command{
	Use:   "render [file]",
	Short: "Render markdown from a file or stdin",
	Long: "Render markdown the same way topics and replies are rendered. " +
		"Mentions are resolved against the database unless --no-mentions is set.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := readSource(cmd, args)
		if err != nil {
			return err
		}

		var linker markdown.TextTransformer
		if !renderNoMentions {
			db, err := openDatabase(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			linker = markdown.NewMentionLinker(directory.New(store.NewPostgresStore(db), nil), markdown.DefaultProfileURL)
		}

		result, err := markdown.New(codeFormatter(), linker).Render(cmd.Context(), renderAuthor, source)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if renderJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"html":      result.HTML,
				"abstract":  result.Abstract,
				"mentioned": result.Mentioned,
			})
		}
		_, err = fmt.Fprintln(out, result.HTML)
		return err
	},
}

func readSource(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(data), nil
}

var cssCmd = &cobra.Command{
	Use:   "css",
	Short: "Print the stylesheet for highlighted code blocks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return codeFormatter().WriteCSS(cmd.OutOrStdout())
	},
}

func init() {
	renderCmd.Flags().StringVar(&renderAuthor, "author", "", "username excluded from the mentioned list")
	renderCmd.Flags().BoolVar(&renderNoMentions, "no-mentions", false, "leave @mentions as plain text")
	renderCmd.Flags().BoolVar(&renderJSON, "json", false, "print html, abstract and mentioned users as JSON")
}
