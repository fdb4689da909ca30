package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <course-key>",
	Short: "Promote a stored course snapshot live",
	Long: `Moves the stored, validated snapshot of the course into the publish
root and re-establishes its static file links. When nothing is stored
the already published tree is re-validated instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		cc, nonfatal, err := app.builder.Publish(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, msg := range nonfatal {
			fmt.Println("warning:", msg)
		}
		fmt.Printf("published %s version %s\n", cc.Key, cc.VersionID)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)
}
