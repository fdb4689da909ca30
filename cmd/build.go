package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/courseman/courseman/internal/registry"
)

var (
	buildPublish bool
	buildOpts    registry.UpdateOptions
)

var buildCmd = &cobra.Command{
	Use:     "build <course-key>",
	Aliases: []string{"b"},
	Short:   "Build and store a course now",
	Long: `Runs the full build pipeline for a course synchronously: git sync,
build step, validation, grader configuration and storage. With
--publish the stored snapshot is promoted live afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		key := args[0]
		u, err := app.builder.BuildOnce(cmd.Context(), key, "cli", buildOpts)
		if err != nil {
			return err
		}

		fmt.Println(u.Log)
		if u.Status != registry.StatusSuccess {
			return fmt.Errorf("build of course %q finished with status %s", key, u.Status)
		}

		if buildPublish {
			cc, nonfatal, err := app.builder.Publish(cmd.Context(), key)
			if err != nil {
				return err
			}
			for _, msg := range nonfatal {
				fmt.Println("warning:", msg)
			}
			fmt.Printf("published %s version %s\n", cc.Key, cc.VersionID)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().BoolVar(&buildPublish, "publish", false, "publish the course after a successful build")
	buildCmd.Flags().BoolVar(&buildOpts.SkipGit, "skip-git", false, "build the local tree without syncing git")
	buildCmd.Flags().BoolVar(&buildOpts.SkipBuild, "skip-build", false, "skip the course's build step")
	buildCmd.Flags().BoolVar(&buildOpts.SkipNotify, "skip-notify", false, "do not notify the frontend of the outcome")
	buildCmd.Flags().StringVar(&buildOpts.BuildImage, "image", "", "override the build image for this run")
	buildCmd.Flags().StringVar(&buildOpts.BuildCommand, "command", "", "override the build command for this run")
}
