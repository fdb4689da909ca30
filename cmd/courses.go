package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/courseman/courseman/internal/registry"
)

var coursesCmd = &cobra.Command{
	Use:     "courses",
	Aliases: []string{"c"},
	Short:   "Manage course records",
}

var coursesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls", "l"},
	Short:   "List registered courses",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		courses, err := app.reg.ListCourses()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tORIGIN\tBRANCH\tREMOTE ID")
		for _, c := range courses {
			remote := "-"
			if c.RemoteID != nil {
				remote = fmt.Sprint(*c.RemoteID)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Key, c.GitOrigin, c.GitBranch, remote)
		}

		return w.Flush()
	},
}

var (
	addOrigin   string
	addBranch   string
	addRemoteID int
	addHook     string
)

var coursesAddCmd = &cobra.Command{
	Use:   "add <course-key>",
	Short: "Register a course",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		c := &registry.Course{
			Key:        args[0],
			GitOrigin:  addOrigin,
			GitBranch:  addBranch,
			UpdateHook: addHook,
		}
		if cmd.Flags().Changed("remote-id") {
			c.RemoteID = &addRemoteID
		}
		if err := app.reg.SaveCourse(c); err != nil {
			return err
		}
		fmt.Printf("course %s registered, webhook secret: %s\n", c.Key, c.WebhookSecret)

		return nil
	},
}

var coursesShowCmd = &cobra.Command{
	Use:   "show <course-key>",
	Short: "Show a course record with its recent updates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		c, err := app.reg.GetCourse(args[0])
		if err != nil {
			return err
		}
		updates, err := app.reg.Updates(c.Key)
		if err != nil {
			return err
		}

		out := struct {
			Course  *registry.Course         `json:"course"`
			Updates []*registry.CourseUpdate `json:"updates"`
		}{c, updates}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))

		return nil
	},
}

var coursesRemoveCmd = &cobra.Command{
	Use:     "remove <course-key>",
	Aliases: []string{"rm"},
	Short:   "Remove a course record and its update history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		if err := app.reg.DeleteCourse(args[0]); err != nil {
			return err
		}
		fmt.Printf("course %s removed\n", args[0])

		return nil
	},
}

func init() {
	rootCmd.AddCommand(coursesCmd)
	coursesCmd.AddCommand(coursesListCmd, coursesAddCmd, coursesShowCmd, coursesRemoveCmd)

	coursesAddCmd.Flags().StringVar(&addOrigin, "origin", "", "git origin URL of the course material")
	coursesAddCmd.Flags().StringVar(&addBranch, "branch", "master", "git branch to track")
	coursesAddCmd.Flags().IntVar(&addRemoteID, "remote-id", 0, "course id on the learning frontend")
	coursesAddCmd.Flags().StringVar(&addHook, "update-hook", "", "URL invoked after successful builds")
}
