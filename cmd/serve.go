package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/courseman/courseman/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the API server and build workers",
	Long: `Starts the courseman HTTP API together with the background build
workers. Webhook pushes queue course builds; the published course
content and static files are served to the learning frontend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app.builder.Start(ctx)
		if err := app.loader.Watch(ctx); err != nil {
			app.log.Warn(ctx, err, "cannot watch publish root, cache falls back to mtime checks")
		}

		srv := server.New(app.cfg, app.reg, app.builder, app.loader, app.log)
		err = srv.ListenAndServe(ctx)
		app.builder.Wait()
		if err != nil && ctx.Err() == nil {
			return err
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "override the configured server port")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
