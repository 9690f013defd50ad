package main

import (
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/chainflow"
	"github.com/drblury/chainflow/internal/runtime/store/memory"
)

func newDeclareCommand(v *viper.Viper, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "declare",
		Short: "Declare the exchange, queues and bindings of the configured modes, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := chainflow.NewJSONServiceLogger(stderr, conf.LogLevel)

			// Declaring never writes, so the configured store stays closed.
			svc, err := chainflow.NewService(conf, logger, cmd.Context(), chainflow.ServiceDependencies{
				Store: memory.New(),
			})
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Declare(cmd.Context())
		},
	}
}
