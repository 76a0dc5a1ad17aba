package server

import (
	"github.com/spf13/cobra"

	"github.com/sjqzhang/go-upload/internal/config"
	"github.com/sjqzhang/go-upload/internal/server"
)

// Cmd run upload server
var Cmd = &cobra.Command{
	Use:   "server",
	Short: "Run upload server",
	Long:  `Run upload server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return main()
	},
}

var configFile string

func init() {
	Cmd.Flags().StringVar(&configFile, "config", config.DefaultConfigFile, "path to the yaml configuration")
}

func main() error {
	conf, err := config.NewConfig(configFile)
	if err != nil {
		return err
	}
	defer conf.RegisterExit()
	server.InitLogger(conf.LogDir())
	return server.NewServer(conf).Start()
}
