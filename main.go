package main

import (
	"github.com/spf13/cobra"

	"github.com/sjqzhang/go-upload/cmd/server"
	"github.com/sjqzhang/go-upload/cmd/version"
	uploadd "github.com/sjqzhang/go-upload/internal/server"
)

var (
	VERSION     string
	BUILD_TIME  string
	GO_VERSION  string
	GIT_VERSION string
)

func main() {
	uploadd.VERSION = VERSION
	uploadd.BUILD_TIME = BUILD_TIME
	uploadd.GO_VERSION = GO_VERSION
	uploadd.GIT_VERSION = GIT_VERSION
	root := cobra.Command{Use: "uploadd"}
	root.AddCommand(
		version.Cmd,
		server.Cmd,
	)
	root.Execute()
}
