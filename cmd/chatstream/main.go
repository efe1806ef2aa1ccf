package main

import "github.com/nimburion/chatstream/pkg/cli"

func main() {
	cli.Execute(cli.NewRootCommand(cli.Options{
		Description: "Terminal chat client and room server speaking Server-Sent Events",
	}))
}
