package main

import "cc_session_hub/internal/cli"

func main() {
	cli.Execute()
}
