package main

import "github.com/vietddude/snapkeeper/internal/cli"

func main() {
	cli.Execute()
}
