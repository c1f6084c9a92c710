package main

import (
	cmd "github.com/cozy-creator/plate-gateway/cmd/plategw"
)

func main() {
	cmd.Execute()
}
