package main

import "github.com/mjafarpour/orderflow/cmd"

func main() {
	cmd.Execute()
}
