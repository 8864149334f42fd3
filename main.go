package main

import "github.com/katasec/dstream-ingester-mysql/cmd"

func main() {
	cmd.Execute()
}
