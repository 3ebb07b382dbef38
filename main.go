package main

import "github.com/edgeflare/sqlgate/cmd/sqlgate"

func main() {
	sqlgate.Main()
}
