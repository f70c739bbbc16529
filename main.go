package main

import "sessiond/internal/app"

func main() {
	app.Main()
}
