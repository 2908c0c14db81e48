/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package main

import (
	_ "time/tzdata"

	"github.com/krobus00/option-feed-service/cmd"
)

func main() {
	cmd.Execute()
}
