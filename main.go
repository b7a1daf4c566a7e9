// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/loractl/loractl/cmd/loractl"

func main() {
	cmd.Execute()
}
