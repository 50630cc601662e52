// Command policyshield is a policy firewall for AI tool calls.
package main

import "github.com/policyshield/policyshield/cmd/policyshield/cmd"

func main() {
	cmd.Execute()
}
