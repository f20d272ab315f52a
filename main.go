// tb-remediate verifies remediation fixes for unhealthy Kubernetes workloads
// in shadow clones before applying them to production.
//
// Usage:
//
//	tb-remediate daemon                                  # detect and remediate continuously
//	tb-remediate remediate Deployment/demo/demo-api      # one incident, then exit
//	tb-remediate incidents list --server http://host:8080
package main

import "github.com/tinkerbelle-io/tb-remediate/cmd"

var version = "dev"

func main() {
	cmd.Execute(version)
}
