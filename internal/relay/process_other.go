//go:build !unix

package relay

import "os/exec"

// configureProcessGroup relies on the CommandContext default of killing the
// direct child.
func configureProcessGroup(cmd *exec.Cmd) {}
