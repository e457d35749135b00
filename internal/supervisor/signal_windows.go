//go:build windows

package supervisor

import "os"

// Windows has no terminate signal for console processes started this way.
func terminate(p *os.Process) error { return p.Kill() }
