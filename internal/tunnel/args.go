package tunnel

import (
	"fmt"
	"strconv"
)

// buildArgs assembles the ssh argv for a reverse tunnel. The relay picks the
// remote port (-R 0:...), and the session must never stop to ask for a
// password or host key confirmation.
func buildArgs(opts Options) []string {
	args := []string{
		"-p", strconv.Itoa(opts.Port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", opts.ConnectTimeout),
	}
	args = append(args, opts.ExtraOptions...)
	args = append(args,
		"-R", fmt.Sprintf("0:%s:%d", opts.LocalHost, opts.LocalPort),
		fmt.Sprintf("%s@%s", opts.User, opts.Server),
	)
	return args
}
