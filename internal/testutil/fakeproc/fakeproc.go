// Package fakeproc lets a test binary stand in for the external programs xpos
// drives: the development server and the ssh client.
//
// A test package calls Run from TestMain. When XPOS_FAKE_PROC names a role the
// binary behaves as that program and exits; otherwise Run returns and the
// tests proceed. Tests then point the launcher or tunnel at os.Args[0] with
// the role set in the environment.
package fakeproc

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

const (
	EnvRole     = "XPOS_FAKE_PROC"      // server, crash, ssh or auto
	EnvOutput   = "XPOS_FAKE_OUTPUT"    // ssh: written to stdout once connected
	EnvStderr   = "XPOS_FAKE_STDERR"    // ssh: written to stderr before exiting
	EnvExitCode = "XPOS_FAKE_EXIT_CODE" // ssh: exit immediately with this code
	EnvDelay    = "XPOS_FAKE_DELAY"     // ssh: wait this long before writing output
	EnvArgsFile = "XPOS_FAKE_ARGS_FILE" // ssh: argv is written here, one per line
)

// DefaultAnnouncement mimics what the relay prints after accepting a tunnel.
const DefaultAnnouncement = "\r\nYour public URL: https://my-app-7.xpos.to\r\nPress Ctrl+C to stop the tunnel\r\n"

// Run executes the fake program selected by XPOS_FAKE_PROC and exits. It
// returns immediately when the variable is unset. With role auto the binary
// acts as ssh when its argv carries a reverse forward (-R) and as the server
// otherwise, so one environment can drive a whole run.
func Run() {
	role := os.Getenv(EnvRole)
	if role == "" {
		return
	}
	os.Exit(run(role, os.Args[1:]))
}

func run(role string, args []string) int {
	if role == "auto" {
		role = "server"
		if slices.Contains(args, "-R") {
			role = "ssh"
		}
	}

	switch role {
	case "server":
		return runServer(args)
	case "crash":
		fmt.Fprintln(os.Stderr, "Could not open input file: artisan")
		return 1
	case "ssh":
		if path := os.Getenv(EnvArgsFile); path != "" {
			os.WriteFile(path, []byte(strings.Join(args, "\n")), 0o644)
		}
		return runSSH()
	default:
		fmt.Fprintf(os.Stderr, "fakeproc: unknown role %q\n", role)
		return 2
	}
}

func runServer(args []string) int {
	flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
	host := flags.String("host", "127.0.0.1", "bind host")
	port := flags.Int("port", 8000, "bind port")
	flags.Bool("no-reload", false, "ignored")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(*host, strconv.Itoa(*port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to listen on %s:%d (reason: %v)\n", *host, *port, err)
		return 1
	}
	fmt.Printf("Server running on [http://%s:%d].\n", *host, *port)

	go http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "hello from fake server")
	}))

	waitForSignal()
	ln.Close()
	return 0
}

func runSSH() int {
	if d, err := time.ParseDuration(os.Getenv(EnvDelay)); err == nil {
		time.Sleep(d)
	}

	if code := os.Getenv(EnvExitCode); code != "" {
		fmt.Fprint(os.Stderr, os.Getenv(EnvStderr))
		n, _ := strconv.Atoi(code)
		return n
	}

	output, ok := os.LookupEnv(EnvOutput)
	if !ok {
		output = DefaultAnnouncement
	}
	fmt.Print(output)

	waitForSignal()
	return 0
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch
}
