package manager

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"McpHost/internal/models"
)

// launchStdio builds the subprocess for a stdio descriptor. The process is
// started by the transport on Connect, not here.
func launchStdio(desc models.ServerDescriptor, terminate time.Duration, logger zerolog.Logger) *Launch {
	cmd := exec.Command(desc.Command, desc.Args...)

	if desc.Workdir != "" {
		cmd.Dir = desc.Workdir
	}

	if len(desc.Env) > 0 {
		cmd.Env = os.Environ()
		keys := make([]string, 0, len(desc.Env))
		for key := range desc.Env {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, desc.Env[key]))
		}
	}

	// Server diagnostics land in the host log, tagged with the server name.
	cmd.Stderr = logger.With().Str("server", desc.Name).Str("stream", "stderr").Logger()

	logger.Debug().
		Str("server", desc.Name).
		Str("command", desc.Command).
		Strs("args", desc.Args).
		Msg("launching stdio server")

	var once sync.Once
	return &Launch{
		Transport: &mcp.CommandTransport{Command: cmd, TerminateDuration: terminate},
		Cleanup: func() {
			once.Do(func() { killProcess(cmd) })
		},
	}
}

// killProcess terminates a process that is still running after its session
// was closed or never came up, and reaps it.
func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil || cmd.ProcessState != nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		return
	}
	_ = cmd.Wait()
}
