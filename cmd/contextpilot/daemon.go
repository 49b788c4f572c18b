package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contextpilot/contextpilot/internal/daemon"
)

var (
	flagSocket string
	flagPid    string
)

// daemonCmd runs the console PTY session daemon. It is never invoked
// directly by a user; daemon.EnsureRunning execs the current binary
// into it, detached via Setsid, the first time a worker's console
// module needs a session and nothing answers ping.
var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run the console session daemon (internal, spawned automatically)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSocket == "" || flagPid == "" {
			return cmd.Help()
		}
		srv, err := daemon.NewServer(flagSocket, flagPid)
		if err != nil {
			return err
		}
		go srv.Serve()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("daemon: shutting down")
		srv.Shutdown()
		return nil
	},
}

func init() {
	daemonCmd.Flags().StringVar(&flagSocket, "socket", "", "unix socket path to listen on")
	daemonCmd.Flags().StringVar(&flagPid, "pid", "", "pidfile path")
}
