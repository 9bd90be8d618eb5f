package main

import (
	"fmt"
	"runtime"

	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version)
				return
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "  Version:    %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			for _, p := range []protocol.Platform{protocol.PlatformLinux, protocol.PlatformMacOS} {
				app := protocol.GetAppInfo(p)
				fmt.Fprintf(out, "  Client %-6s %s (app %d)\n", p.String()+":", app.CurrentVersion, app.AppID)
			}
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")
	return cmd
}
