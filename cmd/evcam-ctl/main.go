// evcam-ctl sends control commands to a running evcam-core daemon
// through the file-based mailbox and prints its status snapshot.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kooo/evcam/internal/ipc"
)

const usage = `Usage: evcam-ctl <command>

Commands:
  record   Start segmented recording on all cameras
  stop     Stop recording on all cameras
  status   Print the daemon status snapshot
  quit     Shut the daemon down
`

func main() {
	if len(os.Args) != 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "record":
		send(ipc.CmdRecord)
	case "stop":
		send(ipc.CmdStop)
	case "status":
		printStatus()
	case "quit":
		send(ipc.CmdQuit)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func send(cmd ipc.Command) {
	if err := ipc.WriteCommand(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sent: %s\n", cmd)
}

func printStatus() {
	status, err := ipc.ReadStatus()
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "no status snapshot found - is evcam-core running?")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("evcam-core %s, snapshot from %s\n", status.Version,
		status.Timestamp.Format(time.RFC3339))
	if status.BotConnected {
		fmt.Println("bot gateway: connected")
	} else {
		fmt.Println("bot gateway: disconnected")
	}
	if status.LastAction != "" {
		fmt.Printf("last action: %s\n", status.LastAction)
	}
	if status.LastError != "" {
		fmt.Printf("last error:  %s\n", status.LastError)
	}

	for _, cam := range status.Cameras {
		switch {
		case cam.Recording:
			fmt.Printf("  %s (%s): recording segment %d -> %s\n",
				cam.CameraID, cam.Position, cam.SegmentIndex, filepath.Base(cam.CurrentFile))
		case cam.AwaitingReconfiguration:
			fmt.Printf("  %s (%s): switching segments\n", cam.CameraID, cam.Position)
		default:
			fmt.Printf("  %s (%s): idle\n", cam.CameraID, cam.Position)
		}
		if cam.LastError != "" {
			fmt.Printf("  %s last error: %s\n", cam.CameraID, cam.LastError)
		}
	}
}
