package reprl

// This file implements a fake REPRL-speaking target used only by this
// package's own tests, following the same re-exec-the-test-binary
// technique used in internal/reprl/supervisor.

import (
	"encoding/binary"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/reprl-go/reprl/internal/reprl/supervisor"
)

func TestMain(m *testing.M) {
	if os.Getenv("REPRL_HELPER_CHILD") == "1" {
		runHelperChild()
		return
	}
	os.Exit(m.Run())
}

func runHelperChild() {
	ctrlIn := os.NewFile(uintptr(supervisor.ChildCtrlIn), "ctrlin")
	ctrlOut := os.NewFile(uintptr(supervisor.ChildCtrlOut), "ctrlout")
	dataIn := os.NewFile(uintptr(supervisor.ChildDataIn), "datain")

	if _, err := ctrlOut.Write([]byte("HELO")); err != nil {
		os.Exit(1)
	}
	var hello [4]byte
	if _, err := io.ReadFull(ctrlIn, hello[:]); err != nil || string(hello[:]) != "HELO" {
		os.Exit(1)
	}

	for {
		var frame [12]byte
		if _, err := io.ReadFull(ctrlIn, frame[:]); err != nil {
			os.Exit(0)
		}
		if string(frame[0:4]) != "cexe" {
			os.Exit(1)
		}
		length := binary.LittleEndian.Uint64(frame[4:12])
		script := make([]byte, length)
		if length > 0 {
			io.ReadFull(dataIn, script)
		}

		runCommand(ctrlOut, string(script))
	}
}

// runCommand understands the exit:N and stdout:TEXT commands of the
// supervisor package's helper; any other script reports a clean exit.
func runCommand(ctrlOut *os.File, cmd string) {
	switch {
	case strings.HasPrefix(cmd, "exit:"):
		n, _ := strconv.Atoi(strings.TrimPrefix(cmd, "exit:"))
		os.Exit(n)

	case strings.HasPrefix(cmd, "stdout:"):
		os.Stdout.WriteString(strings.TrimPrefix(cmd, "stdout:"))
		writeStatus(ctrlOut, 0)

	default:
		writeStatus(ctrlOut, 0)
	}
}

func writeStatus(ctrlOut *os.File, status uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], status)
	ctrlOut.Write(buf[:])
}
