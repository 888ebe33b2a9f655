// Command stmsh is a small interactive driver over package abi, modelled
// on the teacher's Connection.ExecCommand dispatch loop (mvcc/connection.go)
// and on the pack's own readline-backed shell (go-ycsb's shell.go): each
// input line is a verb plus arguments, translated directly into one ABI
// call. It exists so the ABI's opaque-handle surface has an exercised,
// hands-on caller in this repository, the same role main_test.go plays for
// the teacher's Connection type.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/mukeshjc/mvcc-isolation/v2/abi"
	"github.com/mukeshjc/mvcc-isolation/v2/region"
)

// session holds the one region and the named transaction handles this
// shell instance has open. Real C ABI callers juggle their own handles;
// this shell just keeps a name -> handle map for convenience.
type session struct {
	shared abi.SharedHandle
	txns   map[string]abi.TxHandle
}

func newSession() *session {
	return &session{shared: abi.InvalidShared, txns: map[string]abi.TxHandle{}}
}

// execCommand dispatches one verb the way Connection.ExecCommand does,
// one branch per command, returning a line of output and an error.
func (s *session) execCommand(command string, args []string) (string, error) {
	switch command {
	case "create":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: create <size> <align>")
		}
		size, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return "", err
		}
		align, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return "", err
		}
		s.shared = abi.Create(size, align)
		if s.shared == abi.InvalidShared {
			return "", fmt.Errorf("create failed")
		}
		return fmt.Sprintf("shared=%d", s.shared), nil

	case "destroy":
		if !abi.Destroy(s.shared) {
			return "", fmt.Errorf("destroy failed: live transactions?")
		}
		s.shared = abi.InvalidShared
		return "ok", nil

	case "start":
		addr, ok := abi.Start(s.shared)
		if !ok {
			return "", fmt.Errorf("no region")
		}
		return fmt.Sprintf("0x%x", uint64(addr)), nil

	case "size":
		size, ok := abi.Size(s.shared)
		if !ok {
			return "", fmt.Errorf("no region")
		}
		return fmt.Sprintf("%d", size), nil

	case "align":
		align, ok := abi.Align(s.shared)
		if !ok {
			return "", fmt.Errorf("no region")
		}
		return fmt.Sprintf("%d", align), nil

	case "begin":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: begin <name> <ro|rw>")
		}
		ro := args[1] == "ro"
		tx := abi.Begin(s.shared, ro)
		if tx == abi.InvalidTx {
			return "", fmt.Errorf("begin failed")
		}
		s.txns[args[0]] = tx
		return fmt.Sprintf("tx=%d", tx), nil

	case "read":
		if len(args) != 3 {
			return "", fmt.Errorf("usage: read <name> <addr> <n>")
		}
		tx, ok := s.txns[args[0]]
		if !ok {
			return "", fmt.Errorf("unknown transaction %q", args[0])
		}
		addr, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return "", err
		}
		n, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return "", err
		}
		dst := make([]byte, n)
		if !abi.Read(s.shared, tx, region.Addr(addr), n, dst) {
			delete(s.txns, args[0])
			return "", fmt.Errorf("read aborted transaction %q", args[0])
		}
		return hex.EncodeToString(dst), nil

	case "write":
		if len(args) != 3 {
			return "", fmt.Errorf("usage: write <name> <addr> <hex-bytes>")
		}
		tx, ok := s.txns[args[0]]
		if !ok {
			return "", fmt.Errorf("unknown transaction %q", args[0])
		}
		addr, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return "", err
		}
		src, err := hex.DecodeString(args[2])
		if err != nil {
			return "", err
		}
		if !abi.Write(s.shared, tx, src, uint64(len(src)), region.Addr(addr)) {
			return "", fmt.Errorf("write failed")
		}
		return "ok", nil

	case "commit":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: commit <name>")
		}
		tx, ok := s.txns[args[0]]
		if !ok {
			return "", fmt.Errorf("unknown transaction %q", args[0])
		}
		committed := abi.End(s.shared, tx)
		delete(s.txns, args[0])
		if !committed {
			return "", fmt.Errorf("commit failed")
		}
		return "committed", nil

	case "alloc":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: alloc <name> <size>")
		}
		tx, ok := s.txns[args[0]]
		if !ok {
			return "", fmt.Errorf("unknown transaction %q", args[0])
		}
		size, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return "", err
		}
		var out region.Addr
		switch abi.Alloc(s.shared, tx, size, &out) {
		case abi.AllocSuccess:
			return fmt.Sprintf("0x%x", uint64(out)), nil
		case abi.AllocNoMem:
			return "", fmt.Errorf("out of memory")
		default:
			return "", fmt.Errorf("alloc aborted")
		}

	case "free":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: free <name> <addr>")
		}
		tx, ok := s.txns[args[0]]
		if !ok {
			return "", fmt.Errorf("unknown transaction %q", args[0])
		}
		addr, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return "", err
		}
		if !abi.Free(s.shared, tx, region.Addr(addr)) {
			return "", fmt.Errorf("free failed")
		}
		return "ok", nil

	default:
		return "", fmt.Errorf("%v command unimplemented", command)
	}
}

func main() {
	s := newSession()

	l, err := readline.NewEx(&readline.Config{
		Prompt:            "stm» ",
		HistoryFile:       "/tmp/stmsh_history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "^D",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" {
			return
		}

		fields := strings.Fields(line)
		out, err := s.execCommand(fields[0], fields[1:])
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(out)
	}
}
