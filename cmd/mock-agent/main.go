// Package main implements a mock agent binary for terminal sessions. It
// mimics the interactive CLIs agentmux drives: typed lines come in, plausible
// work output comes out, with knobs for failures, slow tasks and structured
// results. Run it inside a tmux session and point an agent definition at
// that session for end-to-end testing without a real agent.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	delayMs := flag.Int("delay-ms", 200, "delay between output lines in milliseconds")
	prompt := flag.String("prompt", "mock@agentmux$", "prompt printed after every command")
	flag.Parse()

	delay := time.Duration(*delayMs) * time.Millisecond
	out := bufio.NewWriter(os.Stdout)
	printPrompt := func() {
		fmt.Fprintf(out, "%s ", *prompt)
		out.Flush()
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	printPrompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "clear":
			fmt.Fprint(out, "\033[2J\033[H")
			out.Flush()
		case strings.HasPrefix(line, "echo "):
			// The frame markers arrive as echo commands; they must appear
			// immediately and on their own line.
			fmt.Fprintln(out, echoArg(strings.TrimPrefix(line, "echo ")))
			out.Flush()
		default:
			for _, outLine := range respond(line) {
				time.Sleep(delay)
				fmt.Fprintln(out, outLine)
				out.Flush()
			}
		}
		printPrompt()
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// echoArg unquotes a quoted echo argument; plain arguments pass through.
func echoArg(arg string) string {
	if unquoted, err := strconv.Unquote(arg); err == nil {
		return unquoted
	}
	return arg
}
