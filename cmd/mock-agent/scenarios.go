package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// respond maps one submitted command to the lines the fake agent prints.
// The first word selects a scenario; anything unrecognized gets generic
// work output.
//
//	fail <msg>    print an error signature line ("fatal: ...")
//	sleep <secs>  block before answering, for timeout and heartbeat testing
//	work <n>      print n progress lines
//	report <txt>  print a trailing JSON object for structured-result parsing
func respond(line string) []string {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "fail":
		if rest == "" {
			rest = "simulated task failure"
		}
		return []string{"fatal: " + rest}

	case "sleep":
		secs, err := strconv.Atoi(rest)
		if err != nil || secs < 0 {
			secs = 1
		}
		time.Sleep(time.Duration(secs) * time.Second)
		return []string{fmt.Sprintf("slept %ds", secs)}

	case "work":
		steps, err := strconv.Atoi(rest)
		if err != nil || steps < 1 {
			steps = 3
		}
		lines := make([]string, 0, steps+1)
		for i := 1; i <= steps; i++ {
			lines = append(lines, fmt.Sprintf("step %d/%d complete", i, steps))
		}
		return append(lines, "all steps complete")

	case "report":
		if rest == "" {
			rest = "nothing to report"
		}
		return []string{
			"collecting results...",
			fmt.Sprintf(`{"status": "ok", "detail": %q}`, rest),
		}

	default:
		return []string{
			"analyzing: " + line,
			"done: " + line,
		}
	}
}
