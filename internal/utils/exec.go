package utils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// RunCommand runs an external tool, feeding each output line to stream as
// it arrives and returning the combined output for error reporting. The
// context bounds the run; a cancelled context kills the process.
func RunCommand(ctx context.Context, stream func(string), name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("error creating stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("error creating stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("error starting %s: %v", name, err)
	}
	var mu sync.Mutex
	var collected []string
	var wg sync.WaitGroup
	consume := func(reader io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			mu.Lock()
			collected = append(collected, line)
			mu.Unlock()
			if stream != nil {
				stream(line)
			}
		}
	}
	wg.Add(2)
	go consume(stdout)
	go consume(stderr)
	wg.Wait()
	err = cmd.Wait()
	return strings.Join(collected, "\n"), err
}
