package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"
)

// pipeDrainWindow is how long the executor keeps reading the broadcaster
// pipe after the MCP call itself returned, to pick up trailing deltas.
const pipeDrainWindow = 200 * time.Millisecond

// runMCP executes an MCP tool. When the server was configured with a
// broadcaster FIFO and the path exists as one, incremental deltas are read
// from the pipe concurrently with the call; otherwise the full result is
// emitted as a single chunk.
func (e *Executor) runMCP(ctx context.Context, entry *Entry, args map[string]any, emit emitFunc) {
	name := entry.Definition.Name

	if !isFIFO(entry.Pipe) {
		text, err := entry.Client.CallToolText(ctx, name, args)
		if err != nil {
			e.logger.Warn("MCP tool failed", "tool", name, "server", entry.Server, "error", err)
			emit(fmt.Sprintf("Error: %v", err), true)
			return
		}
		if !emit(text, false) {
			return
		}
		emit("", true)
		return
	}

	pipeCtx, stopPipe := context.WithCancel(ctx)
	defer stopPipe()
	deltas := make(chan string, 64)
	go readBroadcastPipe(pipeCtx, entry.Pipe, deltas)

	type callResult struct {
		text string
		err  error
	}
	done := make(chan callResult, 1)
	go func() {
		text, err := entry.Client.CallToolText(ctx, name, args)
		done <- callResult{text: text, err: err}
	}()

	var result callResult
	streaming := true
	for streaming {
		select {
		case delta, ok := <-deltas:
			if !ok {
				deltas = nil
				continue
			}
			if !emit(delta, false) {
				return
			}
		case result = <-done:
			streaming = false
		case <-ctx.Done():
			return
		}
	}

	// The call finished; drain whatever the broadcaster still has buffered.
	drain := time.NewTimer(pipeDrainWindow)
	defer drain.Stop()
	for deltas != nil {
		select {
		case delta, ok := <-deltas:
			if !ok {
				deltas = nil
				continue
			}
			if !emit(delta, false) {
				return
			}
		case <-drain.C:
			deltas = nil
		}
	}
	stopPipe()

	if result.err != nil {
		e.logger.Warn("MCP tool failed", "tool", name, "server", entry.Server, "error", result.err)
		emit(fmt.Sprintf("Error: %v", result.err), true)
		return
	}
	if result.text != "" {
		if !emit(result.text, false) {
			return
		}
	}
	emit("", true)
}

// isFIFO reports whether path exists and is a named pipe.
func isFIFO(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeNamedPipe != 0
}

// readBroadcastPipe reads newline-delimited JSON messages from the FIFO,
// extracting incremental text from the delta.content field and sending each
// on out. Runs until ctx is cancelled; out is closed on return.
func readBroadcastPipe(ctx context.Context, path string, out chan<- string) {
	defer close(out)

	// Non-blocking open: a FIFO with no writer yet must not hang the tool.
	file, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return
	}
	defer file.Close()

	// Closing the file on cancellation unblocks any in-flight read.
	go func() {
		<-ctx.Done()
		file.Close()
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		if !scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			// Writer not attached yet, or between messages.
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			scanner = bufio.NewScanner(file)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			continue
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(line, &msg); err != nil || msg.Delta.Content == "" {
			continue
		}
		select {
		case out <- msg.Delta.Content:
		case <-ctx.Done():
			return
		}
	}
}
