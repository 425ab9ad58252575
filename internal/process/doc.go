// Package process supervises the runnable: one long-lived child process that
// exchanges newline-delimited JSON with the bridge over stdin and stdout.
//
// The child is launched through a shell so the configured command line may use
// pipes, redirections and environment expansion. It runs in its own process
// group so that terminating it also stops anything it spawned.
//
// Features:
//   - Framing of stdout into complete JSON values, even when a value spans lines
//   - Immediate restart on exit, start failure or write failure, bounded by a retry budget
//   - Retry budget reset on every successful send or received message
//   - Write deadlines on stdin so a stalled child cannot block senders
//   - Child stderr forwarded to the logger
//
// Example usage:
//
//	sup := process.NewSupervisor(process.Config{
//	    Name:        "runnable",
//	    CommandLine: "python3 ./bridge.py --verbose",
//	}, func(msg json.RawMessage) {
//	    // handle one inbound JSON value
//	})
//	sup.SetLogger(log)
//
//	if err := sup.Run(); err != nil {
//	    log.Warn("runnable did not start", "error", err)
//	}
//	defer sup.Terminate()
//
//	_ = sup.Send(map[string]any{"method": "SET", "name": "lamp"})
package process
