// Command runnable-echo is a minimal runnable for testing a bridge.
//
// It reads one JSON document per line on stdin. SET commands are answered
// with the value they asked for, as if the device had applied it:
//
//	{"method":"SET","name":"Fan","characteristic":"On","value":true,"status":{...}}
//	-> {"name":"Fan","characteristic":"On","value":true}
//
// With --mirror every document is written back unchanged instead.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// maxLine bounds a single command read from stdin.
const maxLine = 1 << 20

type options struct {
	mirror bool
	pretty bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:           "runnable-echo",
		Short:         "Answer SET commands on stdin with the requested value",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.mirror, "mirror", false, "echo every document verbatim")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "write replies indented over several lines")
	return cmd
}

// run answers commands from in until it is closed.
func run(in io.Reader, out, errOut io.Writer, opts options) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			fmt.Fprintf(errOut, "ignoring invalid JSON: %s\n", line)
			continue
		}

		reply := line
		if !opts.mirror {
			var err error
			if reply, err = answer(line); err != nil {
				fmt.Fprintf(errOut, "%v\n", err)
				continue
			}
			if reply == nil {
				continue
			}
		}

		if opts.pretty {
			reply = bytes.TrimRight([]byte(gjson.GetBytes(reply, "@pretty").Raw), "\n")
		}
		if _, err := fmt.Fprintf(out, "%s\n", reply); err != nil {
			return fmt.Errorf("writing reply: %w", err)
		}
	}
	return scanner.Err()
}

// answer builds the reply to a SET command. Other documents yield nil.
func answer(cmd []byte) ([]byte, error) {
	if gjson.GetBytes(cmd, "method").String() != "SET" {
		return nil, nil
	}

	name := gjson.GetBytes(cmd, "name")
	characteristic := gjson.GetBytes(cmd, "characteristic")
	value := gjson.GetBytes(cmd, "value")
	if name.Type != gjson.String || characteristic.Type != gjson.String || !value.Exists() {
		return nil, fmt.Errorf("malformed SET command: %s", cmd)
	}

	reply, err := sjson.SetBytes([]byte(`{}`), "name", name.Str)
	if err != nil {
		return nil, err
	}
	if reply, err = sjson.SetBytes(reply, "characteristic", characteristic.Str); err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(reply, "value", []byte(value.Raw))
}
