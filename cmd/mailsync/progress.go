package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/brandon/mailsync/internal/progress"
)

// watchProgress prints operation status lines to stderr until the returned
// function is called.
func watchProgress(cmd *cobra.Command, account string) func() {
	if quietFlag || jsonOutput {
		return func() {}
	}
	events, unsubscribe := app.manager.Tracker().Subscribe(account)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			printEvent(cmd.ErrOrStderr(), ev)
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func printEvent(w io.Writer, ev progress.Event) {
	op := ev.Operation
	switch ev.Type {
	case progress.EventUpdate:
		if op.Status != "" {
			fmt.Fprintf(w, "[%s] %s\n", op.Account, op.Status)
		}
	case progress.EventEnd:
		switch op.State {
		case progress.Failed:
			fmt.Fprintf(w, "[%s] %s failed: %s\n", op.Account, op.Kind, op.Cause)
		case progress.Cancelled:
			fmt.Fprintf(w, "[%s] %s cancelled\n", op.Account, op.Kind)
		}
	}
}
