package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/brandon/mailsync/pkg/types"
)

var (
	fetchAccount string
	fetchFolder  string
	fetchUID     uint32
	fetchPart    string
	fetchOut     string
)

var bodyCmd = &cobra.Command{
	Use:   "body",
	Short: "Fetch and print a message body",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := resolveAccount(app.cfg, fetchAccount)
		if err != nil {
			return err
		}
		stop := watchProgress(cmd, account)
		msg, err := app.manager.FetchBody(cmd.Context(), account, fetchFolder, fetchUID)
		stop()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, msg)
		}
		printMessage(cmd.OutOrStdout(), msg)
		return nil
	},
}

func printMessage(w io.Writer, msg *types.Message) {
	fmt.Fprintf(w, "From:    %s <%s>\n", msg.SenderName, msg.SenderEmail)
	fmt.Fprintf(w, "To:      %s\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(w, "Date:    %s\n", msg.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	fmt.Fprintf(w, "Subject: %s\n", msg.Subject)
	for _, a := range msg.Attachments {
		fmt.Fprintf(w, "Part %s: %s (%s, %s)\n", a.PartPath, a.FileName, a.MIMEType, humanize.Bytes(uint64(a.Size)))
	}
	fmt.Fprintln(w)
	if msg.BodyText != "" {
		fmt.Fprintln(w, msg.BodyText)
	} else {
		fmt.Fprintln(w, msg.BodyHTML)
	}
}

var attachmentCmd = &cobra.Command{
	Use:   "attachment",
	Short: "Download one message part to a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		account, err := resolveAccount(app.cfg, fetchAccount)
		if err != nil {
			return err
		}
		var sink io.Writer = cmd.OutOrStdout()
		var f *os.File
		if fetchOut != "-" {
			f, err = os.OpenFile(fetchOut, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			sink = f
		}

		stop := watchProgress(cmd, account)
		n, err := app.manager.FetchAttachment(cmd.Context(), account, fetchFolder, fetchUID, fetchPart, sink)
		stop()

		if f != nil {
			if cerr := f.Close(); err == nil && cerr != nil {
				err = cerr
			}
			if err != nil {
				os.Remove(fetchOut) //nolint:errcheck
			}
		}
		if err != nil {
			return err
		}
		if !quietFlag && f != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Saved %s (%s)\n", fetchOut, humanize.Bytes(uint64(n)))
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{bodyCmd, attachmentCmd} {
		c.Flags().StringVarP(&fetchAccount, "account", "a", "", "Account name (default account when omitted)")
		c.Flags().StringVarP(&fetchFolder, "folder", "f", "INBOX", "Folder path")
		c.Flags().Uint32Var(&fetchUID, "uid", 0, "Message UID")
		_ = c.MarkFlagRequired("uid")
	}
	attachmentCmd.Flags().StringVar(&fetchPart, "part", "", "MIME part path, e.g. 2 or 1.2")
	attachmentCmd.Flags().StringVarP(&fetchOut, "out", "o", "-", "Output file (- for stdout)")
	_ = attachmentCmd.MarkFlagRequired("part")

	rootCmd.AddCommand(bodyCmd, attachmentCmd)
}
