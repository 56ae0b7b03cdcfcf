package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/brandon/mailsync/internal/email"
)

var (
	sendAccount   string
	sendTo        []string
	sendCc        []string
	sendBcc       []string
	sendSubject   string
	sendBody      string
	sendBodyFile  string
	sendHTML      string
	sendAttach    []string
	sendInReplyTo string
	sendReplyTo   string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message through the account's outgoing server",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := sendBody
		if sendBodyFile != "" {
			data, err := os.ReadFile(sendBodyFile)
			if err != nil {
				return fmt.Errorf("read body file: %w", err)
			}
			body = string(data)
		}

		msg := &email.ComposedMessage{
			To:          sendTo,
			Cc:          sendCc,
			Bcc:         sendBcc,
			Subject:     sendSubject,
			BodyText:    body,
			BodyHTML:    sendHTML,
			Attachments: sendAttach,
			ReplyTo:     sendReplyTo,
			InReplyTo:   sendInReplyTo,
		}

		account, err := resolveAccount(app.cfg, sendAccount)
		if err != nil {
			return err
		}
		stop := watchProgress(cmd, account)
		res, err := app.manager.Send(cmd.Context(), account, msg)
		stop()
		if err != nil {
			var sendErr *email.SendError
			if errors.As(err, &sendErr) && sendErr.Failure == email.SendAmbiguous {
				return fmt.Errorf("%w (the message may have been delivered; check before resending)", err)
			}
			return err
		}

		if jsonOutput {
			return printJSON(cmd, res)
		}
		if !quietFlag {
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %d recipient(s)\n", res.MessageID, len(res.Recipients))
		}
		return nil
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVarP(&sendAccount, "account", "a", "", "Account to send from (default account when omitted)")
	f.StringSliceVar(&sendTo, "to", nil, "Recipient (repeatable or comma-separated)")
	f.StringSliceVar(&sendCc, "cc", nil, "CC recipient")
	f.StringSliceVar(&sendBcc, "bcc", nil, "BCC recipient")
	f.StringVarP(&sendSubject, "subject", "s", "", "Subject")
	f.StringVarP(&sendBody, "body", "b", "", "Plain text body")
	f.StringVar(&sendBodyFile, "body-file", "", "Read the plain text body from a file")
	f.StringVar(&sendHTML, "html", "", "HTML body")
	f.StringArrayVar(&sendAttach, "attach", nil, "File to attach (repeatable)")
	f.StringVar(&sendInReplyTo, "in-reply-to", "", "Message-ID this message replies to")
	f.StringVar(&sendReplyTo, "reply-to", "", "Reply-To address")
	_ = sendCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(sendCmd)
}
