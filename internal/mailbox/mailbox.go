// Package mailbox wraps the IMAP operations of the fetch loop.
package mailbox

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/firefart/dmarcmonitor/internal/config"
)

// errorLogger bridges the imap client's error log to slog.
type errorLogger struct {
	logger *slog.Logger
}

func (l errorLogger) Printf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l errorLogger) Println(v ...interface{}) {
	l.logger.Error(fmt.Sprint(v...))
}

func Connect(conf config.IMAPConfig, logger *slog.Logger) (*client.Client, error) {
	tlsConfig := tls.Config{} // nolint: gosec
	if conf.IgnoreCert {
		tlsConfig.InsecureSkipVerify = true // nolint:gosec
	}
	if conf.SSL {
		c, err := client.DialTLS(conf.Host, &tlsConfig)
		if err != nil {
			return nil, err
		}
		c.Timeout = conf.Timeout.Duration
		c.ErrorLog = errorLogger{logger: logger}
		return c, nil
	}
	c, err := client.Dial(conf.Host)
	if err != nil {
		return nil, err
	}
	c.ErrorLog = errorLogger{logger: logger}
	c.Timeout = conf.Timeout.Duration
	support, err := c.SupportStartTLS()
	if err != nil {
		return nil, err
	}
	if support {
		if err := c.StartTLS(&tlsConfig); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func HasFolder(c *client.Client, folderName string) (bool, error) {
	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	// the list handler blocks on sends to the channel, it must be drained
	// to the end or c.List never returns
	hasFolder := false
	for m := range mailboxes {
		if m.Name == folderName {
			hasFolder = true
		}
	}

	if err := <-done; err != nil {
		return false, err
	}

	return hasFolder, nil
}

// EnsureFolder creates the folder when it does not exist yet. Used for the
// processed messages folder.
func EnsureFolder(c *client.Client, folderName string) error {
	hasFolder, err := HasFolder(c, folderName)
	if err != nil {
		return err
	}
	if hasFolder {
		return nil
	}
	if err := c.Create(folderName); err != nil {
		return fmt.Errorf("could not create folder %s: %w", folderName, err)
	}
	return nil
}

// SearchSince returns the uids of all messages without the deleted flag
// whose internal date is within the lookback window. A zero since searches
// the whole folder. Uids stay stable across reconnects, sequence numbers
// do not.
func SearchSince(c *client.Client, since time.Time) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	if !since.IsZero() {
		criteria.Since = since
	}
	return c.UidSearch(criteria)
}

func MarkMessageAsDeleted(c *client.Client, msgUID uint32) error {
	seq := new(imap.SeqSet)
	seq.AddNum(msgUID)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := c.UidStore(seq, item, flags, nil); err != nil {
		return err
	}
	return nil
}

// MoveMessage copies a message to the target folder and marks the original
// deleted. The caller expunges at the end of the batch.
func MoveMessage(c *client.Client, msgUID uint32, folder string) error {
	seq := new(imap.SeqSet)
	seq.AddNum(msgUID)
	if err := c.UidCopy(seq, folder); err != nil {
		return fmt.Errorf("could not copy message %d to %s: %w", msgUID, folder, err)
	}
	return MarkMessageAsDeleted(c, msgUID)
}
