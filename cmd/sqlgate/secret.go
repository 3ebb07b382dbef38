package sqlgate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/secret"
	"github.com/spf13/cobra"
)

func newEncryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [VALUE]",
		Short: "Encrypt a configuration value",
		Long: `Encrypts VALUE (or the first line of stdin) with the passphrase in $` + secret.KeyEnv + `.
The output can be pasted into the configuration file as is.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			out, err := secret.Encrypt(os.Getenv(secret.KeyEnv), value)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newDecryptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt [VALUE]",
		Short: "Decrypt an encrypted configuration value",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := argOrStdin(cmd, args)
			if err != nil {
				return err
			}
			out, err := secret.Decrypt(os.Getenv(secret.KeyEnv), value)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func argOrStdin(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no value given")
	}
	return line, nil
}
