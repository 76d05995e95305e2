package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/clichat/internal/auth"
)

func userCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage login accounts",
	}
	cmd.AddCommand(userAddCmd(configPath), userPasswdCmd(configPath), userListCmd(configPath))
	return cmd
}

func openUsers(configPath string) (*auth.Users, error) {
	e, err := setup(configPath)
	if err != nil {
		return nil, err
	}
	defer e.Close()
	return auth.OpenUsers(e.cfg.Auth.UsersFile)
}

func userAddCmd(configPath *string) *cobra.Command {
	var stdinFlag bool
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := openUsers(*configPath)
			if err != nil {
				return err
			}
			pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), stdinFlag)
			if err != nil {
				return err
			}
			if err := users.Add(args[0], pw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s created\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&stdinFlag, "password-stdin", false, "read the password from stdin")
	return cmd
}

func userPasswdCmd(configPath *string) *cobra.Command {
	var stdinFlag bool
	cmd := &cobra.Command{
		Use:   "passwd <name>",
		Short: "Change a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := openUsers(*configPath)
			if err != nil {
				return err
			}
			pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), stdinFlag)
			if err != nil {
				return err
			}
			if err := users.SetPassword(args[0], pw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&stdinFlag, "password-stdin", false, "read the password from stdin")
	return cmd
}

func userListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := openUsers(*configPath)
			if err != nil {
				return err
			}
			for _, name := range users.Names() {
				u, err := users.Get(name)
				if err != nil {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s passkeys=%d created=%s\n", u.Name, len(u.Credentials), u.Created.Format("2006-01-02"))
			}
			return nil
		},
	}
}

// readPassword prompts twice on a terminal. Otherwise, or with fromStdin,
// it reads one line from in.
func readPassword(in io.Reader, prompt io.Writer, fromStdin bool) (string, error) {
	if f, ok := in.(*os.File); ok && !fromStdin && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		fmt.Fprint(prompt, "Password: ")
		first, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		fmt.Fprint(prompt, "Confirm password: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		return checkPassword(string(first))
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return checkPassword(strings.TrimRight(line, "\r\n"))
}

func checkPassword(pw string) (string, error) {
	if len(pw) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	return pw, nil
}
