package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/myuser/vcdb"
	"github.com/myuser/vcdb/internal/sql"
)

func newEnginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List registered engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range vcdb.Engines() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close()

			db, err := s.builder.Create()
			if err != nil {
				return fmt.Errorf("create %s: %w", s.cfg.Connection, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s database %s with %d datastores\n",
				s.cfg.Engine, s.cfg.Connection, len(s.schema.Tables()))
			return db.Close()
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.builder.DeleteDatabase(); err != nil {
				return fmt.Errorf("delete %s: %w", s.cfg.Connection, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", s.cfg.Connection)
			return nil
		},
	}
}

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <sql>",
		Short: "Run a batch of statements in one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close()

			db, err := s.openOrCreate()
			if err != nil {
				return err
			}
			defer db.Close()

			results, err := newExecutorFor(s, db).Execute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return sql.Format(cmd.OutOrStdout(), results)
		},
	}
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Read statements interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.close()

			db, err := s.openOrCreate()
			if err != nil {
				return err
			}
			defer db.Close()

			return shell(cmd.Context(), newExecutorFor(s, db), s.schema.Tables(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// shell executes input a batch at a time. A batch ends at a line whose last
// character is a semicolon.
func shell(ctx context.Context, e *sql.Executor, tables []string, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	var batch strings.Builder

	fmt.Fprint(out, "vcdb> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case batch.Len() == 0 && (line == ".quit" || line == ".exit"):
			return nil
		case batch.Len() == 0 && line == ".tables":
			fmt.Fprintln(out, strings.Join(tables, "\n"))
		case line != "":
			batch.WriteString(line)
			batch.WriteByte('\n')
			if !strings.HasSuffix(line, ";") {
				fmt.Fprint(out, "  ... ")
				continue
			}
			results, err := e.Execute(ctx, batch.String())
			batch.Reset()
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			} else if err := sql.Format(out, results); err != nil {
				return err
			}
		}
		fmt.Fprint(out, "vcdb> ")
	}
	return sc.Err()
}
