// Command treecrypt encrypts and decrypts files and directory trees with a
// password.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/absfs/treecrypt"
	"github.com/absfs/treecrypt/internal/journal"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	configPath string
	journalDir string
	verbose    bool
	password   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "treecrypt",
		Short:         "Password-based encryption of files and directory trees",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML file with engine settings")
	root.PersistentFlags().StringVar(&journalDir, "journal", "", "directory of the run history database")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every run step to stderr")

	encrypt := &cobra.Command{
		Use:   "encrypt <path>",
		Short: "Encrypt a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, treecrypt.OpEncrypt, args[0])
		},
	}
	addEngineFlags(encrypt)
	encrypt.Flags().Bool("verify", false, "re-read and authenticate every artifact before committing it")

	decrypt := &cobra.Command{
		Use:   "decrypt <path>",
		Short: "Decrypt a previously encrypted file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperation(cmd, treecrypt.OpDecrypt, args[0])
		},
	}
	addEngineFlags(decrypt)
	decrypt.Flags().Bool("overwrite", false, "replace plaintext files that already exist")

	inspect := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Show the manifest of an encrypted root",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	recoverCmd := &cobra.Command{
		Use:   "recover <path>",
		Short: "Clean up after an interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecover,
	}

	history := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	root.AddCommand(encrypt, decrypt, inspect, recoverCmd, history)
	return root
}

func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&password, "password", "p", "", "password; prompted for when omitted")
	cmd.Flags().Bool("remove-source", false, "delete the inputs once the run has committed")
	cmd.Flags().Int("workers", 0, "files processed concurrently (default: number of CPUs)")
	cmd.Flags().String("cipher", "", "aes-256-gcm or chacha20-poly1305")
	cmd.Flags().String("kdf", "", "argon2id or scrypt")
	cmd.Flags().Int("chunk-size", 0, "plaintext bytes per authenticated chunk")
}

// session holds what every command needs: the merged configuration, an
// engine and, when configured, an open journal.
type session struct {
	cfg     *treecrypt.Config
	engine  *treecrypt.Engine
	journal *journal.Store
	log     *logrus.Logger
}

func openSession(cmd *cobra.Command, progress treecrypt.Progress) (*session, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	fc, err := loadFileConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := fc.applyFlags(cmd); err != nil {
		return nil, err
	}
	cfg, err := fc.engineConfig()
	if err != nil {
		return nil, err
	}
	cfg.Logger = log
	cfg.Progress = progress

	s := &session{cfg: cfg, log: log}
	if fc.Journal != "" {
		s.journal, err = journal.Open(fc.Journal, nil)
		if err != nil {
			return nil, err
		}
		cfg.Journal = s.journal
	}

	s.engine, err = treecrypt.New(treecrypt.NewOSFS(), cfg)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.log.WithError(err).Warn("failed to close journal")
		}
	}
}

func runOperation(cmd *cobra.Command, op, target string) error {
	target, err := filepath.Abs(target)
	if err != nil {
		return err
	}

	verb := "Encrypting"
	if op == treecrypt.OpDecrypt {
		verb = "Decrypting"
	}
	bar := newBarProgress(cmd.ErrOrStderr(), verb)
	s, err := openSession(cmd, bar)
	if err != nil {
		return report(cmd, err)
	}
	defer s.close()

	pwd, err := readPassword(cmd, op == treecrypt.OpEncrypt)
	if err != nil {
		return report(cmd, err)
	}
	defer clear(pwd)

	var res *treecrypt.OperationResult
	if op == treecrypt.OpEncrypt {
		res, err = s.engine.Encrypt(cmd.Context(), filepath.ToSlash(target), pwd)
	} else {
		res, err = s.engine.Decrypt(cmd.Context(), filepath.ToSlash(target), pwd)
	}
	bar.Finish()
	printResult(cmd.OutOrStdout(), res)
	if err != nil {
		return err
	}
	return res.Err()
}

// readPassword returns the --password value or prompts for one. Piped
// input is read as a single line.
func readPassword(cmd *cobra.Command, confirm bool) ([]byte, error) {
	if password != "" {
		return []byte(password), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}

	out := cmd.ErrOrStderr()
	fmt.Fprint(out, color.GreenString("Password: "))
	pwd, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return pwd, nil
	}
	fmt.Fprint(out, color.GreenString("Verify: "))
	again, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return nil, err
	}
	defer clear(again)
	if string(pwd) != string(again) {
		clear(pwd)
		return nil, errors.New("passwords do not match")
	}
	return pwd, nil
}

func printResult(w io.Writer, res *treecrypt.OperationResult) {
	if res == nil {
		return
	}
	paint := color.New(color.FgGreen)
	switch {
	case res.Succeeded == 0:
		paint = color.New(color.FgRed)
	case len(res.Failed) > 0:
		paint = color.New(color.FgYellow)
	}
	paint.Fprintln(w, res.Status)
	if res.Bytes > 0 {
		fmt.Fprintf(w, "  %s processed\n", humanize.Bytes(uint64(res.Bytes)))
	}
	for _, f := range res.Failed {
		fmt.Fprintf(w, "  %s %s: %s\n", color.RedString("✗"), f.RelPath, f.Kind.Describe())
	}
}

func report(cmd *cobra.Command, err error) error {
	color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	return err
}

func runInspect(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, nil)
	if err != nil {
		return report(cmd, err)
	}
	defer s.close()

	target, err := filepath.Abs(args[0])
	if err != nil {
		return report(cmd, err)
	}
	m, err := s.engine.Inspect(filepath.ToSlash(target))
	if err != nil {
		return report(cmd, err)
	}

	w := cmd.OutOrStdout()
	kind := "file"
	if m.Root.IsDir {
		kind = "directory"
	}
	fmt.Fprintf(w, "Root:      %s (%s)\n", m.Root.Name, kind)
	fmt.Fprintf(w, "Run:       %s\n", m.RunID)
	fmt.Fprintf(w, "Created:   %s (%s)\n", m.Created.Local().Format("2006-01-02 15:04:05"), humanize.Time(m.Created))
	fmt.Fprintf(w, "Cipher:    %s, %s chunks\n", m.Cipher, humanize.IBytes(uint64(m.ChunkSize)))
	fmt.Fprintf(w, "KDF:       %s\n", m.KDF.Algorithm)
	fmt.Fprintf(w, "Files:     %d (%s)\n", len(m.Records), humanize.Bytes(uint64(m.TotalSize())))
	for _, rec := range m.Records {
		fmt.Fprintf(w, "  %-10s %s\n", humanize.Bytes(uint64(rec.Size)), rec.RelPath)
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, nil)
	if err != nil {
		return report(cmd, err)
	}
	defer s.close()

	target, err := filepath.Abs(args[0])
	if err != nil {
		return report(cmd, err)
	}
	rep, err := s.engine.Recover(cmd.Context(), filepath.ToSlash(target))
	if err != nil {
		return report(cmd, err)
	}

	w := cmd.OutOrStdout()
	switch {
	case rep.MarkerRunID == "" && len(rep.TempsRemoved) == 0:
		fmt.Fprintln(w, "Nothing to recover")
		return nil
	case rep.Committed:
		fmt.Fprintf(w, "Run %s had committed; removed its pending marker\n", rep.MarkerRunID)
	case rep.MarkerRunID != "":
		fmt.Fprintf(w, "Rolled back run %s: removed %d artifacts\n", rep.MarkerRunID, len(rep.ArtifactsRemoved))
	}
	if n := len(rep.TempsRemoved); n > 0 {
		fmt.Fprintf(w, "Removed %d stale temporary files\n", n)
	}
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	fc, err := loadFileConfig(configPath)
	if err != nil {
		return report(cmd, err)
	}
	if err := fc.applyFlags(cmd); err != nil {
		return report(cmd, err)
	}
	if fc.Journal == "" {
		return report(cmd, errors.New("no journal configured; pass --journal"))
	}
	store, err := journal.Open(fc.Journal, nil)
	if err != nil {
		return report(cmd, err)
	}
	defer store.Close()

	runs, err := store.List()
	if err != nil {
		return report(cmd, err)
	}
	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}
	for _, r := range runs {
		status := r.Status
		if r.Finished.IsZero() {
			status = color.YellowString("interrupted")
		}
		fmt.Fprintf(w, "%s  %-7s  %s  %s\n", humanize.Time(r.Started), r.Op, r.Root, status)
	}
	return nil
}
