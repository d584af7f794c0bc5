package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/safectl/internal/config"
	"github.com/forest6511/safectl/internal/logging"
)

var (
	dataDir string
	cfg     *config.Config
	logger  *slog.Logger
	prompt  *prompter
)

var rootCmd = &cobra.Command{
	Use:   "safectl",
	Short: "safectl unlocks and migrates encrypted vaults",
	Long: `safectl manages encrypted vaults: it creates them, brings their
encrypted data forward to the current schema on unlock, and converts the
item database between plaintext and encrypted-at-rest forms.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE runs before every subcommand and loads the
	// configuration and logger.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dir := dataDir
		if dir == "" {
			var err error
			if dir, err = config.DefaultDataDir(); err != nil {
				return err
			}
		}

		loaded, err := config.Load(dir)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("data-dir") {
			loaded.DataDir = dir
		}
		cfg = loaded

		logger, err = logging.New(logging.Config{
			Level:     cfg.Log.Level,
			Format:    cfg.Log.Format,
			Output:    cmd.ErrOrStderr(),
			Component: "cli",
		})
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		prompt = newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
		return nil
	},
}

// Shared flags
var (
	useBiometric bool
	auditLimit   int
	deleteForce  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default ~/.safectl)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(auditCmd)

	initCmd.Flags().BoolVar(&useBiometric, "biometric", false, "Also wrap the master key with the device cipher")
	migrateCmd.Flags().BoolVar(&useBiometric, "biometric", false, "Unlock with the device cipher instead of a password")
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")

	dbCmd.AddCommand(dbEnableCmd)
	dbCmd.AddCommand(dbDisableCmd)
	dbCmd.AddCommand(dbFinishCmd)
	dbCmd.AddCommand(dbStatusCmd)

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
}

// prompter reads passwords and confirmations. Terminal input is read
// without echo; piped input is read line by line.
type prompter struct {
	in  io.Reader
	out io.Writer
	r   *bufio.Reader
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, out: out, r: bufio.NewReader(in)}
}

func (p *prompter) password(label string) ([]byte, error) {
	fmt.Fprint(p.out, label)
	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return pw, nil
	}

	line, err := p.line()
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return []byte(line), nil
}

func (p *prompter) confirm(label string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N]: ", label)
	line, err := p.line()
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// line reads a single line, trimming the trailing newline
func (p *prompter) line() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}
