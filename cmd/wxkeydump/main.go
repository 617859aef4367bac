// Command wxkeydump captures the database cipher key from a running
// WeChat process.
//
// It resolves the WeChat binary's load address, attaches with ptrace,
// and breaks on the bundled WCDB's key-setting call. The next login
// walks into the trap; the key is read out of the call's buffer
// descriptor, written as lowercase hex to the key file, and the
// process is detached and left running. All narration goes to stderr;
// stdout is never written.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/PigeonCoders/MimicWX-Linux/pkg/config"
	"github.com/PigeonCoders/MimicWX-Linux/pkg/extract"
	"github.com/PigeonCoders/MimicWX-Linux/pkg/journal"
	"github.com/PigeonCoders/MimicWX-Linux/pkg/logging"
	"github.com/PigeonCoders/MimicWX-Linux/pkg/procfs"
	"github.com/PigeonCoders/MimicWX-Linux/pkg/version"
)

var (
	log = &logging.Logger{}

	flagDebug           bool
	flagPID             int
	flagProcessName     string
	flagModule          string
	flagConfig          string
	flagBuild           string
	flagOffset          string
	flagRegister        string
	flagKeyFile         string
	flagJournal         string
	flagJournalCompress bool
	flagJournalRedact   bool
)

var rootCmd = &cobra.Command{
	Use:   "wxkeydump",
	Short: "Capture the WeChat database key from a running process",
	Long: `wxkeydump attaches to a running WeChat process and breakpoints the
WCDB setCipherKey call. When the next login triggers the call, the key
is copied out of the call's buffer descriptor, validated, and written
as lowercase hex to the key file. The breakpoint is then removed and
the process detached, leaving WeChat running undisturbed.

The call only fires during login: start WeChat, run wxkeydump, then
log in. Attaching needs ptrace rights over the target (root, or a
relaxed kernel.yama.ptrace_scope).`,
	Example: `  # capture from the running wechat process
  sudo wxkeydump

  # explicit pid, with a session journal for later inspection
  sudo wxkeydump --pid 4242 --journal /tmp/wxkeydump.jsonl

  # a build whose offset is not in the table yet
  sudo wxkeydump --build 4.2.0.3 --offset 0x68a1f40`,
	Args:          cobra.NoArgs,
	Version:       version.GetVersionInfo(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Debug = flagDebug
	},
	RunE: runCapture,
}

func init() {
	fs := rootCmd.Flags()
	targetFlags(fs)
	captureFlags(fs)
	outputFlags(fs)
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "log register dumps, probe traces and trap-site disassembly")
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func targetFlags(fs *pflag.FlagSet) {
	fs.IntVar(&flagPID, "pid", 0, "pid of the target process (discovered by name when omitted)")
	fs.StringVar(&flagProcessName, "process-name", "", "executable name used to discover the pid")
	fs.StringVar(&flagModule, "module", "", "substring matching the target module's mapped path")
}

func captureFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flagConfig, "config", "", "YAML config file merged over the built-in defaults")
	fs.StringVar(&flagBuild, "build", "", "target build whose trap offset to use")
	fs.StringVar(&flagOffset, "offset", "", "trap offset inside the module, overriding the build table (0x... or decimal)")
	fs.StringVar(&flagRegister, "register", "", "argument register carrying the descriptor pointer")
}

func outputFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&flagKeyFile, "key-file", "o", "", "file receiving the captured key as lowercase hex")
	fs.StringVar(&flagJournal, "journal", "", "write a JSONL record of the session to this path")
	fs.BoolVar(&flagJournalCompress, "journal-compress", false, "zstd-compress the journal")
	fs.BoolVar(&flagJournalRedact, "journal-redact", false, "strip key material from journal entries")
}

// buildConfig layers flag overrides onto the defaults or the loaded
// config file. Only flags the user actually set override the file.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.LoadFile(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("process-name") {
		cfg.Target.ProcessName = flagProcessName
	}
	if flags.Changed("module") {
		cfg.Target.ModuleSubstring = flagModule
	}
	if flags.Changed("build") {
		cfg.Capture.Build = flagBuild
	}
	if flags.Changed("offset") {
		// An explicit offset stands in for the table entry of the
		// selected build, known or not.
		if cfg.Capture.Offsets == nil {
			cfg.Capture.Offsets = make(map[string]string)
		}
		cfg.Capture.Offsets[cfg.Capture.Build] = flagOffset
	}
	if flags.Changed("register") {
		cfg.Capture.Register = flagRegister
	}
	if flags.Changed("key-file") {
		cfg.Output.KeyFile = flagKeyFile
	}
	if flags.Changed("journal") {
		cfg.Output.Journal = flagJournal
	}
	if flags.Changed("journal-compress") {
		cfg.Output.CompressJournal = flagJournalCompress
	}
	if flags.Changed("journal-redact") {
		cfg.Output.RedactJournal = flagJournalRedact
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	offset, err := cfg.TrapOffset()
	if err != nil {
		return err
	}
	log.Infof("build %s: trap offset 0x%x in %s", cfg.Capture.Build, offset, cfg.Target.ModuleSubstring)

	pid := flagPID
	if pid == 0 {
		pid, err = procfs.FindProcess(cfg.Target.ProcessName)
		if err != nil {
			return err
		}
		log.Infof("found %s process: pid %d", cfg.Target.ProcessName, pid)
	}

	var jw *journal.Writer
	if cfg.Output.Journal != "" {
		jw, err = journal.NewWriter(cfg.Output.Journal, journal.Options{
			Compress:   cfg.Output.CompressJournal,
			RedactKeys: cfg.Output.RedactJournal,
		})
		if err != nil {
			// The journal is an extra; a capture is worth more than
			// its record.
			log.Warnf("journal disabled: %v", err)
		} else {
			defer func() {
				if err := jw.Close(); err != nil {
					log.Warnf("closing journal: %v", err)
				}
			}()
			log.Infof("journaling session to %s", cfg.Output.Journal)
		}
	}

	spin := newWaitSpinner(flagDebug)
	sess := extract.NewSession(extract.Options{
		ModuleSubstring: cfg.Target.ModuleSubstring,
		Offset:          offset,
		Register:        cfg.Capture.Register,
		Layouts:         cfg.CandidateLayouts(),
		KeySize:         cfg.Capture.KeySize,
		KeyFile:         cfg.Output.KeyFile,
		Journal:         jw,
		Logger:          log,
		Notify:          spinnerNotify(spin),
	})

	err = sess.Run(pid)
	if spin != nil {
		spin.Stop()
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
