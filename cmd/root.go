package cmd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/luadap/luadap/internal/adapter"
	"github.com/luadap/luadap/internal/luavm"
)

const defaultMaxStackDepth = 128

var (
	cfgFile     string
	gDebugFlag  bool
	gListenFlag string
)

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "luadap",
	Short: "luadap is a Debug Adapter Protocol server for Lua scripts",
	Long: "luadap speaks the Debug Adapter Protocol over stdin/stdout. An editor\n" +
		"launches it as a child process, sends a launch request naming a Lua\n" +
		"script, and luadap runs the script in an embedded interpreter, pausing\n" +
		"at breakpoints and serving stack/scope/variable requests.",
	SilenceUsage: true,
	RunE:         runAdapter,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.luadap.yaml)")
	RootCmd.Flags().BoolVar(&gDebugFlag, "DEBUG", false, "append a protocol trace to the side log file")
	RootCmd.Flags().StringVar(&gListenFlag, "listen", "", "serve a single DAP client over TCP instead of stdio")
	RootCmd.Flags().String("log-file", "", "path of the side log file (default luadap.log in the working directory)")
	RootCmd.Flags().Int("max-stack-depth", defaultMaxStackDepth, "maximum number of stack frames captured at a pause")

	viper.BindPFlag("log-file", RootCmd.Flags().Lookup("log-file"))
	viper.BindPFlag("max-stack-depth", RootCmd.Flags().Lookup("max-stack-depth"))
}

// initConfig reads in the config file and environment variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".luadap")
		}
	}

	viper.SetEnvPrefix("luadap")
	viper.AutomaticEnv()

	// a missing config file is fine, the defaults cover everything
	_ = viper.ReadInConfig()
}

func runAdapter(cmd *cobra.Command, args []string) error {
	diag := zerolog.Nop()
	if gDebugFlag {
		diag = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()
	}

	var trace *adapter.TraceLog
	if gDebugFlag {
		path := viper.GetString("log-file")
		if path == "" {
			path = filepath.Join(".", "luadap.log")
		}
		var err error
		trace, err = adapter.OpenTraceLog(path)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer trace.Close()
	}

	vm := luavm.New()
	defer vm.Close()

	in := os.Stdin
	out := os.Stdout
	var conn net.Conn
	if gListenFlag != "" {
		listener, err := net.Listen("tcp", gListenFlag)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		diag.Info().Str("addr", listener.Addr().String()).Msg("waiting for a DAP client")
		conn, err = listener.Accept()
		listener.Close()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		defer conn.Close()
	}

	session := adapter.NewSession(adapter.SessionOptions{
		Interpreter:   vm,
		Trace:         trace,
		Logger:        diag,
		MaxStackDepth: viper.GetInt("max-stack-depth"),
	})

	var err error
	if conn != nil {
		err = session.Run(conn, conn)
	} else {
		err = session.Run(in, out)
	}
	if errors.Is(err, adapter.ErrPeerClosed) {
		// the editor went away, nothing left to serve
		return nil
	}
	return err
}
