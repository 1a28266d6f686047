package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/otalink/internal/link"
	"github.com/bigbag/otalink/internal/pkgfile"
	"github.com/bigbag/otalink/internal/session"
	"github.com/bigbag/otalink/internal/trigger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag    string
	baudFlag    int
	packageFlag string
	modeFlag    string
	settleFlag  int
	reopenFlag  int
	verboseFlag bool
	outFlag     string
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	rootCmd := &cobra.Command{
		Use:   "otalink",
		Short: "Serve firmware updates to SPI-attached devices",
		Long: `otalink is the host side of the SPI OTA transfer protocol. It answers
the peer's request line, classifies business requests, negotiates firmware
upgrades, and streams package files block by block with CRC verification.

It also builds and inspects the package files the protocol carries.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verboseFlag {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log every frame and block")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve trigger events until interrupted",
		Long: `Open the SPI bridge, arm the request-line trigger, and serve sessions:
business conversations when the peer runs its application, firmware
transfer when it is in OTA-boot. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(log)
		},
	}
	runCmd.Flags().StringVarP(&portFlag, "port", "p", "", "SPI bridge device (required)")
	runCmd.Flags().IntVarP(&baudFlag, "baud", "b", 921600, "Bridge baud rate")
	runCmd.Flags().StringVar(&packageFlag, "package", "", "Package file to offer (required)")
	runCmd.Flags().StringVar(&modeFlag, "mode", "blocking", "Transfer engine: blocking or reactor")
	runCmd.Flags().IntVar(&settleFlag, "settle", 100, "Settling delay between wire operations, ms")
	runCmd.Flags().IntVar(&reopenFlag, "reopen-every", 10, "Reopen the link every N blocks (0 disables)")
	runCmd.MarkFlagRequired("port")
	runCmd.MarkFlagRequired("package")

	packCmd := &cobra.Command{
		Use:   "pack <image[@addr[@type]]>...",
		Short: "Build a package file from firmware images",
		Long: `Build an OTA package from up to three images. Each argument is an image
path with an optional target flash address and file type:

  otalink pack -o fw.pkg app.bin@0x10000 boot.hex@0x0@2

Raw .bin images are taken as-is; Intel HEX images are flattened.`,
		Args: cobra.RangeArgs(1, pkgfile.MaxFiles),
		RunE: runPack,
	}
	packCmd.Flags().StringVarP(&outFlag, "out", "o", "firmware.pkg", "Output package path")

	inspectCmd := &cobra.Command{
		Use:   "inspect <package>",
		Short: "Show a package file's header",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("otalink %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(runCmd, packCmd, inspectCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(log *logrus.Logger) error {
	// The package has to open cleanly before we touch the wire.
	reader, err := pkgfile.Open(packageFlag)
	if err != nil {
		return fmt.Errorf("package check failed: %w", err)
	}
	hdr := reader.Header()
	reader.Close()
	fmt.Printf("Package: %s (%d files)\n", packageFlag, hdr.FileCount)

	var mode session.Mode
	switch modeFlag {
	case "blocking":
		mode = session.ModeBlocking
	case "reactor":
		mode = session.ModeStateMachine
	default:
		return fmt.Errorf("unknown mode %q", modeFlag)
	}

	bridge, err := link.OpenSerial(portFlag, baudFlag)
	if err != nil {
		return err
	}
	defer bridge.Close()
	fmt.Printf("Bridge: %s @ %d baud\n", portFlag, baudFlag)

	trig := trigger.NewPoller(bridge, 0)
	s := session.New(bridge, trig, packageFlag,
		session.WithSettleDelay(time.Duration(settleFlag)*time.Millisecond),
		session.WithReopenInterval(reopenFlag),
		session.WithLogger(log),
	)

	var bar *progressbar.ProgressBar
	lastFile := -1
	s.SetProgressCallback(func(fileIndex int, sent, total uint32) {
		if fileIndex != lastFile {
			lastFile = fileIndex
			bar = progressbar.NewOptions(int(total),
				progressbar.OptionSetDescription(fmt.Sprintf("File %d/%d", fileIndex+1, hdr.FileCount)),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowBytes(true),
				progressbar.OptionThrottle(100),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Set(int(sent))
	})

	if err := s.Start(mode); err != nil {
		return err
	}
	fmt.Println("Waiting for the peer's request line...")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	fmt.Println("\nStopping...")
	s.Stop()
	<-s.Done()

	if st := s.Status(); st.Result != nil {
		return st.Result
	}
	return nil
}

func runPack(cmd *cobra.Command, args []string) error {
	var inputs []pkgfile.Input
	for _, arg := range args {
		in, err := parseImageSpec(arg)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
	}

	hdr, err := pkgfile.Build(outFlag, inputs)
	if err != nil {
		return err
	}

	fmt.Printf("Wrote %s:\n", outFlag)
	printHeader(hdr)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	reader, err := pkgfile.Open(args[0])
	if err != nil {
		return err
	}
	defer reader.Close()

	hdr := reader.Header()
	fmt.Printf("%s: header OK (crc32 0x%08X)\n", args[0], hdr.CRC32)
	printHeader(hdr)
	return nil
}

func printHeader(hdr *pkgfile.Header) {
	for i := 0; i < int(hdr.FileCount); i++ {
		f := hdr.Files[i]
		fmt.Printf("  %-20s type %d  addr 0x%08X  %d bytes\n", f.Name, f.Type, f.StartAddr, f.Length)
	}
}

// parseImageSpec splits "path[@addr[@type]]" with addr accepted in hex or
// decimal.
func parseImageSpec(spec string) (pkgfile.Input, error) {
	parts := strings.Split(spec, "@")
	in := pkgfile.Input{Path: parts[0]}

	if len(parts) > 3 {
		return in, fmt.Errorf("bad image spec %q, want path[@addr[@type]]", spec)
	}
	if len(parts) >= 2 {
		addr, err := strconv.ParseUint(parts[1], 0, 32)
		if err != nil {
			return in, fmt.Errorf("bad address in %q: %w", spec, err)
		}
		in.StartAddr = uint32(addr)
	}
	if len(parts) == 3 {
		typ, err := strconv.ParseUint(parts[2], 0, 32)
		if err != nil {
			return in, fmt.Errorf("bad type in %q: %w", spec, err)
		}
		in.Type = uint32(typ)
	}
	return in, nil
}
