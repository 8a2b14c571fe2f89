package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/babelcloud/avrecorder/config"
	"github.com/babelcloud/avrecorder/internal/avsync"
	"github.com/babelcloud/avrecorder/internal/container"
	"github.com/babelcloud/avrecorder/internal/encoder"
	"github.com/babelcloud/avrecorder/internal/media"
	"github.com/babelcloud/avrecorder/internal/session"
	"github.com/babelcloud/avrecorder/internal/util"
	"github.com/dchest/uniuri"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// RecordOptions holds command options
type RecordOptions struct {
	Video       string
	Audio       string
	Control     string
	DeviceName  bool
	Output      string
	Format      string
	Interactive bool
}

// NewRecordCommand creates the record command
func NewRecordCommand() *cobra.Command {
	opts := &RecordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record framed encoder streams into one container",
		Long: `Record a video and/or an audio framed encoder stream into a single fMP4 or WebM output.

The container starts once every enabled stream has announced its format. Output begins at the
first video keyframe and both tracks share one timeline starting near zero.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, opts)
		},
		Example: `  # Record video and audio streams from a device bridge
  avrec record --video tcp://127.0.0.1:27183 --audio tcp://127.0.0.1:27184 --control tcp://127.0.0.1:27185

  # Record a captured video stream file to WebM
  avrec record --video capture.bin -o capture.webm

  # Stream fragmented MP4 to a WebSocket
  avrec record --video tcp://127.0.0.1:27183 -o ws://localhost:8080/ingest`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Video, "video", "", "Video stream input: file, - for stdin, or tcp://host:port")
	flags.StringVar(&opts.Audio, "audio", "", "Audio stream input: file, - for stdin, or tcp://host:port")
	flags.StringVar(&opts.Control, "control", "", "Control connection (tcp://host:port) used to request keyframes on resume")
	flags.BoolVar(&opts.DeviceName, "device-name", false, "Video stream starts with a 64-byte device name")
	flags.StringVarP(&opts.Output, "output", "o", "", "Output file, - for stdout, or ws://host/path (default: generated name in output.dir)")
	flags.StringVarP(&opts.Format, "format", "f", "", "Container format: mp4 or webm (default from output extension or output.format)")
	flags.BoolVar(&opts.Interactive, "interactive", true, "Read p/r/q commands from the terminal")
	flags.Duration("barrier-timeout", config.GetBarrierTimeout(), "How long to wait for the second stream format (0 waits forever)")
	config.BindFlag("session.barrier_timeout", flags.Lookup("barrier-timeout"))

	return cmd
}

// resolveOutput picks the container format and output target. An explicit
// format wins over the output extension, which wins over the config.
func resolveOutput(output, format, prefix string) (string, container.Format, error) {
	name := format
	if name == "" && output != "" && output != "-" && !container.IsNetworkTarget(output) {
		name = filepath.Ext(output)
	}
	if name == "" {
		name = config.GetOutputFormat()
	}
	f, err := container.ParseFormat(name)
	if err != nil {
		return "", "", err
	}
	if output == "" {
		output = filepath.Join(config.GetOutputDir(), prefix+"-"+strings.ToLower(uniuri.NewLen(8))+f.Extension())
	}
	return output, f, nil
}

func runRecord(cmd *cobra.Command, opts *RecordOptions) error {
	if opts.Video == "" && opts.Audio == "" {
		return errors.New("at least one of --video or --audio is required")
	}
	if opts.Video == "-" && opts.Audio == "-" {
		return errors.New("only one stream can be read from stdin")
	}
	output, format, err := resolveOutput(opts.Output, opts.Format, "rec")
	if err != nil {
		return errors.Wrap(err, "invalid output")
	}
	logger := util.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := container.OpenOutput(ctx, output)
	if err != nil {
		return errors.Wrapf(err, "failed to open output %s", output)
	}
	sink, err := container.New(format, out, logger)
	if err != nil {
		out.Close()
		return errors.Wrap(err, "failed to create container")
	}

	cfg := session.Config{
		Sink:                sink,
		BarrierTimeout:      config.GetBarrierTimeout(),
		ConfigSizeHeuristic: config.GetConfigSizeHeuristic(),
		Video:               session.TrackConfig{FrameDuration: config.GetVideoFrameDuration()},
		Audio:               session.TrackConfig{FrameDuration: config.GetAudioFrameDuration()},
		Logger:              logger,
	}
	if opts.Video != "" {
		cfg.Video.Enabled = true
		cfg.Video.Encoder = encoder.NewStreamEncoder(encoder.StreamConfig{
			Kind:       media.Video,
			Input:      opts.Video,
			Control:    opts.Control,
			DeviceName: opts.DeviceName,
			BufferSize: config.GetStreamBuffer(),
		})
	}
	if opts.Audio != "" {
		cfg.Audio.Enabled = true
		cfg.Audio.Encoder = encoder.NewStreamEncoder(encoder.StreamConfig{
			Kind:       media.Audio,
			Input:      opts.Audio,
			BufferSize: config.GetStreamBuffer(),
		})
	}

	status := cmd.ErrOrStderr()
	cfg.Listener = session.ListenerFuncs{
		Started: func() {
			fmt.Fprintf(status, "%s writing %s\n", color.GreenString("● Recording"), color.CyanString(output))
		},
	}

	s, err := session.New(cfg)
	if err != nil {
		sink.Release()
		return errors.Wrap(err, "failed to create session")
	}
	startedAt := time.Now()
	if err := s.Start(); err != nil {
		s.Stop()
		return errors.Wrap(err, "failed to start recording")
	}
	fmt.Fprintf(status, "Waiting for stream formats (session %s)\n", s.ID())

	interactive := opts.Interactive && opts.Video != "-" && opts.Audio != "-" && term.IsTerminal(int(os.Stdin.Fd()))
	commands := make(chan string)
	if interactive {
		fmt.Fprintf(status, "Type %s to pause, %s to resume, %s to stop.\n",
			color.New(color.FgYellow, color.Bold).Sprint("p"),
			color.New(color.FgYellow, color.Bold).Sprint("r"),
			color.New(color.FgYellow, color.Bold).Sprint("q"))
		go readCommands(ctx, os.Stdin, commands)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for done := false; !done; {
		select {
		case <-s.Done():
			done = true
		case sig := <-sigChan:
			logger.Info("Received signal, stopping", "signal", sig)
			s.Stop()
		case line := <-commands:
			handleRecordCommand(s, line, status)
		}
	}

	renderSummary(status, s.ID(), output, time.Since(startedAt), s.Summary())
	if err := s.Err(); err != nil {
		return errors.Wrap(err, "recording failed")
	}
	fmt.Fprintf(status, "%s %s\n", color.GreenString("✓ Saved"), output)
	return nil
}

func readCommands(ctx context.Context, r io.Reader, commands chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case commands <- strings.TrimSpace(strings.ToLower(scanner.Text())):
		case <-ctx.Done():
			return
		}
	}
}

func handleRecordCommand(s *session.Session, line string, w io.Writer) {
	var err error
	switch line {
	case "p", "pause":
		if err = s.Pause(); err == nil {
			fmt.Fprintln(w, color.YellowString("❚❚ Paused"))
		}
	case "r", "resume":
		if err = s.Resume(); err == nil {
			fmt.Fprintln(w, color.GreenString("● Resumed"))
		}
	case "q", "quit", "stop":
		err = s.Stop()
	case "":
	default:
		fmt.Fprintf(w, "Unknown command %q (p, r or q)\n", line)
	}
	if err != nil {
		fmt.Fprintln(w, color.RedString("✗ %v", err))
	}
}

func renderSummary(w io.Writer, id, output string, elapsed time.Duration, snap avsync.Snapshot) {
	fmt.Fprintln(w)
	columns := []util.TableColumn{
		{Header: "SESSION", Key: "session"},
		{Header: "OUTPUT", Key: "output"},
		{Header: "ELAPSED", Key: "elapsed", Align: util.AlignRight},
		{Header: "VIDEO", Key: "video", Align: util.AlignRight},
		{Header: "AUDIO", Key: "audio", Align: util.AlignRight},
		{Header: "ANCHORS", Key: "anchors", Align: util.AlignRight},
		{Header: "DROPPED", Key: "dropped", Align: util.AlignRight},
	}
	dropped := 0
	for _, n := range snap.Dropped {
		dropped += n
	}
	util.RenderTable(w, columns, []map[string]interface{}{{
		"session": id,
		"output":  output,
		"elapsed": elapsed.Round(time.Millisecond),
		"video":   snap.Forwarded[media.Video],
		"audio":   snap.Forwarded[media.Audio],
		"anchors": snap.Anchors,
		"dropped": dropped,
	}})
}
