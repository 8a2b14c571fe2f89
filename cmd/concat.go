package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/babelcloud/avrecorder/config"
	"github.com/babelcloud/avrecorder/internal/container"
	"github.com/babelcloud/avrecorder/internal/decode"
	"github.com/babelcloud/avrecorder/internal/session"
	"github.com/babelcloud/avrecorder/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// ConcatOptions holds command options
type ConcatOptions struct {
	Manifest     string
	SaveManifest string
	Output       string
	Format       string
}

// NewConcatCommand creates the concat command
func NewConcatCommand() *cobra.Command {
	opts := &ConcatOptions{}

	cmd := &cobra.Command{
		Use:   "concat [source...]",
		Short: "Join recorded clips into one continuous output",
		Long: `Join Matroska/WebM recordings end to end. Each source continues the timeline where the previous
one ended. All sources must carry the same tracks with the same codecs and video size.

Per-source clip ranges are set in a TOML manifest:

  output = "joined.mp4"

  [[source]]
  path = "part1.webm"
  clip_start = "2s"
  clip_duration = "10s"`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConcat(cmd, args, opts)
		},
		Example: `  # Join two recordings
  avrec concat part1.webm part2.webm -o joined.mp4

  # Join the sources listed in a manifest
  avrec concat --manifest job.toml`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Manifest, "manifest", "m", "", "TOML manifest listing the sources")
	flags.StringVar(&opts.SaveManifest, "save-manifest", "", "Write the resolved job as a TOML manifest")
	flags.StringVarP(&opts.Output, "output", "o", "", "Output file, - for stdout, or ws://host/path")
	flags.StringVarP(&opts.Format, "format", "f", "", "Container format: mp4 or webm")

	return cmd
}

// concatJob collects sources and output settings from the arguments and
// the optional manifest. Arguments and flags take precedence.
func concatJob(args []string, opts *ConcatOptions) ([]decode.SourceRef, string, string, error) {
	output, format := opts.Output, opts.Format
	var refs []decode.SourceRef
	if opts.Manifest != "" {
		m, err := decode.LoadManifest(opts.Manifest)
		if err != nil {
			return nil, "", "", err
		}
		if refs, err = m.Refs(); err != nil {
			return nil, "", "", errors.Wrapf(err, "invalid manifest %s", opts.Manifest)
		}
		if output == "" {
			output = m.Output
		}
		if format == "" {
			format = m.Format
		}
	}
	for _, path := range args {
		refs = append(refs, decode.SourceRef{Path: path})
	}
	return refs, output, format, nil
}

func saveManifest(path, output string, format container.Format, refs []decode.SourceRef) error {
	m := &decode.Manifest{Output: output, Format: string(format)}
	for _, ref := range refs {
		e := decode.ManifestEntry{Path: ref.Path}
		if ref.ClipStart > 0 {
			e.ClipStart = ref.ClipStart.String()
		}
		if ref.ClipDuration > 0 {
			e.ClipDuration = ref.ClipDuration.String()
		}
		m.Sources = append(m.Sources, e)
	}
	return m.Save(path)
}

func runConcat(cmd *cobra.Command, args []string, opts *ConcatOptions) error {
	refs, output, formatName, err := concatJob(args, opts)
	if err != nil {
		return err
	}
	if len(refs) < 2 {
		return errors.New("concat needs at least two sources")
	}
	output, format, err := resolveOutput(output, formatName, "concat")
	if err != nil {
		return errors.Wrap(err, "invalid output")
	}
	if opts.SaveManifest != "" {
		if err := saveManifest(opts.SaveManifest, output, format, refs); err != nil {
			return errors.Wrap(err, "failed to save manifest")
		}
	}
	logger := util.GetLogger()

	out, err := container.OpenOutput(context.Background(), output)
	if err != nil {
		return errors.Wrapf(err, "failed to open output %s", output)
	}
	sink, err := container.New(format, out, logger)
	if err != nil {
		out.Close()
		return errors.Wrap(err, "failed to create container")
	}

	status := cmd.ErrOrStderr()
	plain := verbose || !term.IsTerminal(int(os.Stderr.Fd()))
	spin := util.NewUISpinner(status, plain, fmt.Sprintf("Joining %d sources", len(refs)))

	c, err := session.NewConcat(session.ConcatConfig{
		Sources:            refs,
		Sink:               sink,
		BarrierTimeout:     config.GetBarrierTimeout(),
		VideoFrameDuration: config.GetVideoFrameDuration(),
		AudioFrameDuration: config.GetAudioFrameDuration(),
		Listener: session.ListenerFuncs{
			Progress: func(percent int) {
				spin.Update(fmt.Sprintf("Joining %d sources %3d%%", len(refs), percent))
			},
		},
		Logger: logger,
	})
	if err != nil {
		spin.Fail("Concatenation failed")
		sink.Release()
		return errors.Wrap(err, "failed to create session")
	}

	startedAt := time.Now()
	if err := c.Start(); err != nil {
		c.Stop()
		spin.Fail("Concatenation failed")
		return errors.Wrap(err, "failed to start concatenation")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-c.Done():
	case sig := <-sigChan:
		logger.Info("Received signal, stopping", "signal", sig)
		c.Stop()
		<-c.Done()
	}

	if err := c.Err(); err != nil {
		spin.Fail("Concatenation failed")
		return errors.Wrap(err, "concatenation failed")
	}
	spin.Success(fmt.Sprintf("Joined %d sources (%s of media)", len(refs), c.TotalDuration()))
	renderSummary(status, c.ID(), output, time.Since(startedAt), c.Summary())
	fmt.Fprintf(status, "%s %s\n", color.GreenString("✓ Saved"), output)
	return nil
}
