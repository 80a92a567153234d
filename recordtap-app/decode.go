package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/compose-network/recordtap/x/guild"
	"github.com/compose-network/recordtap/x/sink/natssink"
	"github.com/compose-network/recordtap/x/stream"
)

const defaultChunkSize = 4096

type decodeStats struct {
	Bytes  int64
	Chunks int
}

func newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode a raw server-to-client capture offline",
		Long: "Replays a captured byte stream through a decoder session in fixed-size chunks " +
			"and exports every record with the configured record decoders.",
		RunE: runDecode,
	}
	cmd.Flags().String("input", "", "capture file to decode (- for stdin)")
	cmd.Flags().Int("chunk-size", defaultChunkSize, "bytes submitted per chunk")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runDecode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	input, _ := cmd.Flags().GetString("input")
	chunkSize, _ := cmd.Flags().GetInt("chunk-size")
	if chunkSize <= 0 {
		return fmt.Errorf("chunk-size must be positive, got %d", chunkSize)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var pub guild.Publisher
	if cfg.NATS.Enabled {
		sink, err := natssink.Connect(ctx, cfg.NATS, logger.Logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Flush(ctx); err != nil {
				logger.Error().Err(err).Msg("NATS flush error")
			}
			if err := sink.Close(); err != nil {
				logger.Error().Err(err).Msg("NATS close error")
			}
		}()
		pub = sink
	}

	registry, err := buildRegistry(cfg.Records, pub, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to build record registry: %w", err)
	}

	r, closeInput, err := openInput(input)
	if err != nil {
		return err
	}
	defer closeInput()

	decCfg, overridden := offlineDecoderConfig(cfg.Decoder.Config)
	if overridden {
		logger.Info().
			Str("configured", string(cfg.Decoder.HeaderUnderflow)).
			Str("using", string(decCfg.HeaderUnderflow)).
			Msg("Overriding header underflow policy for offline decoding")
	}

	session := stream.NewSession(ctx, registry, decCfg, logger.Logger, nil)
	stats, err := decodeCapture(ctx, r, chunkSize, session)
	if err != nil {
		return err
	}

	logger.Info().
		Str("input", input).
		Int64("bytes", stats.Bytes).
		Int("chunks", stats.Chunks).
		Msg("Capture decoded")
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}

// offlineDecoderConfig adapts cfg for replaying a capture. The replay picks its
// own chunk boundaries, so a partial header at the end of a chunk is kept
// until the next read instead of being dropped.
func offlineDecoderConfig(cfg stream.Config) (stream.Config, bool) {
	if cfg.HeaderUnderflow == stream.HeaderUnderflowWait {
		return cfg, false
	}
	cfg.HeaderUnderflow = stream.HeaderUnderflowWait
	return cfg, true
}

// decodeCapture submits r to session chunkSize bytes at a time and closes the
// session at EOF.
func decodeCapture(ctx context.Context, r io.Reader, chunkSize int, session stream.Session) (decodeStats, error) {
	var stats decodeStats
	buf := make([]byte, chunkSize)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if serr := session.Submit(ctx, buf[:n]); serr != nil {
				_ = session.Close(ctx)
				return stats, fmt.Errorf("failed to submit chunk %d: %w", stats.Chunks, serr)
			}
			stats.Bytes += int64(n)
			stats.Chunks++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			_ = session.Close(ctx)
			return stats, fmt.Errorf("failed to read capture: %w", err)
		}
	}

	if err := session.Close(ctx); err != nil {
		return stats, fmt.Errorf("failed to close decoder: %w", err)
	}
	return stats, nil
}
