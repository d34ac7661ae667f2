package autocrit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DownloadArtifact fetches a pretrained artifact (model or tokenizer file)
// over HTTP into outputPath, logging progress as it goes.
func DownloadArtifact(ctx context.Context, logger zerolog.Logger, outputPath, url string) error {
	logger.Info().Str("url", url).Msg("downloading artifact")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", outputPath, err)
	}
	defer out.Close()

	contentLength := resp.ContentLength
	var totalRead, lastReported int64
	buf := make([]byte, 1<<16)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			totalRead += int64(n)
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("failed to write to file %s: %w", outputPath, writeErr)
			}
			if totalRead-lastReported > 64<<20 {
				lastReported = totalRead
				ev := logger.Debug().Int64("bytes", totalRead)
				if contentLength > 0 {
					ev = ev.Str("progress", fmt.Sprintf("%.1f%%", float64(totalRead)/float64(contentLength)*100))
				}
				ev.Msg("downloading")
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read data: %w", err)
		}
	}
	logger.Info().Int64("bytes", totalRead).Str("path", outputPath).Msg("download complete")
	return nil
}
